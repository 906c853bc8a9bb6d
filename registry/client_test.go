package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
)

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(config.RegistryConfig{
		BaseURL:         server.URL,
		APIToken:        "test-token",
		DownlinkEnabled: true,
		PageSize:        2,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(config.RegistryConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/modules/terminal-1", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("Destinations"))
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(modulesResponse{Items: []Terminal{{
			ID: "terminal-1",
			Attributes: []Attribute{
				{Name: "PayloadFormatterUplink", Value: "acceleration"},
			},
		}}})
	}))
	defer server.Close()

	terminal, err := testClient(t, server).Get(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "terminal-1", terminal.ID)

	value, ok := terminal.Attribute("payloadformatteruplink")
	require.True(t, ok)
	assert.Equal(t, "acceleration", value)

	_, ok = terminal.Attribute("Missing")
	assert.False(t, ok)
}

func TestGet_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testClient(t, server).Get(context.Background(), "unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTerminalNotFound)
}

func TestGet_EmptyItemsIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(modulesResponse{})
	}))
	defer server.Close()

	_, err := testClient(t, server).Get(context.Background(), "unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTerminalNotFound)
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(modulesResponse{Items: []Terminal{{ID: "terminal-1"}}})
	}))
	defer server.Close()

	terminal, err := testClient(t, server).Get(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "terminal-1", terminal.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_UnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(t, server).Get(context.Background(), "terminal-1")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestList_FollowsPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/modules", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("Limit"))

		switch r.URL.Query().Get("NextItem") {
		case "":
			_ = json.NewEncoder(w).Encode(modulesResponse{
				Items:    []Terminal{{ID: "terminal-1"}, {ID: "terminal-2"}},
				NextItem: "terminal-2",
			})
		case "terminal-2":
			_ = json.NewEncoder(w).Encode(modulesResponse{
				Items: []Terminal{{ID: "terminal-3"}},
			})
		default:
			t.Errorf("unexpected NextItem %q", r.URL.Query().Get("NextItem"))
		}
	}))
	defer server.Close()

	terminals, err := testClient(t, server).List(context.Background())
	require.NoError(t, err)
	require.Len(t, terminals, 3)
	assert.Equal(t, "terminal-3", terminals[2].ID)
}

func TestSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/control-messages/", r.URL.Path)

		var req controlMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "terminal-1", req.ModuleID)
		assert.Equal(t, "02000000000000803540", req.Message)

		_ = json.NewEncoder(w).Encode(controlMessageResponse{ID: "msg-42"})
	}))
	defer server.Close()

	frame := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0x35, 0x40}
	id, err := testClient(t, server).Send(context.Background(), "terminal-1", frame)
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
}

func TestSend_DownlinkDisabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client, err := NewClient(config.RegistryConfig{
		BaseURL:         server.URL,
		DownlinkEnabled: false,
	}, nil)
	require.NoError(t, err)

	id, err := client.Send(context.Background(), "terminal-1", []byte{0x01})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSend_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := testClient(t, server).Send(context.Background(), "terminal-1", []byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoJSON_ConnectionRefused(t *testing.T) {
	client, err := NewClient(config.RegistryConfig{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", 1), // nothing listens here
	}, nil)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "terminal-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRegistryUnavailable)
}
