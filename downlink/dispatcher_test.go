package downlink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/conncache"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/formatter"
)

// fakeFormatters resolves formatters from the built-in codecs,
// pretending every codec has a same-named descriptor
type fakeFormatters struct {
	registry *formatter.Registry
	failErr  error
}

func (f *fakeFormatters) Downlink(_ context.Context, name string) (formatter.Downlink, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.registry.CompileDownlink([]byte(`{"name": "` + name + `", "codec": "` + name + `"}`))
}

// capturingSender records sent frames
type capturingSender struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	failErr error
}

func newCapturingSender() *capturingSender {
	return &capturingSender{frames: make(map[string][][]byte)}
}

func (s *capturingSender) Send(_ context.Context, terminalID string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	s.frames[terminalID] = append(s.frames[terminalID], payload)
	return "msg-1", nil
}

func (s *capturingSender) sent(terminalID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[terminalID]
}

func testTerminal() *conncache.Context {
	return &conncache.Context{
		TerminalID:        "terminal-1",
		DownlinkFormatter: "raw",
	}
}

func newTestDispatcher(t *testing.T, methods map[string]config.MethodOverride) (*Dispatcher, *capturingSender, *fakeFormatters) {
	t.Helper()
	sender := newCapturingSender()
	formatters := &fakeFormatters{registry: formatter.DefaultRegistry()}
	d, err := NewDispatcher(Options{
		Formatters: formatters,
		Sender:     sender,
		Methods:    config.DownlinkConfig{Methods: methods},
	})
	require.NoError(t, err)
	return d, sender, formatters
}

func TestDispatch_TemperatureTarget(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"SetTemperatureTarget": {Formatter: "temperaturetarget"},
	})

	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SetTemperatureTarget",
		Payload: json.RawMessage(`{"TemperatureTarget": 21.5}`),
	})

	assert.Equal(t, http.StatusOK, response.Status)
	assert.Equal(t, "msg-1", response.MessageID)
	assert.NotEmpty(t, response.RequestID)

	frames := sender.sent("terminal-1")
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 9)
	assert.Equal(t, byte(2), frames[0][0])
}

func TestDispatch_ContextFormatterWhenNoOverride(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, nil)

	// Context formatter is raw: request payload passes through as the frame
	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SendBytes",
		Payload: json.RawMessage(`{"a": 1}`),
	})

	assert.Equal(t, http.StatusOK, response.Status)
	frames := sender.sent("terminal-1")
	require.Len(t, frames, 1)
	assert.Equal(t, []byte(`{"a": 1}`), frames[0])
}

func TestDispatch_NonObjectPayloadDegrades(t *testing.T) {
	captured := &documentCapturingFormatter{}
	sender := newCapturingSender()
	d, err := NewDispatcher(Options{
		Formatters: staticFormatter{captured},
		Sender:     sender,
	})
	require.NoError(t, err)

	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SetMode",
		Payload: json.RawMessage(`eco`), // not valid JSON
	})

	assert.Equal(t, http.StatusOK, response.Status)
	require.NotNil(t, captured.doc)
	assert.Equal(t, "eco", captured.doc["SetMode"])
}

func TestDispatch_TemplateUsedWhenNoPayload(t *testing.T) {
	captured := &documentCapturingFormatter{}
	sender := newCapturingSender()
	d, err := NewDispatcher(Options{
		Formatters: staticFormatter{captured},
		Sender:     sender,
		Methods: config.DownlinkConfig{Methods: map[string]config.MethodOverride{
			"FansOn": {Payload: `{"FanSpeed": 3}`},
		}},
	})
	require.NoError(t, err)

	response := d.Dispatch(context.Background(), testTerminal(), Request{Method: "FansOn"})

	assert.Equal(t, http.StatusOK, response.Status)
	require.NotNil(t, captured.doc)
	assert.Equal(t, float64(3), captured.doc["FanSpeed"])
}

func TestDispatch_InvalidTemplateRejected(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"FansOn": {Payload: `{broken`},
	})

	response := d.Dispatch(context.Background(), testTerminal(), Request{Method: "FansOn"})

	assert.Equal(t, http.StatusUnprocessableEntity, response.Status)
	assert.Empty(t, sender.sent("terminal-1"))
}

func TestDispatch_EmptyFrameUnprocessable(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"SetTemperatureTarget": {Formatter: "temperaturetarget"},
	})

	// Missing TemperatureTarget field: codec emits an empty frame
	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SetTemperatureTarget",
		Payload: json.RawMessage(`{"Wrong": 1}`),
	})

	assert.Equal(t, http.StatusUnprocessableEntity, response.Status)
	assert.Empty(t, sender.sent("terminal-1"))
}

func TestDispatch_PanickingFormatterIsInternal(t *testing.T) {
	sender := newCapturingSender()
	d, err := NewDispatcher(Options{
		Formatters: staticFormatter{panicFormatter{}},
		Sender:     sender,
	})
	require.NoError(t, err)

	response := d.Dispatch(context.Background(), testTerminal(), Request{Method: "Anything"})
	assert.Equal(t, http.StatusInternalServerError, response.Status)
	assert.Empty(t, sender.sent("terminal-1"))

	// The dispatcher survives and handles the next request
	response = d.Dispatch(context.Background(), testTerminal(), Request{Method: "Anything"})
	assert.Equal(t, http.StatusInternalServerError, response.Status)
}

func TestDispatch_FormatterLoadFailureIsInternal(t *testing.T) {
	d, sender, formatters := newTestDispatcher(t, nil)
	formatters.failErr = errors.WrapTransient(errors.ErrStorageUnavailable, "fake", "Downlink", "simulated")

	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SendBytes",
		Payload: json.RawMessage(`{"a": 1}`),
	})

	assert.Equal(t, http.StatusInternalServerError, response.Status)
	assert.Empty(t, sender.sent("terminal-1"))
}

func TestDispatch_SendFailureIsInternal(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, nil)
	sender.failErr = errors.WrapTransient(errors.ErrRegistryUnavailable, "fake", "Send", "simulated")

	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:  "SendBytes",
		Payload: json.RawMessage(`{"a": 1}`),
	})

	assert.Equal(t, http.StatusInternalServerError, response.Status)
}

func TestHandleMessage_JSONRequest(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"SetTemperatureTarget": {Formatter: "temperaturetarget"},
	})

	msg := nats.NewMsg("downlink.terminal-1")
	msg.Data = []byte(`{"method": "SetTemperatureTarget", "payload": {"TemperatureTarget": 21.5}}`)

	data := d.HandleMessage(context.Background(), testTerminal(), msg)

	var response Response
	require.NoError(t, json.Unmarshal(data, &response))
	assert.Equal(t, http.StatusOK, response.Status)
	require.Len(t, sender.sent("terminal-1"), 1)
}

func TestHandleMessage_MethodHeaderFallback(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"SetTemperatureTarget": {Formatter: "temperaturetarget"},
	})

	msg := nats.NewMsg("downlink.terminal-1")
	msg.Header.Set("method", "SetTemperatureTarget")
	msg.Data = []byte(`{"TemperatureTarget": 21.5}`)

	data := d.HandleMessage(context.Background(), testTerminal(), msg)

	var response Response
	require.NoError(t, json.Unmarshal(data, &response))
	assert.Equal(t, http.StatusOK, response.Status)
	require.Len(t, sender.sent("terminal-1"), 1)
}

func TestDispatch_RequestFormatterOverride(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, nil)

	// Terminal default is raw; the request names temperaturetarget,
	// so the frame is the 9-byte encoding, not a passthrough
	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:    "SetTemperatureTarget",
		Formatter: "temperaturetarget",
		Payload:   json.RawMessage(`{"TemperatureTarget": 21.5}`),
	})

	assert.Equal(t, http.StatusOK, response.Status)
	frames := sender.sent("terminal-1")
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 9)
	assert.Equal(t, byte(2), frames[0][0])
}

func TestDispatch_RequestFormatterBeatsMethodOverride(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, map[string]config.MethodOverride{
		"SetTemperatureTarget": {Formatter: "raw"},
	})

	response := d.Dispatch(context.Background(), testTerminal(), Request{
		Method:    "SetTemperatureTarget",
		Formatter: "temperaturetarget",
		Payload:   json.RawMessage(`{"TemperatureTarget": 21.5}`),
	})

	assert.Equal(t, http.StatusOK, response.Status)
	frames := sender.sent("terminal-1")
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 9)
}

func TestHandleMessage_FormatterHeader(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, nil)

	msg := nats.NewMsg("downlink.terminal-1")
	msg.Header.Set("method", "SetTemperatureTarget")
	msg.Header.Set("formatter", "temperaturetarget")
	msg.Data = []byte(`{"TemperatureTarget": 21.5}`)

	data := d.HandleMessage(context.Background(), testTerminal(), msg)

	var response Response
	require.NoError(t, json.Unmarshal(data, &response))
	assert.Equal(t, http.StatusOK, response.Status)

	frames := sender.sent("terminal-1")
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 9)
}

func TestHandleMessage_NotAMethodInvocation(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, nil)

	msg := nats.NewMsg("downlink.terminal-1")
	msg.Data = []byte(`garbage`)

	data := d.HandleMessage(context.Background(), testTerminal(), msg)

	var response Response
	require.NoError(t, json.Unmarshal(data, &response))
	assert.Equal(t, http.StatusUnprocessableEntity, response.Status)
	assert.Empty(t, sender.sent("terminal-1"))
}

// staticFormatter always resolves to the same downlink formatter
type staticFormatter struct {
	f formatter.Downlink
}

func (s staticFormatter) Downlink(context.Context, string) (formatter.Downlink, error) {
	return s.f, nil
}

// documentCapturingFormatter records the JSON document it was handed
type documentCapturingFormatter struct {
	mu  sync.Mutex
	doc map[string]any
}

func (c *documentCapturingFormatter) Evaluate(
	_, _ string, payloadJSON map[string]any, _ []byte,
) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = payloadJSON
	return []byte{0x01}, nil
}

type panicFormatter struct{}

func (panicFormatter) Evaluate(string, string, map[string]any, []byte) ([]byte, error) {
	panic("formatter exploded")
}
