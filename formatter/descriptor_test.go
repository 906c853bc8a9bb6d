package formatter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
)

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(`{
		"name": "acceleration",
		"codec": "acceleration",
		"version": "1.0.0"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "acceleration", d.Name)
	assert.Equal(t, "acceleration", d.Codec)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{broken`},
		{"missing name", `{"codec": "raw"}`},
		{"missing codec", `{"name": "raw"}`},
		{"empty name", `{"name": "", "codec": "raw"}`},
		{"name with spaces", `{"name": "my formatter", "codec": "raw"}`},
		{"unknown field", `{"name": "raw", "codec": "raw", "script": "1+1"}`},
		{"options not object", `{"name": "raw", "codec": "raw", "options": 7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrFormatterCompile)
		})
	}
}

func TestRegistry_CompileUnknownCodec(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.CompileUplink([]byte(`{"name": "custom", "codec": "no-such-codec"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFormatterCompile)

	_, err = r.CompileDownlink([]byte(`{"name": "custom", "codec": "no-such-codec"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFormatterCompile)
}

func TestRegistry_CodecNamesCaseInsensitive(t *testing.T) {
	r := DefaultRegistry()

	f, err := r.CompileUplink([]byte(`{"name": "accel", "codec": "Acceleration"}`))
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterUplink("raw", newRawUplink))

	err := r.RegisterUplink("RAW", newRawUplink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_Builtins(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"acceleration", "raw", "tracker"}, r.UplinkCodecs())
	assert.Equal(t, []string{"fanspeed", "lightsoffon", "raw", "temperaturetarget"}, r.DownlinkCodecs())
}
