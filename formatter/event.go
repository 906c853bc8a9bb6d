package formatter

import (
	"bytes"
	"encoding/json"
)

// TelemetryEvent is a JSON object that preserves key insertion order.
// Uplink formatters build one, then the dispatcher enriches it with
// routing fields. Enrichment never overwrites a key the formatter
// already wrote.
type TelemetryEvent struct {
	keys   []string
	values map[string]any
}

// NewTelemetryEvent creates an empty telemetry event
func NewTelemetryEvent() *TelemetryEvent {
	return &TelemetryEvent{
		values: make(map[string]any),
	}
}

// Set stores a value, overwriting any existing value for the key.
// Insertion order is kept from the first write of the key.
func (e *TelemetryEvent) Set(key string, value any) {
	if _, exists := e.values[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// SetIfAbsent stores a value only when the key is not already present.
// Returns true when the value was written.
func (e *TelemetryEvent) SetIfAbsent(key string, value any) bool {
	if _, exists := e.values[key]; exists {
		return false
	}
	e.keys = append(e.keys, key)
	e.values[key] = value
	return true
}

// Get returns the value for a key
func (e *TelemetryEvent) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Has reports whether the key is present
func (e *TelemetryEvent) Has(key string) bool {
	_, ok := e.values[key]
	return ok
}

// Len returns the number of keys
func (e *TelemetryEvent) Len() int {
	return len(e.keys)
}

// Keys returns the keys in insertion order
func (e *TelemetryEvent) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// MarshalJSON serializes the event preserving insertion order
func (e *TelemetryEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		valueData, err := json.Marshal(e.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(valueData)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object, recording key order as it
// appears in the document
func (e *TelemetryEvent) UnmarshalJSON(data []byte) error {
	e.keys = nil
	e.values = make(map[string]any)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	// Opening brace
	if _, err := dec.Token(); err != nil {
		return err
	}

	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyToken.(string)
		if !ok {
			continue
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		e.Set(key, value)
	}

	// Closing brace
	_, err := dec.Token()
	return err
}
