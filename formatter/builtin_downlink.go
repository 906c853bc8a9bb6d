package formatter

import (
	"encoding/binary"
	"math"
)

// Frame type identifiers, first byte of each structured downlink frame
const (
	frameTypeLights      = 0
	frameTypeFanSpeed    = 1
	frameTypeTemperature = 2
)

// rawDownlink passes the request body through unchanged
type rawDownlink struct{}

func newRawDownlink(_ *Descriptor) (Downlink, error) {
	return &rawDownlink{}, nil
}

func (f *rawDownlink) Evaluate(_, _ string, _ map[string]any, payloadBytes []byte) ([]byte, error) {
	return payloadBytes, nil
}

// temperatureTargetDownlink emits a 9-byte setpoint frame:
// type byte then the target as IEEE 754 double, little endian
type temperatureTargetDownlink struct{}

func newTemperatureTargetDownlink(_ *Descriptor) (Downlink, error) {
	return &temperatureTargetDownlink{}, nil
}

func (f *temperatureTargetDownlink) Evaluate(
	_, _ string, payloadJSON map[string]any, _ []byte,
) ([]byte, error) {
	temperature, ok := numberField(payloadJSON, "TemperatureTarget")
	if !ok {
		return []byte{}, nil
	}

	result := make([]byte, 9)
	result[0] = frameTypeTemperature
	binary.LittleEndian.PutUint64(result[1:], math.Float64bits(temperature))
	return result, nil
}

// fanSpeedDownlink emits a 2-byte frame: type byte then the speed
type fanSpeedDownlink struct{}

func newFanSpeedDownlink(_ *Descriptor) (Downlink, error) {
	return &fanSpeedDownlink{}, nil
}

func (f *fanSpeedDownlink) Evaluate(_, _ string, payloadJSON map[string]any, _ []byte) ([]byte, error) {
	speed, ok := numberField(payloadJSON, "FanSpeed")
	if !ok || speed < 0 || speed > 255 {
		return []byte{}, nil
	}
	return []byte{frameTypeFanSpeed, byte(speed)}, nil
}

// lightsOffOnDownlink emits a 2-byte frame: type byte then 0 or 1
type lightsOffOnDownlink struct{}

func newLightsOffOnDownlink(_ *Descriptor) (Downlink, error) {
	return &lightsOffOnDownlink{}, nil
}

func (f *lightsOffOnDownlink) Evaluate(_, _ string, payloadJSON map[string]any, _ []byte) ([]byte, error) {
	light, ok := boolField(payloadJSON, "Light")
	if !ok {
		return []byte{}, nil
	}

	value := byte(0)
	if light {
		value = 1
	}
	return []byte{frameTypeLights, value}, nil
}

// numberField extracts a numeric JSON field
func numberField(doc map[string]any, key string) (float64, bool) {
	if doc == nil {
		return 0, false
	}
	switch v := doc[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// boolField extracts a boolean JSON field
func boolField(doc map[string]any, key string) (bool, bool) {
	if doc == nil {
		return false, false
	}
	v, ok := doc[key].(bool)
	if !ok {
		return false, false
	}
	return v, true
}

// registerBuiltins wires the codec set shipped with the process
func registerBuiltins(r *Registry) {
	// Errors are impossible here: names are unique literals
	_ = r.RegisterUplink("raw", newRawUplink)
	_ = r.RegisterUplink("acceleration", newAccelerationUplink)
	_ = r.RegisterUplink("tracker", newTrackerUplink)

	_ = r.RegisterDownlink("raw", newRawDownlink)
	_ = r.RegisterDownlink("temperaturetarget", newTemperatureTargetDownlink)
	_ = r.RegisterDownlink("fanspeed", newFanSpeedDownlink)
	_ = r.RegisterDownlink("lightsoffon", newLightsOffOnDownlink)
}
