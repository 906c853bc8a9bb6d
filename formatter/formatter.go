// Package formatter converts between raw satellite payload bytes and
// structured telemetry. Uplink formatters turn terminal payloads into
// telemetry events; downlink formatters turn method invocations into
// frames a terminal can receive.
//
// Formatters are described by small JSON descriptors stored in a blob
// bucket per direction. A descriptor binds a formatter name to a
// registered codec plus optional codec settings; compiling a
// descriptor yields a ready-to-call formatter instance.
package formatter

import (
	"fmt"
	"time"

	"github.com/c360/satbridge/errors"
)

// Direction distinguishes the two formatter families
type Direction string

// Formatter directions
const (
	DirectionUplink   Direction = "uplink"
	DirectionDownlink Direction = "downlink"
)

// Uplink converts a received payload into a telemetry event.
// Implementations may add transport properties to the properties map;
// the dispatcher carries them as message headers.
type Uplink interface {
	Evaluate(terminalID string, properties map[string]string, timestamp time.Time, payload []byte) (*TelemetryEvent, error)
}

// Downlink converts a method invocation into a frame for the terminal.
// payloadJSON is the parsed request document (nil when the request
// carried none); payloadBytes is the raw request body.
type Downlink interface {
	Evaluate(terminalID, methodName string, payloadJSON map[string]any, payloadBytes []byte) ([]byte, error)
}

// Downlink frame size bounds imposed by the satellite transport
const (
	MinDownlinkFrameBytes = 1
	MaxDownlinkFrameBytes = 20
)

// ValidateFrame checks a downlink formatter result against the
// transport bounds. A nil result is reported separately from a
// wrong-sized one.
func ValidateFrame(frame []byte) error {
	if frame == nil {
		return errors.WrapInvalid(errors.ErrNilResult, "Formatter", "ValidateFrame", "frame validation")
	}
	if len(frame) < MinDownlinkFrameBytes || len(frame) > MaxDownlinkFrameBytes {
		return errors.WrapInvalid(
			fmt.Errorf("%w: got %d bytes, want %d..%d",
				errors.ErrFrameLength, len(frame), MinDownlinkFrameBytes, MaxDownlinkFrameBytes),
			"Formatter", "ValidateFrame", "frame validation")
	}
	return nil
}

// EvaluateUplink invokes an uplink formatter, converting panics into
// runtime errors so a faulty formatter cannot take down the consumer.
func EvaluateUplink(
	f Uplink, terminalID string, properties map[string]string, timestamp time.Time, payload []byte,
) (event *TelemetryEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			event = nil
			err = errors.Wrap(
				fmt.Errorf("%w: panic: %v", errors.ErrFormatterRuntime, r),
				"Formatter", "EvaluateUplink", "formatter invocation")
		}
	}()

	event, err = f.Evaluate(terminalID, properties, timestamp, payload)
	if err != nil {
		return nil, errors.Wrap(
			fmt.Errorf("%w: %w", errors.ErrFormatterRuntime, err),
			"Formatter", "EvaluateUplink", "formatter invocation")
	}
	if event == nil {
		return nil, errors.WrapInvalid(errors.ErrNilResult, "Formatter", "EvaluateUplink", "result validation")
	}
	return event, nil
}

// EvaluateDownlink invokes a downlink formatter with the same panic
// containment, then applies frame validation.
func EvaluateDownlink(
	f Downlink, terminalID, methodName string, payloadJSON map[string]any, payloadBytes []byte,
) (frame []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			frame = nil
			err = errors.Wrap(
				fmt.Errorf("%w: panic: %v", errors.ErrFormatterRuntime, r),
				"Formatter", "EvaluateDownlink", "formatter invocation")
		}
	}()

	frame, err = f.Evaluate(terminalID, methodName, payloadJSON, payloadBytes)
	if err != nil {
		return nil, errors.Wrap(
			fmt.Errorf("%w: %w", errors.ErrFormatterRuntime, err),
			"Formatter", "EvaluateDownlink", "formatter invocation")
	}
	if err := ValidateFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}
