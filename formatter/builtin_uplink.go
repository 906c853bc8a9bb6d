package formatter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/c360/satbridge/errors"
)

// Transport property carrying the event creation time, set by uplink
// codecs that can derive one from the payload
const creationTimeProperty = "creation-time-utc"

const creationTimeLayout = "2006-01-02T15:04:05"

// rawUplink passes the payload through as dash-separated hex
type rawUplink struct {
	field string
}

type rawUplinkOptions struct {
	Field string `json:"field,omitempty"`
}

func newRawUplink(d *Descriptor) (Uplink, error) {
	opts := rawUplinkOptions{Field: "PayloadBytes"}
	if len(d.Options) > 0 {
		if err := json.Unmarshal(d.Options, &opts); err != nil {
			return nil, fmt.Errorf("raw options: %w", err)
		}
		if opts.Field == "" {
			opts.Field = "PayloadBytes"
		}
	}
	return &rawUplink{field: opts.Field}, nil
}

func (f *rawUplink) Evaluate(
	_ string, properties map[string]string, timestamp time.Time, payload []byte,
) (*TelemetryEvent, error) {
	event := NewTelemetryEvent()

	properties[creationTimeProperty] = timestamp.UTC().Format(creationTimeLayout)

	if payload == nil {
		return event, nil
	}

	event.Set(f.field, hexDashString(payload))
	return event, nil
}

// accelerationUplink decodes a sequence number and three axis readings
//
//	uint16   sequence number  (little endian)
//	float32  x                (little endian)
//	float32  y                (little endian)
//	float32  z                (little endian)
type accelerationUplink struct{}

func newAccelerationUplink(_ *Descriptor) (Uplink, error) {
	return &accelerationUplink{}, nil
}

const accelerationPayloadBytes = 14

func (f *accelerationUplink) Evaluate(
	_ string, properties map[string]string, timestamp time.Time, payload []byte,
) (*TelemetryEvent, error) {
	if len(payload) < accelerationPayloadBytes {
		return nil, fmt.Errorf("%w: acceleration payload %d bytes, want %d",
			errors.ErrInvalidData, len(payload), accelerationPayloadBytes)
	}

	event := NewTelemetryEvent()
	event.Set("SequenceNumber", binary.LittleEndian.Uint16(payload[0:2]))
	event.Set("x", float32FromLE(payload[2:6]))
	event.Set("y", float32FromLE(payload[6:10]))
	event.Set("z", float32FromLE(payload[10:14]))

	properties[creationTimeProperty] = timestamp.UTC().Format(creationTimeLayout)

	return event, nil
}

// trackerUplink decodes packed location records
//
//	uint16   sequence number
//	uint8    location count
//	records of 12 bytes each:
//	  int32   latitude,  scaled by 1e7
//	  int32   longitude, scaled by 1e7
//	  uint32  fix time, unix epoch seconds
type trackerUplink struct{}

func newTrackerUplink(_ *Descriptor) (Uplink, error) {
	return &trackerUplink{}, nil
}

const trackerRecordBytes = 12

func (f *trackerUplink) Evaluate(
	_ string, properties map[string]string, _ time.Time, payload []byte,
) (*TelemetryEvent, error) {
	event := NewTelemetryEvent()
	if payload == nil {
		return event, nil
	}
	if len(payload) < 3 {
		return nil, fmt.Errorf("%w: tracker payload %d bytes, want at least 3",
			errors.ErrInvalidData, len(payload))
	}

	event.Set("SequenceNumber", binary.LittleEndian.Uint16(payload[0:2]))

	locationCount := int(payload[2])
	if need := 3 + locationCount*trackerRecordBytes; len(payload) < need {
		return nil, fmt.Errorf("%w: tracker payload %d bytes, want %d for %d locations",
			errors.ErrInvalidData, len(payload), need, locationCount)
	}

	var latitude, longitude float64
	fixAtUtc := time.Now().UTC()

	locations := make([]any, 0, locationCount)
	for index := 0; index < locationCount; index++ {
		offset := index*trackerRecordBytes + 3

		latitude = float64(int32(binary.LittleEndian.Uint32(payload[offset:offset+4]))) / 1e7
		longitude = float64(int32(binary.LittleEndian.Uint32(payload[offset+4:offset+8]))) / 1e7
		fixTime := binary.LittleEndian.Uint32(payload[offset+8 : offset+12])
		fixAtUtc = time.Unix(int64(fixTime), 0).UTC()

		location := NewTelemetryEvent()
		location.Set("lat", latitude)
		location.Set("lon", longitude)
		location.Set("alt", 0.0)
		location.Set("FixAtUtc", fixAtUtc.Format(time.RFC3339))
		locations = append(locations, location)
	}

	event.Set("Locations", locations)

	latest := NewTelemetryEvent()
	latest.Set("lat", latitude)
	latest.Set("lon", longitude)
	latest.Set("alt", 0.0)
	event.Set("DeviceLocation", latest)
	event.Set("FixAtUtc", fixAtUtc.Format(time.RFC3339))

	properties[creationTimeProperty] = fixAtUtc.Format(creationTimeLayout)

	return event, nil
}

func float32FromLE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// hexDashString renders bytes the way operators see them in terminal
// logs: uppercase hex pairs joined by dashes
func hexDashString(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte('-')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}
