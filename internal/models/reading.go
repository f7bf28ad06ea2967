package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"
)

// Reading is one sensor uplink as served to the dashboard.
// Optional measurements are nil when the device did not report them.
// Readings are treated as immutable once constructed.
type Reading struct {
	DeviceID     string    `json:"device_id,omitempty"`
	Timestamp    time.Time `json:"ts"`
	FrameCounter *uint32   `json:"f_cnt"`
	Temperature  *float64  `json:"temperature_c"`
	Pressure     *float64  `json:"pressure_bar"`
	RSSI         *int      `json:"rssi"`
	SNR          *float64  `json:"snr"`
	GatewayID    string    `json:"gateway_id,omitempty"`
}

// FrameKey returns the deduplication key and whether the reading has one.
func (r Reading) FrameKey() (uint32, bool) {
	if r.FrameCounter == nil {
		return 0, false
	}
	return *r.FrameCounter, true
}

// readingWire accepts any ISO-8601 timestamp, including naive ones without a zone.
type readingWire struct {
	DeviceID     string   `json:"device_id"`
	Timestamp    string   `json:"ts"`
	FrameCounter *uint32  `json:"f_cnt"`
	Temperature  *float64 `json:"temperature_c"`
	Pressure     *float64 `json:"pressure_bar"`
	RSSI         *int     `json:"rssi"`
	SNR          *float64 `json:"snr"`
	GatewayID    string   `json:"gateway_id"`
}

// UnmarshalJSON decodes the wire form of a reading.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var w readingWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Timestamp == "" {
		return fmt.Errorf("reading: missing ts")
	}
	ts, err := iso8601.ParseString(w.Timestamp)
	if err != nil {
		return fmt.Errorf("reading: invalid ts %q: %w", w.Timestamp, err)
	}
	*r = Reading{
		DeviceID:     w.DeviceID,
		Timestamp:    ts,
		FrameCounter: w.FrameCounter,
		Temperature:  w.Temperature,
		Pressure:     w.Pressure,
		RSSI:         w.RSSI,
		SNR:          w.SNR,
		GatewayID:    w.GatewayID,
	}
	return nil
}

// ParseReading decodes a single JSON reading, e.g. an event-stream payload.
func ParseReading(payload []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Ptr returns a pointer to v. Handy for building readings by hand.
func Ptr[T any](v T) *T {
	return &v
}
