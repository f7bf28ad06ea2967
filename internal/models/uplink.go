package models

import (
	"errors"
	"time"

	"github.com/relvacode/iso8601"
)

// ErrInvalidUplink is returned when a TTN envelope lacks the device id or uplink message.
var ErrInvalidUplink = errors.New("bad payload")

// UplinkEnvelope is the subset of a TTN v3 uplink message we consume, from the webhook or MQTT integration.
type UplinkEnvelope struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	ReceivedAt    string         `json:"received_at"`
	UplinkMessage *UplinkMessage `json:"uplink_message"`
}

type UplinkMessage struct {
	FCnt           *uint32        `json:"f_cnt"`
	ReceivedAt     string         `json:"received_at"`
	DecodedPayload DecodedPayload `json:"decoded_payload"`
	RxMetadata     []RxMetadata   `json:"rx_metadata"`
}

type DecodedPayload struct {
	Temperature *float64 `json:"temperature_c"`
	Pressure    *float64 `json:"pressure_bar"`
}

type RxMetadata struct {
	GatewayIDs struct {
		GatewayID string `json:"gateway_id"`
	} `json:"gateway_ids"`
	RSSI     *int     `json:"rssi"`
	SNR      *float64 `json:"snr"`
	Location *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"location"`
}

// ToReading flattens the envelope. Radio metadata comes from the first gateway that heard the uplink.
// The gateway location is returned only when that gateway reported both coordinates.
func (e UplinkEnvelope) ToReading(now time.Time) (Reading, *GatewayLocation, error) {
	up := e.UplinkMessage
	if e.EndDeviceIDs.DeviceID == "" || up == nil {
		return Reading{}, nil, ErrInvalidUplink
	}

	ts := now.UTC()
	for _, raw := range []string{up.ReceivedAt, e.ReceivedAt} {
		if raw == "" {
			continue
		}
		if parsed, err := iso8601.ParseString(raw); err == nil {
			ts = parsed
			break
		}
	}

	r := Reading{
		DeviceID:     e.EndDeviceIDs.DeviceID,
		Timestamp:    ts,
		FrameCounter: up.FCnt,
		Temperature:  up.DecodedPayload.Temperature,
		Pressure:     up.DecodedPayload.Pressure,
	}

	var gw *GatewayLocation
	if len(up.RxMetadata) > 0 {
		meta := up.RxMetadata[0]
		r.RSSI = meta.RSSI
		r.SNR = meta.SNR
		r.GatewayID = meta.GatewayIDs.GatewayID
		loc := meta.Location
		if r.GatewayID != "" && loc != nil && loc.Latitude != nil && loc.Longitude != nil {
			gw = &GatewayLocation{GatewayID: r.GatewayID, Lat: *loc.Latitude, Lon: *loc.Longitude}
		}
	}
	return r, gw, nil
}
