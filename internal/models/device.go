package models

// Device identifies an end device that has sent at least one uplink.
type Device struct {
	DeviceID string `json:"device_id"`
}

// GatewayLocation is the last reported position of a gateway.
type GatewayLocation struct {
	GatewayID string  `json:"gateway_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}
