package models

// ReadingsQuery selects the most recent readings of one device.
type ReadingsQuery struct {
	DeviceID string `json:"device_id"`
	Limit    int    `json:"limit"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// DownlinkRequest is the body of POST /api/downlink. FrmPayloadB64 is already base64 encoded.
type DownlinkRequest struct {
	DeviceID      string `json:"device_id"`
	FrmPayloadB64 string `json:"frm_payload_b64"`
	Confirmed     bool   `json:"confirmed"`
	FPort         *int   `json:"f_port"`
}
