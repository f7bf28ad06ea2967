// Package ttn integrates with The Things Network v3: scheduling downlinks and receiving uplinks over MQTT.
package ttn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultFPort is used when a downlink request does not name a port.
const DefaultFPort = 10

var ErrNotConfigured = errors.New("ttn application id or api key not configured")

// UpstreamError carries a non-2xx response from TTN.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("TTN error: %d %s", e.StatusCode, e.Body)
}

// Downlink is one queued downlink message.
type Downlink struct {
	FPort      int    `json:"f_port"`
	FrmPayload string `json:"frm_payload"`
	Confirmed  bool   `json:"confirmed"`
	Priority   string `json:"priority"`
}

type downlinkQueue struct {
	Downlinks []Downlink `json:"downlinks"`
}

// DownlinkClient replaces a device's downlink queue through the application server API.
type DownlinkClient struct {
	client *resty.Client
	appID  string
	apiKey string
}

// NewDownlinkClient targets https://<region>.cloud.thethings.network.
func NewDownlinkClient(region, appID, apiKey string) *DownlinkClient {
	return newDownlinkClient(fmt.Sprintf("https://%s.cloud.thethings.network", region), appID, apiKey)
}

func newDownlinkClient(baseURL, appID, apiKey string) *DownlinkClient {
	return &DownlinkClient{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		appID:  appID,
		apiKey: apiKey,
	}
}

// Replace sends payloadB64 (already base64) to deviceID, replacing anything still queued.
func (c *DownlinkClient) Replace(ctx context.Context, deviceID, payloadB64 string, fPort int, confirmed bool) error {
	if c.appID == "" || c.apiKey == "" {
		return ErrNotConfigured
	}
	body := downlinkQueue{Downlinks: []Downlink{{
		FPort:      fPort,
		FrmPayload: payloadB64,
		Confirmed:  confirmed,
		Priority:   "NORMAL",
	}}}

	path := fmt.Sprintf("/api/v3/as/applications/%s/devices/%s/down/replace",
		url.PathEscape(c.appID), url.PathEscape(deviceID))
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("sending downlink to %s: %w", deviceID, err)
	}
	if resp.StatusCode() >= 300 {
		return &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
