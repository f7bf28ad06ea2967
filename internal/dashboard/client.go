package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"CapIot.lorawan/internal/models"
)

var (
	// ErrInvalidCredentials is returned by Login when the server rejects the user/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnexpectedStatus wraps any other non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// SnapshotLoader fetches the historical readings that seed a session's window.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, deviceID string, limit int) ([]models.Reading, error)
}

// LatestLoader fetches the single most recent reading of a device. A nil reading means none exists.
type LatestLoader interface {
	Latest(ctx context.Context, deviceID string) (*models.Reading, error)
}

// StreamOpener opens the event-stream body for a device.
type StreamOpener interface {
	OpenStream(ctx context.Context, deviceID string) (io.ReadCloser, error)
}

// APIClient talks to the dashboard API. The session cookie set by Login is shared by every request,
// including the long-lived event stream.
type APIClient struct {
	rest   *resty.Client
	stream *resty.Client
}

// NewAPIClient creates a client for baseURL. timeout applies to regular requests, not to streams.
func NewAPIClient(baseURL string, timeout time.Duration) (*APIClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetCookieJar(jar).
		SetHeader("Accept", "application/json")
	stream := resty.New().
		SetBaseURL(baseURL).
		SetCookieJar(jar).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache")
	return &APIClient{rest: rest, stream: stream}, nil
}

// Login authenticates and stores the session cookie.
func (c *APIClient) Login(ctx context.Context, user, pass string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(models.LoginRequest{User: user, Pass: pass}).
		Post("/api/auth/login")
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return ErrInvalidCredentials
	}
	return checkStatus(resp)
}

// Devices lists known devices.
func (c *APIClient) Devices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := c.getJSON(ctx, "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Gateway returns the first reported gateway location, or nil when none is known yet.
func (c *APIClient) Gateway(ctx context.Context) (*models.GatewayLocation, error) {
	var gateways []models.GatewayLocation
	if err := c.getJSON(ctx, "/api/gateway", nil, &gateways); err != nil {
		return nil, err
	}
	if len(gateways) == 0 {
		return nil, nil
	}
	return &gateways[0], nil
}

// Snapshot fetches up to limit readings, newest first. It does not retry.
func (c *APIClient) Snapshot(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	var readings []models.Reading
	params := map[string]string{"device_id": deviceID, "limit": strconv.Itoa(limit)}
	if err := c.getJSON(ctx, "/api/readings", params, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// Latest fetches the most recent reading of a device.
func (c *APIClient) Latest(ctx context.Context, deviceID string) (*models.Reading, error) {
	var latest *models.Reading
	if err := c.getJSON(ctx, "/api/readings/latest", map[string]string{"device_id": deviceID}, &latest); err != nil {
		return nil, err
	}
	return latest, nil
}

// OpenStream opens the device's event stream. The caller closes the returned body.
func (c *APIClient) OpenStream(ctx context.Context, deviceID string) (io.ReadCloser, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/api/stream/" + url.PathEscape(deviceID))
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("%w: stream %s returned %d", ErrUnexpectedStatus, deviceID, resp.StatusCode())
	}
	return body, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func checkStatus(resp *resty.Response) error {
	if resp.IsError() {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnexpectedStatus,
			resp.Request.Method, resp.Request.URL, resp.StatusCode(), resp.String())
	}
	return nil
}
