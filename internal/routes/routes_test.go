package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CapIot.lorawan/internal/controller"
	"CapIot.lorawan/internal/dashboard"
	"CapIot.lorawan/internal/middleware"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/repository"
	"CapIot.lorawan/internal/service"
	"CapIot.lorawan/internal/stream"
	"CapIot.lorawan/internal/ttn"
)

type memRepo struct {
	mu       sync.Mutex
	readings []models.Reading
	gateways map[string]models.GatewayLocation
}

func (m *memRepo) WriteReading(_ context.Context, r models.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *memRepo) UpsertGateway(_ context.Context, gw models.GatewayLocation, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[gw.GatewayID] = gw
	return nil
}

func (m *memRepo) ListDevices(context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	devices := []models.Device{}
	for _, r := range m.readings {
		if !seen[r.DeviceID] {
			seen[r.DeviceID] = true
			devices = append(devices, models.Device{DeviceID: r.DeviceID})
		}
	}
	return devices, nil
}

func (m *memRepo) ListReadings(_ context.Context, deviceID string, limit int) ([]models.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Reading{}
	for i := len(m.readings) - 1; i >= 0 && len(out) < limit; i-- {
		if m.readings[i].DeviceID == deviceID {
			out = append(out, m.readings[i])
		}
	}
	return out, nil
}

func (m *memRepo) LatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	rows, _ := m.ListReadings(ctx, deviceID, 1)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (m *memRepo) ListGateways(context.Context, int) ([]models.GatewayLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.GatewayLocation{}
	for _, gw := range m.gateways {
		out = append(out, gw)
	}
	return out, nil
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) Close()                     {}

type guardOnce struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *guardOnce) Forget(_ context.Context, r models.Reading) error {
	if k, ok := r.FrameKey(); ok {
		g.mu.Lock()
		delete(g.seen, fmt.Sprintf("%s/%d", r.DeviceID, k))
		g.mu.Unlock()
	}
	return nil
}

func (g *guardOnce) FirstSeen(_ context.Context, r models.Reading) (bool, error) {
	k, ok := r.FrameKey()
	if !ok {
		return true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := fmt.Sprintf("%s/%d", r.DeviceID, k)
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

type fakeDownlinks struct {
	port int
	err  error
}

func (f *fakeDownlinks) Replace(_ context.Context, _, _ string, fPort int, _ bool) error {
	f.port = fPort
	return f.err
}

var _ repository.FrameCounterGuard = (*guardOnce)(nil)

func newServer(t *testing.T) (*httptest.Server, *fakeDownlinks) {
	t.Helper()
	hub := stream.NewHub()
	readings := service.NewReadingService(&memRepo{gateways: map[string]models.GatewayLocation{}}, &guardOnce{seen: map[string]bool{}}, hub)
	auth := service.NewAuthService("admin", "pw", "key", time.Hour)
	downlinks := &fakeDownlinks{}

	session, err := middleware.NewSessionMiddleware(auth.Secret(), service.SessionIssuer, service.SessionAudience)
	require.NoError(t, err)

	router := mux.NewRouter()
	RegisterRoutes(router,
		controller.NewDataController(readings, hub),
		controller.NewAuthController(auth, downlinks, false),
		Middlewares{Session: session, Webhook: middleware.RequireBearer("hook")},
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, downlinks
}

func post(t *testing.T, url, auth, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func uplink(fcnt int) string {
	return fmt.Sprintf(`{"end_device_ids":{"device_id":"dev-1"},"uplink_message":{"f_cnt":%d,`+
		`"received_at":"2024-05-01T12:%02d:00Z","decoded_payload":{"temperature_c":21.5},`+
		`"rx_metadata":[{"gateway_ids":{"gateway_id":"gw-1"},"rssi":-70,"snr":9,"location":{"latitude":1.5,"longitude":2.5}}]}}`,
		fcnt, fcnt%60)
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestUplinkRequiresBearer(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv.URL+"/api/ttn/uplink", "Bearer wrong", uplink(1))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", `{"end_device_ids":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUplinkThenQuery(t *testing.T) {
	srv, _ := newServer(t)

	var status map[string]string
	resp := post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", uplink(1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &status)
	assert.Equal(t, "ok", status["status"])

	resp = post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", uplink(1))
	decode(t, resp, &status)
	assert.Equal(t, "duplicate", status["status"])

	post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", uplink(2))

	client, err := dashboard.NewAPIClient(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	devices, err := client.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Device{{DeviceID: "dev-1"}}, devices)

	gw, err := client.Gateway(ctx)
	require.NoError(t, err)
	require.NotNil(t, gw)
	assert.Equal(t, models.GatewayLocation{GatewayID: "gw-1", Lat: 1.5, Lon: 2.5}, *gw)

	rows, err := client.Snapshot(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint32(2), *rows[0].FrameCounter)
	assert.Equal(t, uint32(1), *rows[1].FrameCounter)

	latest, err := client.Latest(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint32(2), *latest.FrameCounter)

	latest, err = client.Latest(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestReadingsValidation(t *testing.T) {
	srv, _ := newServer(t)
	for _, q := range []string{"", "?device_id=a&limit=abc", "?device_id=a&limit=0", "?device_id=a&limit=10001"} {
		resp, err := http.Get(srv.URL + "/api/readings" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
	resp, err := http.Get(srv.URL + "/api/readings/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamReceivesIngestedReading(t *testing.T) {
	srv, _ := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/dev-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the subscription exists once headers are flushed
	post(t, srv.URL+"/api/ttn/uplink", "Bearer hook", uplink(3))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			r, err := models.ParseReading([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")))
			require.NoError(t, err)
			assert.Equal(t, uint32(3), *r.FrameCounter)
			assert.Equal(t, "dev-1", r.DeviceID)
			return
		}
	}
}

func TestLoginAndDownlink(t *testing.T) {
	srv, downlinks := newServer(t)

	resp := post(t, srv.URL+"/api/downlink", "", `{"device_id":"dev-1","frm_payload_b64":"AQ=="}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/api/auth/login", "", `{"user":"admin","pass":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr models.APIError
	decode(t, resp, &apiErr)
	assert.Equal(t, models.ErrorCodeInvalidCredentials, apiErr.Code)

	resp = post(t, srv.URL+"/api/auth/login", "", `{"user":"admin","pass":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	send := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/downlink", strings.NewReader(body))
		require.NoError(t, err)
		req.AddCookie(session)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusBadRequest, send(`{"device_id":"dev-1"}`).StatusCode)
	assert.Equal(t, http.StatusOK, send(`{"device_id":"dev-1","frm_payload_b64":"AQ=="}`).StatusCode)
	assert.Equal(t, ttn.DefaultFPort, downlinks.port)

	assert.Equal(t, http.StatusOK, send(`{"device_id":"dev-1","frm_payload_b64":"AQ==","f_port":3}`).StatusCode)
	assert.Equal(t, 3, downlinks.port)

	downlinks.err = &ttn.UpstreamError{StatusCode: http.StatusForbidden, Body: "no rights"}
	assert.Equal(t, http.StatusForbidden, send(`{"device_id":"dev-1","frm_payload_b64":"AQ=="}`).StatusCode)

	downlinks.err = ttn.ErrNotConfigured
	assert.Equal(t, http.StatusServiceUnavailable, send(`{"device_id":"dev-1","frm_payload_b64":"AQ=="}`).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
