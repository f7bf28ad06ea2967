package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CapIot.lorawan/internal/models"
)

type fakeRepo struct {
	mu       sync.Mutex
	readings []models.Reading
	gateways []models.GatewayLocation
	writeErr error
	limit    int
}

func (f *fakeRepo) WriteReading(_ context.Context, r models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeRepo) UpsertGateway(_ context.Context, gw models.GatewayLocation, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateways = append(f.gateways, gw)
	return nil
}

func (f *fakeRepo) ListDevices(context.Context) ([]models.Device, error) {
	return []models.Device{{DeviceID: "a"}}, nil
}

func (f *fakeRepo) ListReadings(_ context.Context, deviceID string, limit int) ([]models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	var out []models.Reading
	for i := len(f.readings) - 1; i >= 0 && len(out) < limit; i-- {
		if f.readings[i].DeviceID == deviceID {
			out = append(out, f.readings[i])
		}
	}
	return out, nil
}

func (f *fakeRepo) LatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	rows, _ := f.ListReadings(ctx, deviceID, 1)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (f *fakeRepo) ListGateways(_ context.Context, limit int) ([]models.GatewayLocation, error) {
	return f.gateways, nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close()                     {}

type memGuard struct {
	seen map[string]bool
	err  error
}

func (g *memGuard) Forget(_ context.Context, r models.Reading) error {
	if k, ok := r.FrameKey(); ok {
		delete(g.seen, fmt.Sprintf("%s:%d", r.DeviceID, k))
	}
	return nil
}

func (g *memGuard) FirstSeen(_ context.Context, r models.Reading) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	k, ok := r.FrameKey()
	if !ok {
		return true, nil
	}
	key := fmt.Sprintf("%s:%d", r.DeviceID, k)
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

type recordingHub struct {
	published map[string][][]byte
}

func (h *recordingHub) Publish(deviceID string, payload []byte) {
	h.published[deviceID] = append(h.published[deviceID], payload)
}

type failingMirror struct{ calls int }

func (m *failingMirror) Mirror(context.Context, models.Reading) error {
	m.calls++
	return errors.New("kafka down")
}

func envelope(t *testing.T, raw string) models.UplinkEnvelope {
	t.Helper()
	var env models.UplinkEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return env
}

const uplinkJSON = `{
  "end_device_ids": {"device_id": "dev-1"},
  "uplink_message": {
    "f_cnt": 12,
    "received_at": "2024-05-01T12:00:00Z",
    "decoded_payload": {"temperature_c": 21.5, "pressure_bar": 1.1},
    "rx_metadata": [{"gateway_ids": {"gateway_id": "gw-1"}, "rssi": -70, "snr": 9.5,
                     "location": {"latitude": 19.4, "longitude": -99.1}}]
  }
}`

func newTestService() (*ReadingService, *fakeRepo, *recordingHub) {
	repo := &fakeRepo{}
	hub := &recordingHub{published: map[string][][]byte{}}
	return NewReadingService(repo, &memGuard{seen: map[string]bool{}}, hub), repo, hub
}

func TestIngestUplinkStoresAndPublishes(t *testing.T) {
	svc, repo, hub := newTestService()
	mirror := &failingMirror{}
	svc.WithMirror(mirror)

	res, err := svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res)

	require.Len(t, repo.readings, 1)
	assert.Equal(t, "gw-1", repo.readings[0].GatewayID)
	assert.Equal(t, []models.GatewayLocation{{GatewayID: "gw-1", Lat: 19.4, Lon: -99.1}}, repo.gateways)

	require.Len(t, hub.published["dev-1"], 1)
	published, err := models.ParseReading(hub.published["dev-1"][0])
	require.NoError(t, err)
	assert.Equal(t, uint32(12), *published.FrameCounter)
	assert.Equal(t, 1, mirror.calls)
}

func TestIngestUplinkDuplicateIsAcknowledged(t *testing.T) {
	svc, repo, hub := newTestService()
	env := envelope(t, uplinkJSON)

	_, err := svc.IngestUplink(context.Background(), env, "webhook")
	require.NoError(t, err)
	res, err := svc.IngestUplink(context.Background(), env, "mqtt")
	require.NoError(t, err)

	assert.Equal(t, IngestDuplicate, res)
	assert.Len(t, repo.readings, 1)
	assert.Len(t, hub.published["dev-1"], 1)
}

func TestIngestUplinkGuardFailureFailsOpen(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewReadingService(repo, &memGuard{err: errors.New("redis down")}, nil)

	res, err := svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res)
	assert.Len(t, repo.readings, 1)
}

func TestIngestUplinkRejectsInvalid(t *testing.T) {
	svc, repo, _ := newTestService()
	_, err := svc.IngestUplink(context.Background(), envelope(t, `{"end_device_ids":{"device_id":"x"}}`), "webhook")
	assert.ErrorIs(t, err, models.ErrInvalidUplink)
	assert.Empty(t, repo.readings)
}

func TestIngestUplinkWriteError(t *testing.T) {
	svc, repo, hub := newTestService()
	repo.writeErr = errors.New("influx down")

	_, err := svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	assert.ErrorIs(t, err, repo.writeErr)
	assert.Empty(t, hub.published)
}

func TestIngestUplinkRedeliveryAfterWriteError(t *testing.T) {
	svc, repo, hub := newTestService()
	repo.writeErr = errors.New("influx down")

	_, err := svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	require.Error(t, err)

	repo.writeErr = nil
	res, err := svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res)
	assert.Len(t, repo.readings, 1)
	assert.Len(t, hub.published["dev-1"], 1)

	res, err = svc.IngestUplink(context.Background(), envelope(t, uplinkJSON), "webhook")
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, res)
}

func TestListReadingsLimits(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	_, err := svc.ListReadings(ctx, models.ReadingsQuery{})
	assert.ErrorIs(t, err, ErrMissingDeviceID)

	_, err = svc.ListReadings(ctx, models.ReadingsQuery{DeviceID: "a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultReadingsLimit, repo.limit)

	_, err = svc.ListReadings(ctx, models.ReadingsQuery{DeviceID: "a", Limit: MaxReadingsLimit + 1})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = svc.ListReadings(ctx, models.ReadingsQuery{DeviceID: "a", Limit: -3})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestLatestReading(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	r, err := svc.LatestReading(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = svc.IngestUplink(ctx, envelope(t, uplinkJSON), "webhook")
	require.NoError(t, err)
	r, err = svc.LatestReading(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 21.5, *r.Temperature)

	_, err = svc.LatestReading(ctx, "")
	assert.ErrorIs(t, err, ErrMissingDeviceID)
}

func TestAuthLogin(t *testing.T) {
	a := NewAuthService("admin", "secret", "signing-key", time.Hour)

	_, _, err := a.Login("admin", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Login("root", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expires, err := a.Login("admin", "secret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.Secret(), nil },
		jwt.WithIssuer(SessionIssuer), jwt.WithAudience(SessionAudience), jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}
