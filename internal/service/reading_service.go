package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/metrics"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/repository"
)

const (
	DefaultReadingsLimit = 200
	MaxReadingsLimit     = 10000
	GatewayLimit         = 10
)

var (
	ErrMissingDeviceID = errors.New("device_id is required")
	ErrInvalidLimit    = fmt.Errorf("limit must be between 1 and %d", MaxReadingsLimit)
)

// IngestResult tells the webhook caller what happened to an uplink.
type IngestResult string

const (
	IngestAccepted  IngestResult = "ok"
	IngestDuplicate IngestResult = "duplicate"
)

// Publisher fans a device's readings out to live subscribers.
type Publisher interface {
	Publish(deviceID string, payload []byte)
}

// Mirror forwards accepted readings to an external system.
type Mirror interface {
	Mirror(ctx context.Context, r models.Reading) error
}

// ReadingService ingests uplinks and serves stored readings.
type ReadingService struct {
	repo   repository.Repository
	guard  repository.FrameCounterGuard
	hub    Publisher
	mirror Mirror
	now    func() time.Time
}

// NewReadingService creates a new ReadingService. A nil guard accepts every frame counter.
func NewReadingService(repo repository.Repository, guard repository.FrameCounterGuard, hub Publisher) *ReadingService {
	if guard == nil {
		guard = repository.NopGuard{}
	}
	return &ReadingService{
		repo:  repo,
		guard: guard,
		hub:   hub,
		now:   time.Now,
	}
}

// WithMirror enables mirroring of accepted readings.
func (s *ReadingService) WithMirror(m Mirror) *ReadingService {
	s.mirror = m
	return s
}

// IngestUplink validates, deduplicates, stores and publishes one uplink. source labels metrics ("webhook", "mqtt").
func (s *ReadingService) IngestUplink(ctx context.Context, env models.UplinkEnvelope, source string) (IngestResult, error) {
	reading, gateway, err := env.ToReading(s.now())
	if err != nil {
		metrics.UplinksTotal.WithLabelValues(source, metrics.ResultInvalid).Inc()
		return "", err
	}
	log := logging.With().Str("device_id", reading.DeviceID).Str("source", source).Logger()

	first, err := s.guard.FirstSeen(ctx, reading)
	claimed := err == nil
	if err != nil {
		// the guard is an optimisation; storage stays the source of truth
		log.Warn().Err(err).Msg("frame counter guard unavailable, accepting uplink")
		first = true
	}
	if !first {
		metrics.UplinksTotal.WithLabelValues(source, metrics.ResultDuplicate).Inc()
		log.Debug().Uint32("f_cnt", *reading.FrameCounter).Msg("duplicate uplink ignored")
		return IngestDuplicate, nil
	}

	if gateway != nil {
		if err := s.repo.UpsertGateway(ctx, *gateway, reading.Timestamp); err != nil {
			s.storeFailed(ctx, reading, source, claimed)
			return "", fmt.Errorf("failed to store gateway location: %w", err)
		}
	}
	if err := s.repo.WriteReading(ctx, reading); err != nil {
		s.storeFailed(ctx, reading, source, claimed)
		return "", fmt.Errorf("failed to store reading: %w", err)
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return "", fmt.Errorf("failed to encode reading: %w", err)
	}
	if s.hub != nil {
		s.hub.Publish(reading.DeviceID, payload)
	}
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, reading); err != nil {
			metrics.MirrorErrors.Inc()
			log.Warn().Err(err).Msg("mirroring reading failed")
		}
	}

	metrics.UplinksTotal.WithLabelValues(source, metrics.ResultAccepted).Inc()
	log.Info().Time("ts", reading.Timestamp).Msg("uplink stored")
	return IngestAccepted, nil
}

// storeFailed releases the frame counter claimed for a reading that was not stored.
func (s *ReadingService) storeFailed(ctx context.Context, r models.Reading, source string, claimed bool) {
	metrics.UplinksTotal.WithLabelValues(source, metrics.ResultError).Inc()
	if !claimed {
		return
	}
	if err := s.guard.Forget(context.WithoutCancel(ctx), r); err != nil {
		logging.Warn().Err(err).Str("device_id", r.DeviceID).Msg("frame counter not released, redelivery will be ignored until it expires")
	}
}

func (s *ReadingService) ListDevices(ctx context.Context) ([]models.Device, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}
	return devices, nil
}

func (s *ReadingService) ListGateways(ctx context.Context) ([]models.GatewayLocation, error) {
	gateways, err := s.repo.ListGateways(ctx, GatewayLimit)
	if err != nil {
		return nil, fmt.Errorf("error listing gateways: %w", err)
	}
	return gateways, nil
}

// ListReadings returns the newest readings of a device. A zero limit selects DefaultReadingsLimit.
func (s *ReadingService) ListReadings(ctx context.Context, q models.ReadingsQuery) ([]models.Reading, error) {
	if q.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if q.Limit == 0 {
		q.Limit = DefaultReadingsLimit
	}
	if q.Limit < 1 || q.Limit > MaxReadingsLimit {
		return nil, ErrInvalidLimit
	}
	readings, err := s.repo.ListReadings(ctx, q.DeviceID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("error querying readings: %w", err)
	}
	return readings, nil
}

// LatestReading returns nil when the device has no readings.
func (s *ReadingService) LatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	r, err := s.repo.LatestReading(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("error querying latest reading: %w", err)
	}
	return r, nil
}

// Ping reports storage health.
func (s *ReadingService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
