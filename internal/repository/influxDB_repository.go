package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
)

const (
	readingsMeasurement = "readings"
	gatewaysMeasurement = "gateways"
)

// Repository persists and serves readings and gateway locations.
type Repository interface {
	WriteReading(ctx context.Context, r models.Reading) error
	UpsertGateway(ctx context.Context, gw models.GatewayLocation, at time.Time) error
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error)
	LatestReading(ctx context.Context, deviceID string) (*models.Reading, error)
	ListGateways(ctx context.Context, limit int) ([]models.GatewayLocation, error)
	Ping(ctx context.Context) error
	Close()
}

// InfluxDBRepository stores readings in a single InfluxDB bucket.
type InfluxDBRepository struct {
	client influxdb2.Client
	org    string
	bucket string
}

// NewInfluxDBRepository creates a new InfluxDBRepository.
func NewInfluxDBRepository(url, token, org, bucket string) *InfluxDBRepository {
	return &InfluxDBRepository{
		client: influxdb2.NewClient(url, token),
		org:    org,
		bucket: bucket,
	}
}

// Ping checks that the server is reachable and healthy.
func (r *InfluxDBRepository) Ping(ctx context.Context) error {
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influxdb unhealthy: status %s", health.Status)
	}
	return nil
}

// Close releases the client.
func (r *InfluxDBRepository) Close() {
	r.client.Close()
}

// WriteReading writes one reading point. Missing measurements are simply not written.
func (r *InfluxDBRepository) WriteReading(ctx context.Context, reading models.Reading) error {
	tags := map[string]string{"device_id": reading.DeviceID}
	if reading.GatewayID != "" {
		tags["gateway_id"] = reading.GatewayID
	}
	fields := map[string]interface{}{}
	if reading.FrameCounter != nil {
		fields["f_cnt"] = int64(*reading.FrameCounter)
	}
	if reading.Temperature != nil {
		fields["temperature_c"] = *reading.Temperature
	}
	if reading.Pressure != nil {
		fields["pressure_bar"] = *reading.Pressure
	}
	if reading.RSSI != nil {
		fields["rssi"] = int64(*reading.RSSI)
	}
	if reading.SNR != nil {
		fields["snr"] = *reading.SNR
	}
	if len(fields) == 0 {
		// a point needs at least one field
		fields["received"] = true
	}

	p := influxdb2.NewPoint(readingsMeasurement, tags, fields, reading.Timestamp)
	if err := r.client.WriteAPIBlocking(r.org, r.bucket).WritePoint(ctx, p); err != nil {
		return fmt.Errorf("error writing reading to InfluxDB: %w", err)
	}
	logging.Debug().Str("device_id", reading.DeviceID).Time("ts", reading.Timestamp).Msg("reading written")
	return nil
}

// UpsertGateway records the gateway's current location.
func (r *InfluxDBRepository) UpsertGateway(ctx context.Context, gw models.GatewayLocation, at time.Time) error {
	p := influxdb2.NewPoint(gatewaysMeasurement,
		map[string]string{"gateway_id": gw.GatewayID},
		map[string]interface{}{"lat": gw.Lat, "lon": gw.Lon},
		at,
	)
	if err := r.client.WriteAPIBlocking(r.org, r.bucket).WritePoint(ctx, p); err != nil {
		return fmt.Errorf("error writing gateway to InfluxDB: %w", err)
	}
	return nil
}

// ListDevices returns every device that has reported at least once, sorted by id.
func (r *InfluxDBRepository) ListDevices(ctx context.Context) ([]models.Device, error) {
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.tagValues(bucket: %s, tag: "device_id", predicate: (r) => r._measurement == %s, start: 0)`,
		fluxString(r.bucket), fluxString(readingsMeasurement))

	result, err := r.client.QueryAPI(r.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("error querying devices: %w", err)
	}
	defer result.Close()

	devices := []models.Device{}
	for result.Next() {
		if id, ok := result.Record().Value().(string); ok && id != "" {
			devices = append(devices, models.Device{DeviceID: id})
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading devices: %w", result.Err())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

// ListReadings returns up to limit readings of a device, newest first.
func (r *InfluxDBRepository) ListReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %s and r.device_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		fluxString(r.bucket), fluxString(readingsMeasurement), fluxString(deviceID), limit)

	result, err := r.client.QueryAPI(r.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("error querying readings: %w", err)
	}
	defer result.Close()

	readings := []models.Reading{}
	for result.Next() {
		readings = append(readings, recordToReading(result.Record()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading readings: %w", result.Err())
	}
	return readings, nil
}

// LatestReading returns the most recent reading of a device, or nil.
func (r *InfluxDBRepository) LatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	readings, err := r.ListReadings(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// ListGateways returns the last known location of up to limit gateways, most recently seen first.
func (r *InfluxDBRepository) ListGateways(ctx context.Context, limit int) ([]models.GatewayLocation, error) {
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %s)
  |> last()
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		fluxString(r.bucket), fluxString(gatewaysMeasurement), limit)

	result, err := r.client.QueryAPI(r.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("error querying gateways: %w", err)
	}
	defer result.Close()

	gateways := []models.GatewayLocation{}
	for result.Next() {
		rec := result.Record()
		id, _ := rec.ValueByKey("gateway_id").(string)
		lat, latOK := toFloat(rec.ValueByKey("lat"))
		lon, lonOK := toFloat(rec.ValueByKey("lon"))
		if !latOK || !lonOK {
			continue
		}
		gateways = append(gateways, models.GatewayLocation{GatewayID: id, Lat: lat, Lon: lon})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading gateways: %w", result.Err())
	}
	return gateways, nil
}

func recordToReading(rec *query.FluxRecord) models.Reading {
	reading := models.Reading{Timestamp: rec.Time().UTC()}
	reading.DeviceID, _ = rec.ValueByKey("device_id").(string)
	reading.GatewayID, _ = rec.ValueByKey("gateway_id").(string)
	if v, ok := toFloat(rec.ValueByKey("f_cnt")); ok && v >= 0 {
		reading.FrameCounter = models.Ptr(uint32(v))
	}
	if v, ok := toFloat(rec.ValueByKey("temperature_c")); ok {
		reading.Temperature = models.Ptr(v)
	}
	if v, ok := toFloat(rec.ValueByKey("pressure_bar")); ok {
		reading.Pressure = models.Ptr(v)
	}
	if v, ok := toFloat(rec.ValueByKey("rssi")); ok {
		reading.RSSI = models.Ptr(int(v))
	}
	if v, ok := toFloat(rec.ValueByKey("snr")); ok {
		reading.SNR = models.Ptr(v)
	}
	return reading
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// fluxString renders s as a Flux string literal.
func fluxString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`).Replace(s) + `"`
}
