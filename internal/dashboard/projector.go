package dashboard

import (
	"time"

	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/window"
)

// Metric names used as Projection.Series keys.
const (
	MetricTemperature = "temperature_c"
	MetricPressure    = "pressure_bar"
	MetricRSSI        = "rssi"
	MetricSNR         = "snr"
)

// LabelLayout formats chart labels in local time.
const LabelLayout = "2006-01-02 15:04:05"

// Projection is chart-ready data, oldest first. Every series has len(Labels) entries; nil marks a gap.
type Projection struct {
	Labels []string
	Series map[string][]*float64
}

// Project derives a projection from newest-first readings.
func Project(readings []models.Reading) Projection {
	n := len(readings)
	p := Projection{
		Labels: make([]string, n),
		Series: map[string][]*float64{
			MetricTemperature: make([]*float64, n),
			MetricPressure:    make([]*float64, n),
			MetricRSSI:        make([]*float64, n),
			MetricSNR:         make([]*float64, n),
		},
	}
	for i := 0; i < n; i++ {
		r := readings[n-1-i]
		p.Labels[i] = r.Timestamp.In(time.Local).Format(LabelLayout)
		p.Series[MetricTemperature][i] = r.Temperature
		p.Series[MetricPressure][i] = r.Pressure
		if r.RSSI != nil {
			p.Series[MetricRSSI][i] = models.Ptr(float64(*r.RSSI))
		}
		p.Series[MetricSNR][i] = r.SNR
	}
	return p
}

// Projector memoizes Project on the window version so unrelated state changes do not recompute.
type Projector struct {
	valid   bool
	version uint64
	last    Projection
	// Computations counts actual recomputations.
	Computations int
}

// Project returns the cached projection unless the window changed since the last call.
func (p *Projector) Project(w *window.DedupWindow) Projection {
	if p.valid && p.version == w.Version() {
		return p.last
	}
	p.last = Project(w.Readings())
	p.version = w.Version()
	p.valid = true
	p.Computations++
	return p.last
}
