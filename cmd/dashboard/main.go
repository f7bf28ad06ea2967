// Command dashboard follows one device's readings in the terminal: a historical snapshot, then live updates.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"CapIot.lorawan/internal/config"
	"CapIot.lorawan/internal/dashboard"
	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/retry"
)

func main() {
	cfg, err := config.LoadDashboardConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("Error loading configuration")
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("dashboard stopped")
	}
}

func run(ctx context.Context, cfg config.DashboardConfig) error {
	client, err := dashboard.NewAPIClient(cfg.APIURL, cfg.HTTPTimeout)
	if err != nil {
		return err
	}

	if cfg.User != "" {
		err := client.Login(ctx, cfg.User, cfg.Pass)
		if errors.Is(err, dashboard.ErrInvalidCredentials) {
			fmt.Fprintln(os.Stderr, "Login rejected: invalid credentials")
		} else if err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		devices, err := client.Devices(ctx)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		if len(devices) == 0 {
			return errors.New("no devices have reported yet")
		}
		deviceID = devices[0].DeviceID
	}

	if gw, err := client.Gateway(ctx); err != nil {
		logging.Warn().Err(err).Msg("gateway lookup failed")
	} else if gw != nil {
		fmt.Printf("gateway %s at %.5f, %.5f\n", gw.GatewayID, gw.Lat, gw.Lon)
	}

	log := logging.With().Str("component", "reconnect").Logger()
	session := dashboard.NewSessionController(client, client, dashboard.Options{
		Capacity:      cfg.WindowCapacity,
		SnapshotLimit: cfg.SnapshotLimit,
		Latest:        client,
		Reconnect: retry.ExponentialBackoff{
			MaxAttempts: cfg.StreamReconnectAttempts,
			MinInterval: cfg.StreamBackoffMin,
			MaxInterval: cfg.StreamBackoffMax,
			Logger:      &log,
		},
	})
	defer session.Close()
	session.Select(ctx, deviceID)

	var last dashboard.View
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Changes():
		}
		v := session.View()
		if v.State == last.State && v.Version == last.Version && v.Stream == last.Stream && (v.Latest == nil) == (last.Latest == nil) {
			continue
		}
		last = v
		render(v, session.Projection())
	}
}

func render(v dashboard.View, p dashboard.Projection) {
	fmt.Printf("[%s] %s stream=%s readings=%d", v.DeviceID, v.State, v.Stream, len(v.Readings))
	if v.Latest != nil {
		fmt.Printf(" latest=%s %s", v.Latest.Timestamp.Local().Format(dashboard.LabelLayout), describe(*v.Latest))
	}
	if n := len(p.Labels); n > 0 {
		fmt.Printf(" span=%s..%s", p.Labels[0], p.Labels[n-1])
	}
	fmt.Println()
}

func describe(r models.Reading) string {
	out := ""
	if r.Temperature != nil {
		out += fmt.Sprintf(" %.2f°C", *r.Temperature)
	}
	if r.Pressure != nil {
		out += fmt.Sprintf(" %.3f bar", *r.Pressure)
	}
	if r.RSSI != nil {
		out += fmt.Sprintf(" rssi=%d", *r.RSSI)
	}
	if r.SNR != nil {
		out += fmt.Sprintf(" snr=%.1f", *r.SNR)
	}
	if out == "" {
		return "-"
	}
	return out[1:]
}
