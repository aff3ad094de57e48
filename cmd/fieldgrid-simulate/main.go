// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Command fieldgrid-simulate exercises a running gateway with
// synthetic field units. Each simulated unit holds a real sync client
// connection and walks randomly from a starting position, so the
// traffic a gateway sees matches what deployed units produce.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/version"
	"github.com/fieldgrid/fieldgrid/syncclient"
)

var (
	gatewayAddress string
	credential     string
	credentialFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fieldgrid-simulate",
		Short:         "Drive a FieldGrid gateway with synthetic unit telemetry",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&gatewayAddress, "gateway", "127.0.0.1:7420", "gateway uplink address")
	rootCmd.PersistentFlags().StringVar(&credential, "credential", "", "shared gateway credential")
	rootCmd.PersistentFlags().StringVar(&credentialFile, "credential-file", "", "file holding the shared credential")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldgrid-simulate:", err)
		os.Exit(1)
	}
}

func resolveCredential() (string, error) {
	if credentialFile != "" {
		data, err := os.ReadFile(credentialFile)
		if err != nil {
			return "", fmt.Errorf("reading credential file: %w", err)
		}
		return strings.TrimRight(string(data), " \t\r\n"), nil
	}
	if credential == "" {
		return "", fmt.Errorf("a credential is required (--credential or --credential-file)")
	}
	return credential, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FIELDGRID_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runCmd keeps a fleet of simulated units reporting until interrupted.
func runCmd() *cobra.Command {
	var (
		units    int
		interval time.Duration
		lat      float64
		lng      float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a fleet of units reporting on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveCredential()
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			for i := 0; i < units; i++ {
				unit := newSimulatedUnit(fmt.Sprintf("sim-%03d", i+1), lat, lng)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := unit.report(ctx, gatewayAddress, secret, interval, logger); err != nil {
						logger.Error("unit stopped", "unit", unit.id, "error", err)
					}
				}()
			}

			logger.Info("simulation running",
				"units", units,
				"interval", interval,
				"gateway", gatewayAddress,
			)
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().IntVarP(&units, "units", "n", 5, "number of simulated units")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "delay between telemetry reports")
	cmd.Flags().Float64Var(&lat, "lat", 48.8566, "starting latitude")
	cmd.Flags().Float64Var(&lng, "lng", 2.3522, "starting longitude")
	return cmd
}

// onceCmd sends a single telemetry fix and exits. Useful for smoke
// testing a fresh deployment.
func onceCmd() *cobra.Command {
	var (
		unitID  string
		lat     float64
		lng     float64
		battery int
		status  string
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Send a single telemetry fix",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveCredential()
			if err != nil {
				return err
			}
			logger := newLogger()

			parsed := track.Status(status)
			if !parsed.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := syncclient.New(syncclient.Options{
				Uplink: syncclient.NewUplinkChannel(gatewayAddress, secret, logger),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer client.Disconnect()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			if err := waitForLive(ctx, client); err != nil {
				return err
			}

			event := track.TelemetryEvent{
				UnitID:     unitID,
				Lat:        lat,
				Lng:        lng,
				Battery:    battery,
				Status:     parsed,
				ObservedAt: time.Now().UTC(),
			}
			if err := client.SendTelemetry(ctx, event); err != nil {
				return err
			}

			fmt.Printf("sent fix for %s at %.5f,%.5f\n", unitID, lat, lng)
			return nil
		},
	}

	cmd.Flags().StringVar(&unitID, "unit", "sim-001", "unit identifier")
	cmd.Flags().Float64Var(&lat, "lat", 48.8566, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 2.3522, "longitude")
	cmd.Flags().IntVar(&battery, "battery", 100, "battery percentage")
	cmd.Flags().StringVar(&status, "status", string(track.StatusActive), "unit status")
	return cmd
}

// waitForLive polls until the client reaches Live or ctx expires. The
// observer callback path would be cleaner but polling keeps the smoke
// test dependency-free.
func waitForLive(ctx context.Context, client *syncclient.Client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch client.Status() {
		case syncclient.StatusLive, syncclient.StatusDegraded:
			return nil
		case syncclient.StatusError:
			return fmt.Errorf("gateway rejected the connection")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// simulatedUnit is one synthetic field worker walking randomly from
// its starting position.
type simulatedUnit struct {
	id      string
	lat     float64
	lng     float64
	battery int
	rng     *rand.Rand
}

func newSimulatedUnit(id string, lat, lng float64) *simulatedUnit {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashID(id))))
	return &simulatedUnit{
		id:      id,
		lat:     lat + (rng.Float64()-0.5)*0.05,
		lng:     lng + (rng.Float64()-0.5)*0.05,
		battery: 60 + rng.Intn(41),
		rng:     rng,
	}
}

func hashID(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h
}

// step advances the walk: a small random move, slow battery drain,
// and an occasional status change.
func (u *simulatedUnit) step() track.TelemetryEvent {
	u.lat += (u.rng.Float64() - 0.5) * 0.001
	u.lng += (u.rng.Float64() - 0.5) * 0.001
	if u.rng.Intn(10) == 0 && u.battery > 1 {
		u.battery--
	}

	status := track.StatusActive
	switch u.rng.Intn(20) {
	case 0:
		status = track.StatusBreak
	case 1:
		status = track.StatusMeeting
	}

	return track.TelemetryEvent{
		UnitID:     u.id,
		Lat:        u.lat,
		Lng:        u.lng,
		Battery:    u.battery,
		Status:     status,
		ObservedAt: time.Now().UTC(),
	}
}

// report connects the unit and sends telemetry until ctx is done.
// Send failures are tolerated: the sync client reopens the uplink on
// its own and reports simply resume once it recovers.
func (u *simulatedUnit) report(ctx context.Context, address, secret string, interval time.Duration, logger *slog.Logger) error {
	client, err := syncclient.New(syncclient.Options{
		Uplink: syncclient.NewUplinkChannel(address, secret, logger.With("unit", u.id)),
		Logger: logger.With("unit", u.id),
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if client.Status() == syncclient.StatusError {
				return fmt.Errorf("gateway rejected credential")
			}
			if err := client.SendTelemetry(ctx, u.step()); err != nil {
				logger.Debug("telemetry send failed", "unit", u.id, "error", err)
			}
		}
	}
}
