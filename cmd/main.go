/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/loqalabs/footstep-enhancer/internal/audio"
	"github.com/loqalabs/footstep-enhancer/internal/config"
	"github.com/loqalabs/footstep-enhancer/internal/dsp"
	"github.com/loqalabs/footstep-enhancer/internal/engine"
	natsbridge "github.com/loqalabs/footstep-enhancer/internal/nats"
	"github.com/loqalabs/footstep-enhancer/internal/observe"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "footstep-enhancer",
		Short:         "Real-time footstep enhancer",
		Long:          `Footstep Enhancer - captures live audio, detects footstep energy in a narrow band and amplifies it on playback`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./footstep-enhancer.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the enhancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), cfgFile)
		},
	}

	var low, high, rate float64
	var points int
	filterCmd := &cobra.Command{
		Use:   "filter",
		Short: "Print the designed band-pass filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("low") {
				cfg.BandLowHz = low
			}
			if cmd.Flags().Changed("high") {
				cfg.BandHighHz = high
			}
			if cmd.Flags().Changed("rate") {
				cfg.SampleRate = int(rate)
			}
			return printFilter(cmd.OutOrStdout(), cfg.BandLowHz, cfg.BandHighHz, float64(cfg.SampleRate), points)
		},
	}
	filterCmd.Flags().Float64Var(&low, "low", 0, "low corner in Hz (overrides config)")
	filterCmd.Flags().Float64Var(&high, "high", 0, "high corner in Hz (overrides config)")
	filterCmd.Flags().Float64Var(&rate, "rate", 0, "sample rate in Hz (overrides config)")
	filterCmd.Flags().IntVar(&points, "fft", 8192, "FFT size used to locate the response peak")

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return listDevices(cmd.OutOrStdout(), cfg.Channels)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the events of a running enhancer from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return monitorEngine(cmd.Context(), cmd.OutOrStdout(), cfgFile)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Footstep Enhancer v%s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, filterCmd, devicesCmd, monitorCmd, versionCmd)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func loadValidConfig(cfgFile string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runEngine(ctx context.Context, cfgFile string) error {
	cfg, err := loadValidConfig(cfgFile)
	if err != nil {
		return err
	}

	logger, err := observe.NewLogger(cfg.LogLevel, map[string]interface{}{"engine_id": cfg.EngineID})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	listeners := []engine.Listener{statusLogger(logger)}
	var conn *natsbridge.ConnectionAdapter
	if cfg.NATSURL != "" {
		conn, err = natsbridge.Connect(cfg.NATSURL, 5, 2*time.Second, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		listeners = append(listeners, natsbridge.NewEventPublisher(conn, cfg.EngineID, logger))
	}

	ctrl, err := engine.NewController(engine.Options{
		Backend:              audio.NewPortAudioBackend(),
		Format:               cfg.Format(),
		LowHz:                cfg.BandLowHz,
		HighHz:               cfg.BandHighHz,
		EnhancementFactor:    cfg.EnhancementFactor,
		DetectionThreshold:   cfg.DetectionThreshold,
		CarryFilterState:     cfg.CarryFilterState,
		StopTimeout:          cfg.StopTimeout,
		ErrorBackoff:         cfg.ErrorBackoff,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		Listener:             engine.Listeners(listeners...),
		Logger:               logger,
		Metrics:              metrics,
	})
	if err != nil {
		return err
	}

	if conn != nil {
		control := natsbridge.NewControlSubscriber(conn, cfg.EngineID, ctrl, logger)
		if err := control.Start(); err != nil {
			return err
		}
		defer control.Close()
	}

	ctrl.Start()
	logger.Info("⏹️  Press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("🛑 Shutting down footstep enhancer...")
	ctrl.Stop()
	return nil
}

// statusLogger logs lifecycle and detection events
func statusLogger(logger *zap.Logger) engine.Listener {
	return engine.ListenerFuncs{
		Status: func(s engine.Status) {
			logger.Info("📡 Engine status", zap.String("status", string(s)))
		},
		Footstep: func(detected bool) {
			logger.Debug("👣 Footstep", zap.Bool("detected", detected))
		},
	}
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler(nil))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("📊 Serving metrics", zap.String("addr", addr))
	return srv
}

// printFilter writes the coefficients and response of a band-pass design
func printFilter(w io.Writer, low, high, sampleRate float64, points int) error {
	coeffs, err := dsp.DesignBandPass(low, high, sampleRate)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Butterworth band-pass %g-%g Hz at %g Hz, order %d\n", low, high, sampleRate, coeffs.Order())
	fmt.Fprintf(w, "b = %v\n", coeffs.B)
	fmt.Fprintf(w, "a = %v\n", coeffs.A)
	for i, s := range coeffs.Sections {
		fmt.Fprintf(w, "section %d: b = %v a = %v\n", i, s.B, s.A)
	}

	center := coeffs.CenterHz()
	fmt.Fprintf(w, "centre %.1f Hz: %.2f dB\n", center, coeffs.GainDB(center, sampleRate))
	if points >= 2 {
		peakHz, peakDB := coeffs.PeakHz(points)
		fmt.Fprintf(w, "peak %.1f Hz: %.2f dB (%d-point FFT)\n", peakHz, peakDB, points)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Hz\tdB")
	for _, f := range []float64{low / 4, low / 2, low, center, high, high * 2, high * 4} {
		if f >= sampleRate/2 {
			continue
		}
		fmt.Fprintf(tw, "%.1f\t%.2f\n", f, coeffs.GainDB(f, sampleRate))
	}
	return tw.Flush()
}

func listDevices(w io.Writer, channels int) error {
	backend := audio.NewPortAudioBackend()
	if err := backend.Initialize(); err != nil {
		return err
	}
	defer func() { _ = backend.Terminate() }()

	devices, err := backend.ListDevices()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST API\tIN\tOUT\tRATE\tDUPLEX")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%v\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.FullDuplex(channels))
	}
	return tw.Flush()
}

func monitorEngine(ctx context.Context, w io.Writer, cfgFile string) error {
	cfg, err := loadValidConfig(cfgFile)
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return errors.New("nats_url is required to monitor an engine")
	}

	conn, err := natsbridge.Connect(cfg.NATSURL, 1, 0, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	monitor := natsbridge.NewMonitor(conn, cfg.EngineID, eventPrinter(w), nil)
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Close()

	<-ctx.Done()
	return nil
}

// eventPrinter writes detection and status events as they arrive. Levels
// are too frequent to print.
func eventPrinter(w io.Writer) engine.Listener {
	return engine.ListenerFuncs{
		Status: func(s engine.Status) {
			fmt.Fprintf(w, "%s status %s\n", time.Now().Format(time.TimeOnly), s)
		},
		Footstep: func(detected bool) {
			state := "end"
			if detected {
				state = "start"
			}
			fmt.Fprintf(w, "%s footstep %s\n", time.Now().Format(time.TimeOnly), state)
		},
	}
}
