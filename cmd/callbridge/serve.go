package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/callbridge/pkg/api"
	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/clock"
	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/ivr"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/profile"
	"github.com/harunnryd/callbridge/pkg/prompt"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transcript"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 15 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, media stream and API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CALLBRIDGE_CONFIG"), "path to a YAML config file")
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	runner.PrintBanner(os.Stdout, true)

	met := metrics.Noop()
	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(ctx, metrics.ProviderConfig{ServiceVersion: runner.Version})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		if met, err = metrics.New(otel.GetMeterProvider()); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	clk := clock.Real()
	profiles := profile.NewMemory(profile.Defaults{
		VAD: profile.VAD{
			Threshold:         cfg.Bridge.VAD.Threshold,
			PrefixPaddingMS:   cfg.Bridge.VAD.PrefixPaddingMS,
			SilenceDurationMS: cfg.Bridge.VAD.SilenceDurationMS,
		},
		Voice:       cfg.Bridge.Voice,
		Temperature: cfg.Bridge.Temperature,
		CompanyName: profile.DefaultDefaults().CompanyName,
		Products:    profile.DefaultDefaults().Products,
		SalesGoal:   profile.DefaultDefaults().SalesGoal,
	})
	if err := preloadProfiles(profiles, cfg.Profiles); err != nil {
		return err
	}
	log.Debug("profiles_preloaded", "count", len(cfg.Profiles))
	registry := session.NewMemory(clk, cfg.Bridge.Retention(), session.WithBindingTTL(cfg.Bridge.BindingTTL()))
	defer registry.Close()

	engine := realtime.NewClient(realtime.Config{
		APIKey:      cfg.Realtime.APIKey,
		Model:       cfg.Realtime.Model,
		URL:         cfg.Realtime.URL,
		DialTimeout: cfg.Realtime.DialTimeout(),
		DialRetries: cfg.Realtime.DialRetries,
		DialBackoff: cfg.Realtime.DialBackoff(),
	}, logging.NewComponentLogger(log, "realtime"))

	sink, closeSink, err := buildSink(cfg.Transcript, log)
	if err != nil {
		return err
	}
	defer closeSink()

	b := bridge.New(bridge.Config{
		DefaultClient: cfg.Twilio.DefaultClient,
		OpeningText:   cfg.Bridge.OpeningText,
		BargeInDelay:  cfg.Bridge.BargeInDelay(),
		VAD: profile.VAD{
			Threshold:         cfg.Bridge.VAD.Threshold,
			PrefixPaddingMS:   cfg.Bridge.VAD.PrefixPaddingMS,
			SilenceDurationMS: cfg.Bridge.VAD.SilenceDurationMS,
		},
		Voice:              cfg.Bridge.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		HintAgentOnIVR:     cfg.IVR.HintAgent,
	}, bridge.Deps{
		Registry:     registry,
		Profiles:     profiles,
		Dial:         bridge.RealtimeDialer(engine),
		Instructions: prompt.Builder{},
		Sink:         sink,
		Detector:     ivr.NewDetector(ivr.Config{Targets: cfg.IVR.Targets, FuzzyThreshold: cfg.IVR.FuzzyThreshold}),
		Clock:        clk,
		Metrics:      met,
		Log:          log,
	})

	transport := twilio.New(twilio.Config{
		ServerAddr:         cfg.Server.Addr,
		PublicURL:          cfg.Server.PublicURL,
		AuthToken:          cfg.Twilio.AuthToken,
		VoicePath:          cfg.Twilio.VoicePath,
		WebsocketPath:      cfg.Twilio.WSPath,
		StatusCallbackPath: cfg.Twilio.StatusCallbackPath,
		DefaultClient:      cfg.Twilio.DefaultClient,
		AllowedOrigins:     cfg.Twilio.AllowedOrigins,
	}, registry, b, log)

	mux := http.NewServeMux()
	transport.Register(mux)
	api.New(profiles, registry, clk, log).Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lifecycle := runner.NewLifecycleRunner(runner.DrainFunc(func(ctx context.Context) error {
		log.Info("draining", "active_streams", transport.Active())
		return errors.Join(transport.Shutdown(ctx), srv.Shutdown(ctx))
	}), runner.Hooks{
		OnStart: func() {
			log.Info("listening", "addr", srv.Addr, "ready", transport.ReadyFields())
		},
		OnStop: func() { log.Info("stopped") },
	}, drainTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return lifecycle.Run(gctx) })
	return g.Wait()
}

// buildSink logs every record and, when configured, appends it to a JSONL
// export. Delivery runs off the call goroutines.
func buildSink(cfg config.TranscriptConfig, log *slog.Logger) (transcript.Sink, func(), error) {
	sinks := transcript.MultiSink{transcript.NewLogSink(logging.NewComponentLogger(log, "transcript"))}
	var file *transcript.JSONLSink
	if cfg.JSONLPath != "" {
		var err error
		if file, err = transcript.OpenJSONLSink(cfg.JSONLPath); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, file)
	}
	async := transcript.NewAsyncSink(sinks, cfg.QueueSize)
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			log.Warn("transcript_sink_close_failed", "error", err.Error(), "dropped", async.Dropped())
		}
		if file != nil {
			_ = file.Close()
		}
	}
	return async, closeFn, nil
}

// preloadProfiles merges the profiles listed in config into the store through
// the same validation path as the HTTP API.
func preloadProfiles(store profile.Store, entries []map[string]any) error {
	for i, entry := range entries {
		id, _ := entry["client_id"].(string)
		if _, err := store.Merge(id, entry); err != nil {
			return fmt.Errorf("profiles[%d] (%s): %w", i, id, err)
		}
	}
	return nil
}
