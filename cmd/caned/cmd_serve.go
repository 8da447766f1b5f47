package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/iflabx/opencane/internal/audio"
	"github.com/iflabx/opencane/internal/config"
	"github.com/iflabx/opencane/internal/httpapi"
	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/observe"
	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/runtime"
	"github.com/iflabx/opencane/internal/safety"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/task"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/internal/vector"
	"github.com/iflabx/opencane/internal/vision"
	"github.com/iflabx/opencane/pkg/provider"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the device-session runtime",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "caned.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	prof, err := profile.Resolve(cfg.Transport.Profile, cfg.Transport.ProfileOverrides)
	if err != nil {
		return &exitError{code: exitConfigInvalid, err: err}
	}

	st, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "opencane.db"))
	if err != nil {
		if cfg.StrictStartup {
			return &exitError{code: exitStrictStartup, err: fmt.Errorf("open store: %w", err)}
		}
		slog.Error("store unavailable, continuing with degraded persistence", "error", err)
		st = nil
	}
	if st != nil {
		defer st.Close()
	}

	adapter, mockAdapter, err := buildAdapter(cfg, prof)
	if err != nil {
		return &exitError{code: exitConfigInvalid, err: err}
	}

	// Providers are remote HTTP services; unset base URLs leave the path
	// degraded rather than failing.
	var transcriber provider.Transcription
	if cfg.Providers.Transcription.BaseURL != "" {
		transcriber = provider.NewHTTPTranscription(cfg.Providers.Transcription)
	}
	var tts provider.TTS
	if cfg.Providers.TTS.BaseURL != "" {
		tts = provider.NewHTTPTTS(cfg.Providers.TTS)
	}
	var visionProvider provider.Vision
	if cfg.Providers.Vision.BaseURL != "" {
		visionProvider = provider.NewHTTPVision(cfg.Providers.Vision)
	}
	var dialogue provider.Dialogue
	if cfg.Providers.Dialogue.BaseURL != "" {
		dialogue = provider.NewHTTPDialogue(cfg.Providers.Dialogue)
	}
	var tools provider.ToolExecutor
	if cfg.Providers.Tools.BaseURL != "" {
		tools = provider.NewHTTPToolExecutor(cfg.Providers.Tools)
	}
	if cfg.StrictStartup && (transcriber == nil || dialogue == nil) {
		return &exitError{code: exitStrictStartup,
			err: fmt.Errorf("strict startup: transcription and dialogue providers are required")}
	}

	sessions := session.NewManager(st)
	audioPipe := audio.NewPipeline(audio.Options{
		MaxBytes:        8 << 20,
		JitterWindow:    cfg.Audio.JitterWindow,
		PrebufferChunks: cfg.Audio.PrebufferChunks,
		HangoverChunks:  cfg.Audio.HangoverChunks,
		EnableVAD:       cfg.Audio.EnableVAD,
	}, transcriber)

	index := vector.NewLocal()
	assets := vision.NewAssetStore(cfg.DataDir)
	visionPipe := vision.NewPipeline(vision.Options{
		DedupThreshold: cfg.Vision.DedupThreshold,
		DedupWindow:    time.Duration(cfg.Vision.DedupWindowMin) * time.Minute,
	}, st, index, visionProvider, assets)

	queue := ingest.NewQueue(cfg.Ingest.Capacity, cfg.Ingest.Workers,
		ingest.OverflowPolicy(cfg.Ingest.OverflowPolicy), visionPipe.Process)

	// The digital task executor needs durable state; without a store it
	// stays disabled and the runtime degrades per the error policy.
	var tasks *task.Executor
	if st != nil {
		tasks = task.New(st, tools, task.Options{
			DefaultTimeoutSeconds: cfg.DigitalTask.DefaultTimeoutSeconds,
			MaxConcurrentTasks:    cfg.DigitalTask.MaxConcurrentTasks,
			StatusRetryCount:      cfg.DigitalTask.StatusRetryCount,
			StatusRetryBackoff:    time.Duration(cfg.DigitalTask.StatusRetryBackoffMS) * time.Millisecond,
		})
	}

	gate := safety.New(safety.Options{
		Enabled:                        cfg.Safety.Enabled,
		LowConfidenceThreshold:         cfg.Safety.LowConfidenceThreshold,
		DirectionalConfidenceThreshold: cfg.Safety.DirectionalConfidenceThreshold,
		MaxOutputChars:                 cfg.Safety.MaxOutputChars,
		ConflictWindow:                 10 * time.Second,
	})
	quiet := safety.NewQuietHours(cfg.Safety.QuietHoursEnabled,
		cfg.Safety.QuietHoursStart, cfg.Safety.QuietHoursEnd)

	metrics := observe.NewMetrics()
	rt := runtime.New(runtime.Options{
		TTSMode:                 cfg.Runtime.TTSMode,
		TTSAudioChunkBytes:      cfg.Runtime.TTSAudioChunkBytes,
		NoHeartbeatTimeout:      time.Duration(cfg.Runtime.NoHeartbeatTimeoutSec) * time.Second,
		IdleTimeout:             time.Duration(cfg.Runtime.IdleTimeoutMin) * time.Minute,
		DeviceAuthEnabled:       cfg.Runtime.DeviceAuthEnabled,
		AllowUnboundDevices:     cfg.Runtime.AllowUnboundDevices,
		RequireActivatedDevices: cfg.Runtime.RequireActivatedDevices,
		TelemetryPersistSamples: cfg.Runtime.TelemetryPersistSamples,
		ContextTokenBudget:      cfg.Runtime.ContextTokenBudget,
	}, prof, runtime.Deps{
		Adapter:  adapter,
		Sessions: sessions,
		Audio:    audioPipe,
		Ingest:   queue,
		Tasks:    tasks,
		Gate:     gate,
		Interact: quiet,
		Store:    st,
		Metrics:  metrics,
		TTS:      tts,
		Dialogue: dialogue,
	})

	visionPipe.OnDigest(rt.DispatchVisionDigest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)
	if tasks != nil {
		tasks.SetPusher(rt.PushTaskUpdate)
		tasks.Start(ctx)
		if recovered, err := tasks.Recover(ctx); err != nil {
			slog.Warn("task recovery failed", "error", err)
		} else if recovered > 0 {
			slog.Info("recovered unfinished tasks", "count", recovered)
		}
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	// Periodic jobs: observability sampling and idle-session sweep.
	jobs := cron.New()
	if st != nil {
		jobs.AddFunc("@every 1m", func() {
			sample := &store.ObservabilitySample{
				TSMS: time.Now().UnixMilli(),
				Sample: map[string]any{
					"metrics":      metrics.Snapshot(),
					"ingest_queue": queue.Stats(),
					"sessions":     sessions.Count(),
				},
			}
			if err := st.AppendObservabilitySample(ctx, sample); err != nil {
				slog.Debug("observability sample failed", "error", err)
			}
		})
	}
	jobs.AddFunc("@every 5m", func() {
		if closed := rt.CloseIdleSessions(); closed > 0 {
			slog.Info("closed idle sessions", "count", closed)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	api := httpapi.NewServer(cfg.HTTP.Security, observe.DefaultThresholds(), httpapi.Deps{
		Runtime: rt,
		Tasks:   tasks,
		Store:   st,
		Index:   index,
		Ingest:  queue,
		Mock:    mockAdapter,
	})
	httpServer, err := api.Listen(cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("control api listen: %w", err)
	}

	slog.Info("caned started",
		"data_dir", cfg.DataDir,
		"adapter", adapter.Name(),
		"profile", prof.Name,
		"http", cfg.HTTP.Listen,
		"pid_file", pidPath,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	rt.Stop()
	queue.Stop(5 * time.Second)
	if tasks != nil {
		tasks.Shutdown()
	}
	return nil
}

func buildAdapter(cfg *config.Config, prof profile.Profile) (transport.Adapter, *transport.Mock, error) {
	switch cfg.Transport.Adapter {
	case "mock":
		mock := transport.NewMock()
		return mock, mock, nil
	case "websocket":
		return transport.NewWS(cfg.Transport.WS, prof), nil, nil
	case "generic_mqtt":
		return transport.NewMQTT(cfg.Transport.MQTT, prof), nil, nil
	case "ec600":
		adapter, err := transport.NewEC600(cfg.Transport.MQTT)
		return adapter, nil, err
	}
	return nil, nil, fmt.Errorf("unknown transport adapter: %q", cfg.Transport.Adapter)
}
