// Package runtime assembles the daemon: telemetry, the bus, the event store,
// the model registry and capability cache, the recorder and the HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/api"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/preferences"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
	"github.com/loqalabs/loqa-dictation/internal/whisper"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	opener capture.Opener

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	addrMu sync.Mutex
	addr   string
	svc    *dictation.Service
}

type Option func(*Runtime)

// WithOpener replaces the PortAudio capture device.
func WithOpener(o capture.Opener) Option {
	return func(r *Runtime) { r.opener = o }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.opener == nil {
		r.opener = capture.NewPortAudio(cfg.Audio, logger)
	}
	return r
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	var servers []string
	if url := embedded.ClientURL(); url != "" {
		servers = append(servers, url)
	}
	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	registry := models.NewRegistry(r.cfg.Models.BaseDir, models.DefaultCatalog(), r.logger)
	prefs := preferences.FromConfig(r.cfg.Preferences)
	cache := capability.NewCache(ctx, Loaders(r.cfg, registry, prefs, r.logger), r.logger)
	defer cache.Close()

	svc := dictation.NewService(ctx, r.cfg, dictation.Deps{
		Recorder:    recorder.NewController(r.cfg.Recorder, r.cfg.Audio.TargetSampleRate, r.opener, r.logger),
		Transcriber: transcribe.NewEngine(r.cfg.Transcription, r.logger),
		Cache:       cache,
		Registry:    registry,
		Preferences: prefs,
		Store:       store,
		Bus:         busClient,
	}, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start dictation service: %w", err)
	}
	defer svc.Close()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx, store)
	}()

	handler := api.New(svc, metricsHandler, r.Ready, r.logger).Handler()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, ln, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("addr", r.cfg.Telemetry.PrometheusBind), slogError(err))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, mln, "metrics")
		}
	}

	r.addrMu.Lock()
	r.addr = ln.Addr().String()
	r.svc = svc
	r.addrMu.Unlock()
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	return nil
}

// Ready reports whether the runtime finished starting and its service is
// healthy.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	r.addrMu.Lock()
	svc := r.svc
	r.addrMu.Unlock()
	return svc != nil && svc.Healthy()
}

// Addr is the address the HTTP API listens on, empty until started.
func (r *Runtime) Addr() string {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr
}

// Loaders binds each capability to the model registry. Formatting gets a
// slot only when it is enabled.
func Loaders(cfg config.Config, registry *models.Registry, prefs *preferences.Store, logger *slog.Logger) map[capability.Name]capability.Loader {
	loaders := map[capability.Name]capability.Loader{
		capability.Speech: dictation.ResolvingLoader(registry, models.KindSpeech,
			func() string { return prefs.Get().SpeechModel },
			cfg.Models.SpeechCandidates,
			func(ctx context.Context, rec models.Record) (capability.Engine, error) {
				engine, err := whisper.Load(rec.ID, rec.Path, cfg.Transcription.ModelInstances, logger)
				if err != nil {
					return nil, err
				}
				return engine, nil
			}),
	}
	if cfg.Formatting.Enabled {
		loaders[capability.Formatting] = dictation.ResolvingLoader(registry, models.KindLLM,
			func() string { return prefs.Get().FormattingModel },
			cfg.Models.FormattingCandidates,
			func(ctx context.Context, rec models.Record) (capability.Engine, error) {
				formatter, err := llm.Open(ctx, cfg.Formatting, rec.ID, rec.Path, logger)
				if err != nil {
					return nil, err
				}
				return formatter, nil
			})
	}
	return loaders
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Prune(ctx); err != nil {
				r.logger.Warn("scheduled prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
