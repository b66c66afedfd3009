package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussync/auth"
	"github.com/INLOpen/nexussync/changefeed"
	"github.com/INLOpen/nexussync/checkpoint"
	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/coordinator"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/directory"
	"github.com/INLOpen/nexussync/endpoint"
	"github.com/INLOpen/nexussync/filestore"
	"github.com/INLOpen/nexussync/hooks"
	"github.com/INLOpen/nexussync/hooks/listeners"
	"github.com/INLOpen/nexussync/metrics"
	"github.com/INLOpen/nexussync/objectstore"
	"github.com/INLOpen/nexussync/relational"
	"github.com/INLOpen/nexussync/secrets"
	"github.com/INLOpen/nexussync/task"
)

type passKind int

const (
	passSync passKind = iota
	passClean
)

// newRegistry binds every backend kind to its factory.
func newRegistry(logger *slog.Logger) *endpoint.Registry {
	r := endpoint.NewRegistry(logger)
	r.Register(config.KindLDAP, directory.Open)
	r.Register(config.KindSQL, relational.Open)
	r.Register(config.KindS3, objectstore.Open)
	r.Register(config.KindFile, filestore.Open)
	return r
}

// app owns everything shared between tasks.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	hooks    hooks.HookManager
	registry *endpoint.Registry
	secrets  *secrets.Resolver

	debug   *metrics.DebugServer
	system  *metrics.SystemCollector
	closers []io.Closer
}

func newApp(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics.New(),
		hooks:    hooks.NewHookManager(logger),
		registry: newRegistry(logger),
		secrets:  secrets.NewResolver(secrets.Options{AWSRegion: cfg.Secrets.AWSRegion, Logger: logger}),
	}
	if err := a.registerListeners(); err != nil {
		return nil, err
	}

	if cfg.SelfMonitoring.Enabled {
		interval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
		a.system = metrics.NewSystemCollector(cfg.SelfMonitoring.DiskPath, interval, logger)
		a.metrics.MustRegister(a.system.Collectors()...)
		a.system.Start()
	}
	if cfg.Debug.Enabled {
		a.debug = metrics.NewDebugServer(cfg.Debug, a.metrics, logger)
		if cfg.Debug.UserFile != "" {
			authn, err := auth.NewAuthenticator(cfg.Debug.UserFile, logger)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.debug.Use(authn.Middleware)
		}
		go func() {
			if err := a.debug.Start(); err != nil {
				logger.Error("Failed to start debug server", "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) registerListeners() error {
	hc := a.cfg.Hooks
	if hc.JournalFile != "" {
		if err := os.MkdirAll(filepath.Dir(hc.JournalFile), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		f, err := os.OpenFile(hc.JournalFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open reconciliation journal %s: %w", hc.JournalFile, err)
		}
		a.closers = append(a.closers, f)
		a.hooks.Register(hooks.EventOnPartialCommit, listeners.NewReconciliationJournalListener(f, a.logger))
		a.logger.Info("Registered ReconciliationJournalListener for OnPartialCommit events.", "file", hc.JournalFile)
	}
	if hc.BreakerMaxFailures > 0 {
		breaker := listeners.NewFailureBreakerListener(a.logger, []listeners.BreakerRule{{
			MaxFailures: hc.BreakerMaxFailures,
			Window:      config.ParseDuration(hc.BreakerWindow, time.Minute, a.logger),
			Cooldown:    config.ParseDuration(hc.BreakerCooldown, 5*time.Minute, a.logger),
		}})
		a.hooks.Register(hooks.EventOnParticipantFailure, breaker)
		a.hooks.Register(hooks.EventPreApply, breaker)
		a.logger.Info("Registered FailureBreakerListener for OnParticipantFailure and PreApply events.")
	}
	if hc.ApplyStats {
		a.hooks.Register(hooks.EventPostApply, listeners.NewApplyStatsListener(a.logger))
	}
	return nil
}

// Close stops background collectors and closes every opened endpoint.
func (a *app) Close() error {
	a.hooks.Stop()
	if a.system != nil {
		a.system.Stop()
	}
	if a.debug != nil {
		a.debug.Stop()
	}
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}

func (a *app) open(ctx context.Context, service string) (endpoint.Service, error) {
	svc, ok := a.cfg.Service(service)
	if !ok {
		return nil, core.NewConfigurationError("tasks", "unknown service %q", service)
	}
	conn, _ := a.cfg.Connection(svc.Connection)
	ep, err := a.registry.Open(ctx, endpoint.Params{
		Service:    svc,
		Connection: conn,
		Secrets:    a.secrets,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open service %s: %w", service, err)
	}
	a.closers = append(a.closers, ep)
	return ep, nil
}

// selectTasks returns the named tasks, or every task when names is empty.
func (a *app) selectTasks(names []string) ([]config.TaskConfig, error) {
	if len(names) == 0 {
		return a.cfg.Tasks, nil
	}
	out := make([]config.TaskConfig, 0, len(names))
	for _, n := range names {
		t, ok := a.cfg.Task(n)
		if !ok {
			return nil, core.NewConfigurationError("tasks", "unknown task %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// destination opens the task's destinations. A single destination is used
// directly; several are wrapped in a Coordinator.
func (a *app) destination(ctx context.Context, tc config.TaskConfig) (task.Destination, error) {
	if len(tc.Destinations) == 1 {
		svc, err := a.open(ctx, tc.Destinations[0])
		if err != nil {
			return nil, err
		}
		dst, ok := svc.(task.Destination)
		if !ok {
			return nil, core.NewConfigurationError("tasks", "destination %q of task %q must be readable and writable", tc.Destinations[0], tc.Name)
		}
		return dst, nil
	}

	participants := make([]coordinator.Participant, 0, len(tc.Destinations))
	for _, name := range tc.Destinations {
		svc, err := a.open(ctx, name)
		if err != nil {
			return nil, err
		}
		tw, err := endpoint.AsTransactional(svc)
		if err != nil {
			return nil, err
		}
		participants = append(participants, coordinator.Participant{ID: name, Endpoint: tw})
	}
	return coordinator.New(coordinator.Options{
		Name:         tc.Name,
		Participants: participants,
		Logger:       a.logger,
		Tracer:       a.tracer,
		HookManager:  a.hooks,
		Metrics:      a.metrics,
	})
}

func (a *app) newTask(tc config.TaskConfig, src endpoint.Readable, dst task.Destination) (*task.Task, error) {
	return task.New(task.Options{
		Name:                     tc.Name,
		Source:                   src,
		Destination:              dst,
		MainIdentifier:           tc.MainIdentifier,
		StopOnBackendUnavailable: a.cfg.Sync.StopOnBackendUnavailable,
		IdleSleep:                config.ParseDuration(a.cfg.Sync.IdleSleep, 100*time.Millisecond, a.logger),
		Logger:                   a.logger,
		Tracer:                   a.tracer,
		Metrics:                  a.metrics,
	})
}

// buildTask opens the source and destinations of tc.
func (a *app) buildTask(ctx context.Context, tc config.TaskConfig) (*task.Task, error) {
	svc, err := a.open(ctx, tc.Source)
	if err != nil {
		return nil, err
	}
	src, err := endpoint.AsReadable(svc)
	if err != nil {
		return nil, err
	}
	dst, err := a.destination(ctx, tc)
	if err != nil {
		return nil, err
	}
	return a.newTask(tc, src, dst)
}

// runPasses runs one sync or clean pass per task, concurrently.
func (a *app) runPasses(ctx context.Context, names []string, kind passKind) error {
	tasks, err := a.selectTasks(names)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, tc := range tasks {
		tk, err := a.buildTask(ctx, tc)
		if err != nil {
			return err
		}
		g.Go(func() error {
			var stats task.Stats
			var err error
			if kind == passClean {
				stats, err = tk.Clean(ctx)
			} else {
				stats, err = tk.Sync(ctx)
			}
			a.logger.Info("Task pass completed", "task", tk.Name(), "stats", stats.String(), "error", err)
			return err
		})
	}
	return g.Wait()
}

// changeSource is what a directory endpoint offers to the change feed.
type changeSource interface {
	endpoint.Readable
	Subscriber() *directory.Subscriber
}

// runAsync follows the change feed of every async task until ctx is done.
func (a *app) runAsync(ctx context.Context, names []string) error {
	tasks, err := a.selectTasks(names)
	if err != nil {
		return err
	}
	tokens, err := checkpoint.NewDirStore(a.cfg.Sync.CheckpointDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint directory: %w", err)
	}
	release, err := checkpoint.LockDir(a.cfg.Sync.CheckpointDir, 2*time.Second)
	if err != nil {
		return err
	}
	defer release()

	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, tc := range tasks {
		if !tc.Async {
			if len(names) > 0 {
				return core.NewConfigurationError("tasks", "task %q is not async", tc.Name)
			}
			continue
		}
		feed, err := a.changeFeed(ctx, tc, tokens)
		if err != nil {
			return err
		}
		dst, err := a.destination(ctx, tc)
		if err != nil {
			return err
		}
		tk, err := a.newTask(tc, feed, dst)
		if err != nil {
			return err
		}
		started++
		g.Go(func() error { return tk.RunAsync(ctx, feed) })
	}
	if started == 0 {
		return core.NewConfigurationError("tasks", "no async task selected")
	}
	a.logger.Info("Async tasks running. Press Ctrl+C to exit.", "tasks", started)
	err = g.Wait()
	a.logger.Info("Async tasks stopped.")
	return err
}

func (a *app) changeFeed(ctx context.Context, tc config.TaskConfig, tokens changefeed.TokenStore) (*changefeed.Adapter, error) {
	svc, err := a.open(ctx, tc.Source)
	if err != nil {
		return nil, err
	}
	src, ok := svc.(changeSource)
	if !ok {
		return nil, core.NewConfigurationError("tasks", "source %q of task %q has no change feed", tc.Source, tc.Name)
	}
	svcCfg, _ := a.cfg.Service(tc.Source)
	conn, _ := a.cfg.Connection(svcCfg.Connection)

	feed, err := changefeed.New(changefeed.Options{
		Source:      tc.Source,
		ServerType:  conn.ServerType,
		Subscriber:  src.Subscriber(),
		Reader:      src,
		Attributes:  svcCfg.FetchedAttributes,
		PollWait:    config.ParseDuration(a.cfg.Sync.PollWait, changefeed.DefaultPollWait, a.logger),
		Tokens:      tokens,
		Logger:      a.logger,
		Tracer:      a.tracer,
		HookManager: a.hooks,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}
	// The adapter closes its reader.
	a.closers[len(a.closers)-1] = feed
	return feed, nil
}

// check opens every service the selected tasks reference.
func (a *app) check(ctx context.Context, names []string) error {
	tasks, err := a.selectTasks(names)
	if err != nil {
		return err
	}
	for _, tc := range tasks {
		if _, err := a.buildTask(ctx, tc); err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		a.logger.Info("Task checked", "task", tc.Name, "source", tc.Source, "destinations", tc.Destinations)
	}
	return nil
}
