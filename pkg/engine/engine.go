// Package engine assembles the metering pipeline: ingest, run
// reconciliation, image inspection, and the daily concurrency roll-up,
// consuming work from keyed queues.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meterwise/cloudmeter/pkg/config"
	"github.com/meterwise/cloudmeter/pkg/engine/concurrent"
	"github.com/meterwise/cloudmeter/pkg/engine/inspect"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/engine/notifier"
	"github.com/meterwise/cloudmeter/pkg/engine/registry"
	"github.com/meterwise/cloudmeter/pkg/engine/runs"
	"github.com/meterwise/cloudmeter/pkg/engine/typedefs"
	"github.com/meterwise/cloudmeter/pkg/engine/worker"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/queue"
	"github.com/meterwise/cloudmeter/pkg/store"
	"github.com/meterwise/cloudmeter/pkg/telemetry"
	"github.com/meterwise/cloudmeter/pkg/version"
)

// Engine is the runtime core.
type Engine struct {
	Log    *slog.Logger
	Tracer trace.Tracer

	Store store.Store
	Types *typedefs.Cache

	// Work queues.
	Events   queue.Queue
	Inspect  queue.Queue
	Verdicts queue.Queue
	Logs     queue.Queue

	Images     *registry.Images
	Instances  *registry.Instances
	Normalizer *normalize.Normalizer
	Reconciler *runs.Reconciler
	Inspector  *inspect.Orchestrator
	Roller     *concurrent.Roller
	Notifier   *notifier.Client
	Accounts   *Accounts

	cfg config.Config

	// Installed by the pipeline builders.
	launcher  inspect.Launcher
	describer normalize.CloudDescriber
	// fetchLog pulls one audit-log object; nil when the log tail is off.
	fetchLog func(ctx context.Context, bucket, key string) ([]byte, error)
	// refreshTypes resyncs instance-type definitions; nil in mock mode.
	refreshTypes func(ctx context.Context) error
	// snapshot polls one account's VMs; nil when no snapshot cloud is wired.
	snapshot func(ctx context.Context, account model.Account) error

	pools           []*worker.Pool
	shutdownTracing func(context.Context) error
}

// Option overrides engine construction.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Log = l }
}

// WithStore overrides the store, for tests.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.Store = st }
}

// New initializes the engine. Mock mode runs the whole pipeline on
// in-memory stores and queues; real mode wires DynamoDB, SQS, and the
// cloud adapters.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       logLevel(cfg.LogLevel),
		ReplaceAttr: redactSensitiveData,
	})
	e := &Engine{
		Log:    slog.New(handler),
		Tracer: otel.Tracer("cloudmeter/engine"),
		Types:  typedefs.NewCache(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	slog.SetDefault(e.Log)

	shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.Telemetry.Endpoint)
	if err != nil {
		e.Log.Warn("telemetry init failed", "error", err)
	} else {
		e.shutdownTracing = shutdown
	}

	if cfg.MockMode {
		err = buildMockPipeline(e)
	} else {
		err = buildRealPipeline(ctx, e)
	}
	if err != nil {
		return nil, err
	}

	e.wireComponents()
	return e, nil
}

// wireComponents builds the cloud-independent core over whatever store,
// queues, and adapters the pipeline builder installed.
func (e *Engine) wireComponents() {
	classifier := model.ImageClassifier{
		MarketplaceTokens: e.cfg.Images.MarketplaceTokens,
		CloudAccessTokens: e.cfg.Images.CloudAccessTokens,
		OwnerAccounts:     stringSet(e.cfg.Images.RHELImageOwnerAccounts),
	}
	e.Images = registry.NewImages(e.Store, classifier, e.Log.With("component", "registry"))
	e.Instances = &registry.Instances{Store: e.Store}

	e.Normalizer = &normalize.Normalizer{
		Store:        e.Store,
		Images:       e.Images,
		Instances:    e.Instances,
		Describer:    e.describer,
		EventQueue:   e.Events,
		InspectQueue: e.Inspect,
		Log:          e.Log.With("component", "normalize"),
	}

	e.Reconciler = runs.NewReconciler(e.Store, e.Types, e.Log.With("component", "runs"))
	e.Inspector = inspect.NewOrchestrator(e.Store, e.launcher,
		e.cfg.Inspection.MaxAttempts, e.cfg.Inspection.MinAge(),
		e.Log.With("component", "inspect"))
	e.Roller = concurrent.NewRoller(e.Store, e.cfg.Rollup.DefaultTimeZone,
		e.Log.With("component", "concurrent"))
	e.Notifier = notifier.NewClient(e.cfg.Sources.BaseURL,
		e.cfg.Sources.AuthHeader, e.cfg.Sources.AuthValue,
		e.Log.With("component", "notifier"))

	if e.Accounts == nil {
		e.Accounts = &Accounts{}
	}
	e.Accounts.Store = e.Store
	e.Accounts.Normalizer = e.Normalizer
	e.Accounts.Notifier = e.Notifier
	e.Accounts.Log = e.Log.With("component", "accounts")
}

// Run starts the consumer pools and periodic jobs, and blocks until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.recoverPanic(ctx)

	e.Log.Info("starting engine",
		"version", version.Current, "mock", e.cfg.MockMode)

	w := e.cfg.Workers
	e.pools = []*worker.Pool{
		worker.NewPool("events", e.Events, e.handleEventBatch, w.Start, w.Min, w.Max, e.Log),
		worker.NewPool("inspect", e.Inspect, e.handleInspectWork, w.Start, w.Min, w.Max, e.Log),
		worker.NewPool("verdicts", e.Verdicts, e.handleVerdict, w.Start, w.Min, w.Max, e.Log),
	}
	if e.fetchLog != nil {
		e.pools = append(e.pools,
			worker.NewPool("logs", e.Logs, e.handleLogNotification, w.Start, w.Min, w.Max, e.Log))
	}
	for _, p := range e.pools {
		p.Start(ctx)
	}

	go e.resweepLoop(ctx)
	go e.rollupLoop(ctx)
	if e.refreshTypes != nil {
		go e.typeRefreshLoop(ctx)
	}
	if e.snapshot != nil {
		go e.snapshotLoop(ctx)
	}

	<-ctx.Done()
	e.Log.Info("draining engine")
	for _, p := range e.pools {
		p.Stop()
	}
	if e.shutdownTracing != nil {
		_ = e.shutdownTracing(context.Background())
	}
	return nil
}

func (e *Engine) recoverPanic(ctx context.Context) {
	if r := recover(); r != nil {
		_, span := e.Tracer.Start(ctx, "CriticalPanic")
		stack := debug.Stack()
		span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
		span.SetStatus(codes.Error, "critical failure")
		span.SetAttributes(
			attribute.String("crash.stack", string(stack)),
			attribute.String("crash.reason", fmt.Sprintf("%v", r)),
		)
		span.End()
		e.Log.Error("critical failure", "error", r, "stack", string(stack))
	}
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// redactSensitiveData scrubs credential-bearing keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password": true, "access_key": true, "token": true,
		"secret": true, "api_key": true, "private_key": true,
		"auth_token": true, "session_token": true, "credential": true,
		"signature": true, "connection_string": true,
	}
	if sensitiveKeys[a.Key] {
		return slog.Attr{Key: a.Key, Value: slog.StringValue("[REDACTED]")}
	}
	return a
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
