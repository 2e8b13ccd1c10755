// Package app wires configuration into a running engine worker: logger,
// checkpoint store, blob store, transport, policy gates, observability and
// the graph registry, plus the subscribe/execute/reply loop that serves
// SpecialistInvocationRequest envelopes.
package app

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/verity-qa/cmo-elg/config"
	"github.com/verity-qa/cmo-elg/elg"
	"github.com/verity-qa/cmo-elg/elg/blob"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/emit"
	"github.com/verity-qa/cmo-elg/elg/policy"
	"github.com/verity-qa/cmo-elg/elg/schema"
	"github.com/verity-qa/cmo-elg/elg/transport"
)

// State is the graph state shape served by a worker. Graphs registered with
// an App share it so one engine can execute any of them.
type State = map[string]any

// AgentID identifies this worker in envelope routing.
const AgentID = "elg-engine"

// App is the composed worker process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store     checkpoint.Store
	blobs     blob.Store
	transport transport.Transport
	validator *schema.Validator
	gate      *policy.Evaluator
	metrics   *elg.Metrics
	registry  *prometheus.Registry
	engine    *elg.Engine[State]

	tracerProvider *sdktrace.TracerProvider

	graphs map[string]*elg.Graph[State]

	runCtx    context.Context
	cancelRun context.CancelFunc
	sub       transport.Subscription

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New builds the worker from configuration. Backends are constructed and
// initialized here; message intake starts in Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "build logger")
	}
	logger.Info("configuration loaded", zap.Any("config", cfg.Redacted()))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		graphs:   make(map[string]*elg.Graph[State]),
		inflight: make(map[string]struct{}),
		registry: prometheus.NewRegistry(),
	}

	if a.store, err = NewStore(ctx, cfg.Database); err != nil {
		return nil, err
	}
	if err := a.store.Initialize(ctx); err != nil {
		return nil, elgerr.From(err, elgerr.CodeInitFailed)
	}

	if a.blobs, err = NewBlobStore(ctx, cfg.BlobStore); err != nil {
		return nil, err
	}

	if a.validator, err = schema.NewValidator(cfg.Runtime.MaxPayloadBytes); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "compile envelope schemas")
	}

	if a.transport, err = NewTransport(ctx, cfg.Transport, a.validator); err != nil {
		return nil, err
	}
	if err := a.registry.Register(newTransportCollector(a.transport)); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "register transport metrics")
	}

	if a.gate, err = policy.NewEvaluator(ctx, cfg.Policy.Enabled, cfg.Policy.BundlePath); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "prepare policy")
	}

	a.metrics = elg.NewMetrics(a.registry)

	var tracer trace.Tracer
	emitters := []emit.Emitter{emit.NewLogEmitter(logger)}
	if cfg.Observability.Enabled {
		a.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(
				sdktrace.TraceIDRatioBased(cfg.Observability.SampleRate))),
			sdktrace.WithResource(sdkresource.NewSchemaless(
				attribute.String("service.name", cfg.Observability.ServiceName))),
		)
		tracer = a.tracerProvider.Tracer(cfg.Observability.ServiceName)
		emitters = append(emitters, emit.NewOTelEmitter(tracer))
	}

	a.engine, err = elg.NewEngine[State](elg.Deps{
		Store:     a.store,
		Blobs:     a.blobs,
		Transport: a.transport,
		Policy:    a.gate,
		Emitter:   emit.NewMultiEmitter(emitters...),
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   a.metrics,
	}, elg.Config{
		PerNodeTimeout:    cfg.PerNodeTimeout(),
		WholeRunTimeout:   cfg.WholeRunTimeout(),
		MaxRetriesPerNode: cfg.Runtime.MaxRetriesPerNode,
		ClockIncrement:    cfg.ClockIncrement(),
		SpillThreshold:    cfg.Runtime.SpillThresholdBytes,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Register adds a graph to the worker's registry. Must be called before
// Start; graphs are keyed by id.
func (a *App) Register(g *elg.Graph[State]) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if _, exists := a.graphs[g.ID]; exists {
		return elgerr.Newf(elgerr.CodeConfigInvalid, "graph %q already registered", g.ID)
	}
	a.graphs[g.ID] = g
	return nil
}

// Engine exposes the underlying engine, mainly for the replay CLI and
// tests.
func (a *App) Engine() *elg.Engine[State] { return a.engine }

// Transport exposes the message transport, mainly for tests and tools
// that publish alongside the worker.
func (a *App) Transport() transport.Transport { return a.transport }

// MetricsRegistry exposes the process metric registry for scraping.
func (a *App) MetricsRegistry() *prometheus.Registry { return a.registry }

// Logger exposes the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Start health-checks the backends and begins consuming invocation
// requests. It returns once intake is running.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.store.HealthCheck(ctx); err != nil {
		return elgerr.From(err, elgerr.CodeInitFailed)
	}
	if err := a.transport.Health(ctx); err != nil {
		return elgerr.From(err, elgerr.CodeInitFailed)
	}
	if a.blobs != nil {
		if err := a.blobs.Health(ctx); err != nil {
			return elgerr.From(err, elgerr.CodeInitFailed)
		}
	}

	a.runCtx, a.cancelRun = context.WithCancel(context.Background())

	sub, err := a.transport.Subscribe(ctx, a.cfg.Transport.Stream, a.cfg.Transport.Group,
		a.handleInvocation, &transport.SubscribeOptions{
			MaxInFlight:         a.cfg.Database.PoolSize,
			MaxDeliveryAttempts: a.cfg.Transport.MaxDeliveryAttempts,
		})
	if err != nil {
		return elgerr.From(err, elgerr.CodeInitFailed)
	}
	a.sub = sub

	a.logger.Info("worker started",
		zap.String("stream", a.cfg.Transport.Stream),
		zap.String("group", a.cfg.Transport.Group),
		zap.Int("graphs", len(a.graphs)))
	return nil
}

func (a *App) handleInvocation(ctx context.Context, d transport.Delivery) transport.Verdict {
	env := d.Envelope
	log := a.logger.With(
		zap.String("messageId", d.MessageID),
		zap.String("correlationId", env.Meta.CorrelationID))

	if secret := a.cfg.Signing.Secret; secret != "" {
		ok, err := schema.Verify(env.Meta, []byte(secret))
		if err != nil || !ok {
			log.Warn("rejecting envelope with bad signature", zap.Error(err))
			return transport.Reject
		}
	}
	if env.Meta.MessageType != schema.TypeSpecialistInvocationRequest {
		log.Warn("rejecting unexpected message type", zap.String("messageType", env.Meta.MessageType))
		return transport.Reject
	}

	var req schema.SpecialistInvocationRequest
	if err := env.Decode(&req); err != nil {
		log.Warn("rejecting undecodable invocation request", zap.Error(err))
		return transport.Reject
	}

	g, ok := a.graphs[req.GraphID]
	if !ok || (req.GraphVersion != "" && req.GraphVersion != g.Version) {
		a.reply(env, &schema.SpecialistResult{
			Status: string(checkpoint.StatusFailed),
			Error: &schema.SpecialistError{
				Code:    string(elgerr.CodeConfigInvalid),
				Message: "no registered graph " + req.GraphID + "@" + req.GraphVersion,
			},
		}, log)
		return transport.Ack
	}

	traceID := env.Meta.TraceID
	if traceID == "" {
		traceID = newTraceID()
	}

	a.track(traceID)
	defer a.untrack(traceID)

	res, execErr := a.engine.Execute(a.runCtx, g, traceID, req.Input)

	result := &schema.SpecialistResult{
		Status:     string(res.Status),
		TraceID:    traceID,
		Result:     res.FinalOutput,
		DurationMs: res.DurationMs,
	}
	if res.Error != nil {
		result.Error = &schema.SpecialistError{
			Code:    string(res.Error.Code),
			Message: res.Error.Message,
			Details: res.Error.Details,
		}
	}
	a.reply(env, result, log)

	// Transient infrastructure failures are worth a redelivery; the run is
	// idempotent under its traceId. Everything else is settled.
	if execErr != nil && elgerr.CodeOf(execErr) == elgerr.CodeStoreUnavailable {
		return transport.Nack
	}
	return transport.Ack
}

// reply publishes a SpecialistResult to the request's reply topic when one
// is set. Reply failures are logged, never fatal: the result is already
// durable in the checkpoint store.
func (a *App) reply(req *schema.Envelope, result *schema.SpecialistResult, log *zap.Logger) {
	if req.Meta.ReplyTo == "" {
		return
	}
	meta := schema.Meta{
		CorrelationID: req.Meta.CorrelationID,
		TraceID:       result.TraceID,
		MessageType:   schema.TypeSpecialistResult,
		From:          AgentID,
		To:            []string{req.Meta.From},
	}
	env, err := schema.NewEnvelope(meta, result)
	if err != nil {
		log.Error("build result envelope", zap.Error(err))
		return
	}
	if secret := a.cfg.Signing.Secret; secret != "" {
		sig, err := schema.Sign(env.Meta, []byte(secret))
		if err != nil {
			log.Error("sign result envelope", zap.Error(err))
			return
		}
		env.Meta.Signature = sig
	}
	dedupe := result.TraceID + ":result"
	if _, err := a.transport.Publish(a.runCtx, req.Meta.ReplyTo, env,
		&transport.PublishOptions{DedupeKey: dedupe}); err != nil {
		log.Error("publish result", zap.Error(err))
	}
}

// Stop drains gracefully: intake stops first, in-flight runs get until the
// context deadline, stragglers are canceled (the engine marks them FAILED
// with a SHUTDOWN reason at the next step boundary), then backends close.
func (a *App) Stop(ctx context.Context) error {
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		stragglers := a.inflightTraces()
		a.logger.Warn("drain deadline reached, canceling runs",
			zap.Strings("traceIds", stragglers))
		a.cancelRun()
		<-done
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.transport.Close())
	if a.blobs != nil {
		keep(a.blobs.Close())
	}
	keep(a.store.Close())
	if a.tracerProvider != nil {
		keep(a.tracerProvider.Shutdown(context.WithoutCancel(ctx)))
	}
	_ = a.logger.Sync()

	a.logger.Info("worker stopped")
	return firstErr
}

func (a *App) track(traceID string) {
	a.wg.Add(1)
	a.mu.Lock()
	a.inflight[traceID] = struct{}{}
	a.mu.Unlock()
}

func (a *App) untrack(traceID string) {
	a.mu.Lock()
	delete(a.inflight, traceID)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *App) inflightTraces() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.inflight))
	for id := range a.inflight {
		out = append(out, id)
	}
	return out
}

func newTraceID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func NewStore(ctx context.Context, cfg config.DatabaseConfig) (checkpoint.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return checkpoint.NewMemStore(), nil
	case config.DriverSQLite:
		return checkpoint.NewSQLiteStore(cfg.Path)
	case config.DriverPostgres:
		return checkpoint.NewPostgresStore(ctx, checkpoint.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Name:     cfg.Name,
			User:     cfg.User,
			Password: cfg.Password,
			SSL:      cfg.SSLMode != "disable",
			PoolSize: cfg.PoolSize,
		})
	default:
		return nil, elgerr.Newf(elgerr.CodeConfigInvalid, "unknown database driver %q", cfg.Driver)
	}
}

func NewBlobStore(ctx context.Context, cfg config.BlobStoreConfig) (blob.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return blob.NewMemStore(), nil
	case config.DriverMinio:
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, elgerr.Newf(elgerr.CodeConfigInvalid, "unknown blobstore driver %q", cfg.Driver)
	}
}

func NewTransport(ctx context.Context, cfg config.TransportConfig, validator *schema.Validator) (transport.Transport, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return transport.NewMemTransport(validator, cfg.DedupeWindow), nil
	case config.DriverRedis:
		return transport.NewRedisTransport(ctx, transport.RedisConfig{
			Addr:         joinHostPort(cfg.Host, cfg.Port),
			Password:     cfg.Password,
			DB:           cfg.DB,
			DedupeWindow: cfg.DedupeWindow,
		}, validator)
	default:
		return nil, elgerr.Newf(elgerr.CodeConfigInvalid, "unknown transport driver %q", cfg.Driver)
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
