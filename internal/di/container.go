// Package di assembles a ddp.Session, its collection.Store and the
// observability plumbing into one Container, the way the teacher's
// internal/di.Container wires a whole application's dependency graph by
// hand rather than through code generation.
package di

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ddpkit/ddp/collection"
	"github.com/ddpkit/ddp/config"
	"github.com/ddpkit/ddp/ddp"
	"github.com/ddpkit/ddp/internal/observability"
)

// Container holds the dependencies a DDP client process needs and
// tracks teardown functions so Close can unwind them in reverse order.
type Container struct {
	Config  config.Options
	Logger  *zap.Logger
	Metrics *observability.Collector
	Tracer  *observability.TracerProvider
	Store   *collection.Store
	Session *ddp.Session

	shutdownFunctions []func() error
}

// NewContainer validates cfg and wires a Container from it. Tracing is
// enabled only when OTEL_EXPORTER_OTLP_ENDPOINT is set; a client that
// doesn't configure an endpoint gets a nil Tracer, and ddp.Session
// treats that as "tracing disabled" (see ddp.Options.Tracer).
func NewContainer(cfg config.Options) (*Container, error) {
	c := &Container{
		Config:            cfg,
		shutdownFunctions: make([]func() error, 0),
	}
	if err := c.initialize(); err != nil {
		return nil, fmt.Errorf("initialize container: %w", err)
	}
	return c, nil
}

func (c *Container) initialize() error {
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.initializeLogger()

	if err := c.initializeObservability(); err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}

	c.initializeStore()
	c.initializeSession()

	return nil
}

func (c *Container) initializeLogger() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	c.Logger = logger
}

func (c *Container) initializeObservability() error {
	c.Metrics = observability.NewCollector("ddpkit")

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "ddpkit-client"
	}
	environment := os.Getenv("DDP_ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	tp, err := observability.InitTracing(serviceName, environment, endpoint)
	if err != nil {
		c.Logger.Warn("tracing disabled: failed to initialize", zap.Error(err))
		return nil
	}
	c.Tracer = tp
	c.shutdownFunctions = append(c.shutdownFunctions, func() error {
		return tp.Shutdown(context.Background())
	})
	return nil
}

// initializeStore creates the Store handle. It is left unopened until
// the first collection.New call against it — Store has no Close of its
// own (see collection.Store): the backing file closes itself once every
// collection opened against it has been released via Collection.Close.
func (c *Container) initializeStore() {
	c.Store = collection.NewStore(c.Config.DatabasePath)
}

func (c *Container) initializeSession() {
	transport := ddp.NewWebSocketTransport(c.Config.URL, c.Config.Origin, c.Logger)
	c.Session = ddp.New(transport, ddp.Options{
		Version:           c.Config.Version,
		HeartbeatInterval: c.Config.HeartbeatInterval,
		HeartbeatTimeout:  c.Config.HeartbeatTimeout,
		Logger:            c.Logger,
		Metrics:           c.Metrics,
		Tracer:            c.Tracer,
	})
	c.shutdownFunctions = append(c.shutdownFunctions, c.Session.Close)
}

// Collection opens a named collection backed by this Container's Store,
// wired with the same logger and metrics as Session.
func (c *Container) Collection(name string) (*collection.Collection, error) {
	return collection.New(name,
		collection.WithStore(c.Store),
		collection.WithLogger(c.Logger),
		collection.WithMetrics(c.Metrics),
	)
}

// Close tears down every dependency this Container started, in reverse
// initialization order. A failing teardown does not stop the others;
// Close returns the first error encountered.
func (c *Container) Close() error {
	var firstErr error
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
