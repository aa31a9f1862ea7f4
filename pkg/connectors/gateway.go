package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
	"github.com/openidsync/openidsync/pkg/telemetry"
)

// Connector talks to one external system. Implementations receive the
// external object class and never see internal attribute names.
type Connector interface {
	// Search returns one page of records of the class.
	Search(ctx context.Context, objectClass, pageToken string, pageSize int) (*engine.Page, error)

	// Get reads one record by its identifying key value.
	Get(ctx context.Context, objectClass, key string) (*engine.ConnObject, error)

	// Create creates a record and returns its identifying key.
	Create(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error)

	// Update updates a record and returns its identifying key.
	Update(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error)

	// Delete removes a record by its identifying key value.
	Delete(ctx context.Context, objectClass, key string) error

	// Close releases connector resources.
	Close() error
}

// Factory builds a connector from its resource configuration.
type Factory func(cfg engine.ConnectorConfig, logger zerolog.Logger) (Connector, error)

// Gateway implements engine.ConnectorGateway over a set of connector
// bundles. Connectors are built lazily per resource and cached; transient
// failures are retried with exponential backoff, permanent ones fail
// immediately.
type Gateway struct {
	config   engine.ConfigSource
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	maxTries uint

	mu        sync.Mutex
	bundles   map[string]Factory
	connected map[string]Connector
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxTries sets the retry budget for transient failures.
func WithMaxTries(n uint) GatewayOption {
	return func(g *Gateway) { g.maxTries = n }
}

// WithMetrics records connector call metrics.
func WithMetrics(m *telemetry.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway with the built-in bundles registered.
func NewGateway(config engine.ConfigSource, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		config:   config,
		log:      logger.With().Str("component", "connector-gateway").Logger(),
		maxTries: 3,
		bundles: map[string]Factory{
			"rest":     NewRESTConnector,
			"sqltable": NewSQLTableConnector,
			"sftpdir":  NewSFTPDirConnector,
		},
		connected: make(map[string]Connector),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterBundle registers an additional connector bundle.
func (g *Gateway) RegisterBundle(name string, factory Factory) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.bundles[name]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("connector bundle %q already registered", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	g.bundles[name] = factory
	return nil
}

// Close closes every cached connector.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for key, conn := range g.connected {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.connected, key)
	}
	return firstErr
}

// InvalidateResource drops the cached connector of a resource so the next
// call rebuilds it from current configuration.
func (g *Gateway) InvalidateResource(resourceKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.connected[resourceKey]; ok {
		if err := conn.Close(); err != nil {
			g.log.Warn().Err(err).Str("resource", resourceKey).Msg("Failed to close connector")
		}
		delete(g.connected, resourceKey)
	}
}

// Search implements engine.ConnectorGateway.
func (g *Gateway) Search(ctx context.Context, resourceKey string, kind engine.EntityKind, pageToken string, pageSize int) (*engine.Page, error) {
	conn, objectClass, err := g.resolve(resourceKey, kind)
	if err != nil {
		return nil, err
	}
	return callWithRetry(ctx, g, resourceKey, "search", func() (*engine.Page, error) {
		return conn.Search(ctx, objectClass, pageToken, pageSize)
	})
}

// GetObject implements engine.ConnectorGateway.
func (g *Gateway) GetObject(ctx context.Context, resourceKey string, kind engine.EntityKind, connObjectKey string) (*engine.ConnObject, error) {
	conn, objectClass, err := g.resolve(resourceKey, kind)
	if err != nil {
		return nil, err
	}
	return callWithRetry(ctx, g, resourceKey, "get", func() (*engine.ConnObject, error) {
		return conn.Get(ctx, objectClass, connObjectKey)
	})
}

// Create implements engine.ConnectorGateway.
func (g *Gateway) Create(ctx context.Context, resourceKey string, kind engine.EntityKind, obj *engine.ConnObject) (string, error) {
	conn, objectClass, err := g.resolve(resourceKey, kind)
	if err != nil {
		return "", err
	}
	return callWithRetry(ctx, g, resourceKey, "create", func() (string, error) {
		return conn.Create(ctx, objectClass, obj)
	})
}

// Update implements engine.ConnectorGateway.
func (g *Gateway) Update(ctx context.Context, resourceKey string, kind engine.EntityKind, obj *engine.ConnObject) (string, error) {
	conn, objectClass, err := g.resolve(resourceKey, kind)
	if err != nil {
		return "", err
	}
	return callWithRetry(ctx, g, resourceKey, "update", func() (string, error) {
		return conn.Update(ctx, objectClass, obj)
	})
}

// Delete implements engine.ConnectorGateway.
func (g *Gateway) Delete(ctx context.Context, resourceKey string, kind engine.EntityKind, connObjectKey string) error {
	conn, objectClass, err := g.resolve(resourceKey, kind)
	if err != nil {
		return err
	}
	_, err = callWithRetry(ctx, g, resourceKey, "delete", func() (struct{}, error) {
		return struct{}{}, conn.Delete(ctx, objectClass, connObjectKey)
	})
	return err
}

// resolve returns the resource's connector and the object class of the kind.
func (g *Gateway) resolve(resourceKey string, kind engine.EntityKind) (Connector, string, error) {
	resource, err := g.config.Resource(resourceKey)
	if err != nil {
		return nil, "", err
	}
	provision, err := resource.Provision(kind)
	if err != nil {
		return nil, "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.connected[resourceKey]; ok {
		return conn, provision.ObjectClass, nil
	}

	factory, ok := g.bundles[resource.Connector.Bundle]
	if !ok {
		return nil, "", engine.NewPermanentError(
			fmt.Sprintf("unknown connector bundle %q", resource.Connector.Bundle), nil).
			WithCode(engine.ErrCodeValidation).WithResource(resourceKey)
	}
	conn, err := factory(resource.Connector, g.log.With().Str("resource", resourceKey).Logger())
	if err != nil {
		return nil, "", engine.NewPermanentError(
			fmt.Sprintf("failed to build %q connector", resource.Connector.Bundle), err).
			WithCode(engine.ErrCodeConnector).WithResource(resourceKey)
	}
	g.connected[resourceKey] = conn
	return conn, provision.ObjectClass, nil
}

// callWithRetry runs one connector call under the gateway's retry policy.
// Only transient errors are retried; everything else is surfaced at once.
func callWithRetry[T any](ctx context.Context, g *Gateway, resourceKey, op string, call func() (T, error)) (T, error) {
	attempt := 0
	start := time.Now()

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := call()
		if err == nil {
			return res, nil
		}
		classified := classify(err, resourceKey, op)
		if g.metrics != nil {
			g.metrics.RecordConnectorError(resourceKey, op)
		}
		if !engine.IsRetryable(classified) {
			return res, backoff.Permanent(classified)
		}
		g.log.Warn().Err(classified).
			Str("resource", resourceKey).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("Transient connector failure, retrying")
		return res, classified
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(g.maxTries),
	)

	if g.metrics != nil {
		g.metrics.RecordConnectorCall(resourceKey, op, time.Since(start))
	}
	if err != nil {
		return result, classify(err, resourceKey, op)
	}
	return result, nil
}

// classify stamps connector context onto an error and defaults unclassified
// errors to transient, so unknown transport failures get retried.
func classify(err error, resourceKey, op string) error {
	var pe *engine.ProvisioningError
	if errors.As(err, &pe) {
		if pe.Resource == "" {
			pe.Resource = resourceKey
		}
		if pe.Operation == "" {
			pe.Operation = op
		}
		return pe
	}
	return engine.NewTransientError("connector call failed", err).
		WithCode(engine.ErrCodeConnector).
		WithResource(resourceKey).
		WithOperation(op)
}
