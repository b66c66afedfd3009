package endpoint

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/core"
)

// SecretResolver turns a password reference from the configuration into
// the secret itself.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Params is everything a factory needs to open one endpoint.
type Params struct {
	Service    config.ServiceConfig
	Connection config.ConnectionConfig
	Secrets    SecretResolver
	Logger     *slog.Logger
}

// Password resolves the connection password through p.Secrets, or returns
// it verbatim when no resolver is set.
func (p Params) Password(ctx context.Context) (string, error) {
	if p.Secrets == nil || p.Connection.Password == "" {
		return p.Connection.Password, nil
	}
	return p.Secrets.Resolve(ctx, p.Connection.Password)
}

// Factory opens an endpoint of one backend kind.
type Factory func(ctx context.Context, params Params) (Service, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "EndpointRegistry"),
	}
}

// Register binds kind to f, replacing any previous factory.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open builds the endpoint described by params. The kind is taken from the
// service, falling back to the connection. Unknown kinds fail immediately.
func (r *Registry) Open(ctx context.Context, params Params) (Service, error) {
	kind := params.Service.Kind
	if kind == "" {
		kind = params.Connection.Kind
	}

	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewConfigurationError("registry", "service %q declares unknown backend kind %q", params.Service.Name, kind)
	}

	if params.Logger == nil {
		params.Logger = r.logger
	}
	svc, err := f(ctx, params)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Endpoint opened", "service", params.Service.Name, "kind", kind)
	return svc, nil
}
