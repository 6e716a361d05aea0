package feed

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
)

// SourceConfig selects and parameterizes a source.
type SourceConfig struct {
	Type    string // registered source type, e.g. "tcp" or "file"
	Address string
	Path    string
	Repeat  bool
	Delay   time.Duration
}

// Factory builds a Source from its config.
type Factory func(cfg SourceConfig, m *metrics.Metrics, log *zap.Logger) (Source, error)

// Registry maps source type names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in "tcp" and "file" sources.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("tcp", func(cfg SourceConfig, m *metrics.Metrics, log *zap.Logger) (Source, error) {
		if cfg.Address == "" {
			return nil, fmt.Errorf("tcp source requires an address")
		}
		return NewTCPSource(cfg.Address, m, log), nil
	})
	r.Register("file", func(cfg SourceConfig, _ *metrics.Metrics, log *zap.Logger) (Source, error) {
		if cfg.Path == "" {
			return nil, fmt.Errorf("file source requires a path")
		}
		return NewFileSource(cfg.Path, cfg.Repeat, cfg.Delay, log), nil
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToLower(name)] = f
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the source named by cfg.Type.
func (r *Registry) Build(cfg SourceConfig, m *metrics.Metrics, log *zap.Logger) (Source, error) {
	f, ok := r.factories[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown feed source type %q (known: %s)", cfg.Type, strings.Join(r.Types(), ", "))
	}
	return f(cfg, m, log)
}
