package strategy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Factory builds a source from a strategy's parameter map.
type Factory func(params map[string]any) (Source, error)

// Registry resolves a strategy record's file_path to a Source.
//
// Accepted forms:
//   - a registered built-in name, e.g. "dual_ma"
//   - a file whose base name matches a built-in, e.g. "strategies/strategy_dual_ma.py"
//   - "grpc://host:port/<name>" for a source served by a remote worker
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in sources registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("dual_ma", func(p map[string]any) (Source, error) { return NewDualMA(p), nil })
	r.Register("rsi", func(p map[string]any) (Source, error) { return NewRSIReversal(p), nil })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered built-ins in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build instantiates a built-in by name.
func (r *Registry) Build(name string, params map[string]any) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return f(params)
}

// Resolve returns the source referenced by cfg.FilePath. Remote sources own a
// connection; callers close them through io.Closer.
func (r *Registry) Resolve(cfg Config) (Source, error) {
	ref := strings.TrimSpace(cfg.FilePath)
	if ref == "" {
		return nil, fmt.Errorf("%w: strategy %s has no file_path", ErrUnknownSource, cfg.Name)
	}
	if strings.HasPrefix(ref, "grpc://") {
		addr, name, ok := strings.Cut(strings.TrimPrefix(ref, "grpc://"), "/")
		if !ok || addr == "" || name == "" {
			return nil, fmt.Errorf("%w: malformed remote reference %q", ErrUnknownSource, ref)
		}
		return DialRemote(addr, name, cfg.Parameters)
	}
	return r.Build(builtinName(ref), cfg.Parameters)
}

func builtinName(ref string) string {
	base := filepath.Base(filepath.ToSlash(ref))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, "strategy_")
}
