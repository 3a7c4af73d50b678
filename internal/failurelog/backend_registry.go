package failurelog

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// StateBackendFactory builds a backend from the full DSN.
type StateBackendFactory func(dsn string) (StateBackend, error)

type backendRegistry struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
	aliases   map[string]string
}

var stateBackends = newBackendRegistry()

func newBackendRegistry() *backendRegistry {
	r := &backendRegistry{
		factories: map[string]StateBackendFactory{},
		aliases:   map[string]string{},
	}
	r.register("file", fileBackendFactory, "")
	r.register("memory", func(string) (StateBackend, error) { return NewInMemoryStateBackend(), nil }, "mem", "inmem")
	r.register("postgres", NewPostgresStateBackend, "postgresql")
	r.register("sqlite", sqliteBackendFactory, "sqlite3")
	r.register("mysql", notImplementedFactory("mysql"))
	r.register("redis", notImplementedFactory("redis"))
	return r
}

// RegisterStateBackendFactory adds or replaces the backend for scheme.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	stateBackends.register(scheme, factory)
}

// StateBackendSchemes lists the schemes BuildStateBackendFromDSN accepts.
func StateBackendSchemes() []string {
	return stateBackends.schemes()
}

func (r *backendRegistry) register(scheme string, factory StateBackendFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
	delete(r.aliases, scheme)
	for _, alias := range aliases {
		r.aliases[normalizeBackendScheme(alias)] = scheme
	}
}

func (r *backendRegistry) lookup(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[scheme]; ok {
		scheme = canonical
	}
	factory, ok := r.factories[scheme]
	return factory, ok
}

func (r *backendRegistry) schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	return stateBackends.lookup(scheme)
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func fileBackendFactory(dsn string) (StateBackend, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewJSONFileStateBackend(path), nil
}

func sqliteBackendFactory(dsn string) (StateBackend, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func notImplementedFactory(scheme string) StateBackendFactory {
	return func(string) (StateBackend, error) {
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	}
}

func pathFromDSN(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return dsnPath(parsed, dsn)
}
