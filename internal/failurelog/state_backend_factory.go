package failurelog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(snapshot *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// BuildStateBackendFromDSN picks a backend by scheme: memory://, file://path
// (or a bare path), postgres://, sqlite://path, or any registered scheme.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	factory, ok := lookupStateBackendFactory(parsed.Scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported state backend scheme %q (known: %s)",
			normalizeBackendScheme(parsed.Scheme), strings.Join(StateBackendSchemes(), ", "))
	}
	return factory(dsn)
}

// BackendKind names a backend for status output.
func BackendKind(backend StateBackend) string {
	switch backend.(type) {
	case nil:
		return "none"
	case *InMemoryStateBackend:
		return "memory"
	case *JSONFileStateBackend:
		return "file"
	case *PostgresStateBackend:
		return "postgres"
	case *SQLiteStateBackend:
		return "sqlite"
	default:
		return fmt.Sprintf("%T", backend)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://data/failures.db parses "data" as the host.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
