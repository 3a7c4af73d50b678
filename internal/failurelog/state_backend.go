package failurelog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const SnapshotSchemaVersion = 1

// Snapshot is the whole persisted slot: the failure log, newest first.
type Snapshot struct {
	SchemaVersion  int             `json:"schemaVersion"`
	FailedRequests []FailureRecord `json:"failedRequests"`
}

type StateBackend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string

	mu          sync.Mutex
	lastWritten string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (b *JSONFileStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		return err
	}
	b.lastWritten = fingerprint(data)
	return nil
}

// WrittenByUs reports whether data is exactly what this backend last saved.
func (b *JSONFileStateBackend) WrittenByUs(data []byte) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWritten != "" && b.lastWritten == fingerprint(data)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := validateSnapshotJSON(data); err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.SchemaVersion == 0 {
		snapshot.SchemaVersion = SnapshotSchemaVersion
	}
	return &snapshot, nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
