package failurelog

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrStorage         = errors.New("storage error")
	ErrNotAttributable = errors.New("event not attributable to a tab")
	ErrClosed          = errors.New("failure log closed")
	ErrNotImplemented  = errors.New("not implemented")
)

const (
	DefaultMaxRecords = 500
	defaultQueueSize  = 256
)

// StorageError reports a failed read or write of the persisted slot. After
// one, the caller must not assume memory and storage agree.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage " + e.Op + " failed"
	}
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

type Logger interface {
	Printf(format string, args ...any)
}

type LogOptions struct {
	Backend    StateBackend
	MaxRecords int
	QueueSize  int
	Logger     Logger
	Debug      bool
}

// Log is the bounded, newest-first failure log. Every mutation is a full
// read-modify-write of the backend slot, executed by a single worker in
// admission order so two writers can never interleave.
type Log struct {
	backend    StateBackend
	maxRecords int
	logger     Logger
	debug      bool

	admitMu   sync.RWMutex
	closed    bool
	mutations chan mutation
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type mutationKind string

const (
	mutationAppend mutationKind = "append"
	mutationRemove mutationKind = "remove"
	mutationClear  mutationKind = "clear"
)

type mutation struct {
	ctx    context.Context
	kind   mutationKind
	record FailureRecord
	id     string
	result chan mutationResult
}

type mutationResult struct {
	record FailureRecord
	err    error
}

func NewLog(opts LogOptions) *Log {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	l := &Log{
		backend:    backend,
		maxRecords: maxRecords,
		logger:     opts.Logger,
		debug:      opts.Debug,
		mutations:  make(chan mutation, queueSize),
		done:       make(chan struct{}),
	}
	go l.mutationWorker()
	return l
}

func (l *Log) MaxRecords() int {
	return l.maxRecords
}

func (l *Log) Backend() StateBackend {
	return l.backend
}

// Pending is the number of admitted mutations not yet picked up.
func (l *Log) Pending() int {
	return len(l.mutations)
}

// Append stores record at the front of the log, evicting the oldest records
// beyond capacity. The stored record is returned; its id is redrawn in the
// unlikely case it collides with one already in the log.
func (l *Log) Append(ctx context.Context, record FailureRecord) (FailureRecord, error) {
	if record.ID == "" || record.TabID < 0 {
		return FailureRecord{}, ErrInvalidInput
	}
	return l.submit(ctx, mutation{kind: mutationAppend, record: record})
}

// RemoveByID drops the record with the given id. An unknown id is a no-op.
func (l *Log) RemoveByID(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	_, err := l.submit(ctx, mutation{kind: mutationRemove, id: id})
	return err
}

func (l *Log) Clear(ctx context.Context) error {
	_, err := l.submit(ctx, mutation{kind: mutationClear})
	return err
}

func (l *Log) List(ctx context.Context) ([]FailureRecord, error) {
	return l.load(ctx)
}

// QueryByTab returns the tab's records, newest first.
func (l *Log) QueryByTab(ctx context.Context, tabID int) ([]FailureRecord, error) {
	records, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]FailureRecord, 0)
	for _, record := range records {
		if record.TabID == tabID {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (l *Log) CountByTab(ctx context.Context) (map[int]int, error) {
	records, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[int]int{}
	for _, record := range records {
		counts[record.TabID]++
	}
	return counts, nil
}

// Close stops admitting mutations, waits for every admitted one to finish,
// then closes the backend when it holds resources.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.admitMu.Lock()
		l.closed = true
		close(l.mutations)
		l.admitMu.Unlock()
		<-l.done
		if closer, ok := l.backend.(stateBackendCloser); ok {
			l.closeErr = closer.Close()
		}
	})
	return l.closeErr
}

func (l *Log) submit(ctx context.Context, m mutation) (FailureRecord, error) {
	// admitted mutations run to completion even if the caller stops waiting
	m.ctx = context.WithoutCancel(ctx)
	m.result = make(chan mutationResult, 1)

	l.admitMu.RLock()
	if l.closed {
		l.admitMu.RUnlock()
		return FailureRecord{}, ErrClosed
	}
	select {
	case l.mutations <- m:
		l.admitMu.RUnlock()
	case <-ctx.Done():
		l.admitMu.RUnlock()
		return FailureRecord{}, ctx.Err()
	}

	select {
	case res := <-m.result:
		return res.record, res.err
	case <-ctx.Done():
		return FailureRecord{}, ctx.Err()
	}
}

func (l *Log) mutationWorker() {
	defer close(l.done)
	for m := range l.mutations {
		record, err := l.apply(m)
		if err != nil {
			l.debugf("failure log: dropped %s mutation: %v", m.kind, err)
		}
		m.result <- mutationResult{record: record, err: err}
	}
}

func (l *Log) apply(m mutation) (FailureRecord, error) {
	if m.kind == mutationClear {
		return FailureRecord{}, l.save(m.ctx, []FailureRecord{})
	}
	current, err := l.load(m.ctx)
	if err != nil {
		return FailureRecord{}, err
	}
	switch m.kind {
	case mutationAppend:
		record := m.record
		for containsRecordID(current, record.ID) {
			record.ID = NewRecordID(record.Time)
		}
		next := make([]FailureRecord, 0, len(current)+1)
		next = append(next, record)
		next = append(next, current...)
		if len(next) > l.maxRecords {
			next = next[:l.maxRecords]
		}
		return record, l.save(m.ctx, next)
	case mutationRemove:
		next := make([]FailureRecord, 0, len(current))
		for _, record := range current {
			if record.ID != m.id {
				next = append(next, record)
			}
		}
		if len(next) == len(current) {
			return FailureRecord{}, nil
		}
		return FailureRecord{}, l.save(m.ctx, next)
	default:
		return FailureRecord{}, ErrInvalidInput
	}
}

func (l *Log) load(ctx context.Context) ([]FailureRecord, error) {
	snapshot, err := l.backend.Load(ctx)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	if snapshot == nil || len(snapshot.FailedRequests) == 0 {
		return []FailureRecord{}, nil
	}
	return snapshot.FailedRequests, nil
}

func (l *Log) save(ctx context.Context, records []FailureRecord) error {
	snapshot := &Snapshot{
		SchemaVersion:  SnapshotSchemaVersion,
		FailedRequests: records,
	}
	if err := l.backend.Save(ctx, snapshot); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

func (l *Log) debugf(format string, args ...any) {
	if l.logger == nil || !l.debug {
		return
	}
	l.logger.Printf(format, args...)
}

func containsRecordID(records []FailureRecord, id string) bool {
	for _, record := range records {
		if record.ID == id {
			return true
		}
	}
	return false
}
