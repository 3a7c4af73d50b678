package mountsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/surface"
)

const (
	tabDirPrefix  = "tab-"
	badgeFileName = "badge.json"
	recordFileExt = ".json"
	stateFileName = ".failmon-mount-state.json"
)

type SyncerOptions struct {
	LocalRoot string
	StateFile string
	Logger    Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Syncer mirrors the failure log into LocalRoot as
// tab-<id>/<record-id>.json plus a badge.json per tab. A record file the
// user deletes becomes a remove-failure request on the next cycle.
type Syncer struct {
	client    surface.Client
	localRoot string
	stateFile string
	logger    Logger
	state     mountState
	loaded    bool
}

type mountState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	TabID int    `json:"tabId"`
	Path  string `json:"path"`
	Hash  string `json:"hash"`
}

type SyncStats struct {
	Written int
	Pruned  int
	Removed int
}

func NewSyncer(client surface.Client, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, stateFileName)
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    opts.Logger,
		state: mountState{
			Files: map[string]trackedFile{},
		},
	}, nil
}

func (s *Syncer) LocalRoot() string {
	return s.localRoot
}

func (s *Syncer) SyncOnce(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	if err := s.loadState(); err != nil {
		return stats, err
	}
	removed, err := s.pushLocalDeletes(ctx)
	stats.Removed = removed
	if err != nil {
		return stats, err
	}
	written, pruned, err := s.pullRemote(ctx)
	stats.Written, stats.Pruned = written, pruned
	if err != nil {
		return stats, err
	}
	return stats, s.saveState()
}

// pushLocalDeletes issues remove-failure for every tracked record whose
// file is gone from the mirror.
func (s *Syncer) pushLocalDeletes(ctx context.Context) (int, error) {
	ids := make([]string, 0, len(s.state.Files))
	for id := range s.state.Files {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	removed := 0
	for _, id := range ids {
		tracked := s.state.Files[id]
		if _, err := os.Stat(filepath.Join(s.localRoot, tracked.Path)); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		if err := s.client.Remove(ctx, id); err != nil && !surface.IsNotFound(err) {
			return removed, fmt.Errorf("remove %s: %w", id, err)
		}
		s.logf("removed failure %s after local delete", id)
		delete(s.state.Files, id)
		removed++
	}
	return removed, nil
}

func (s *Syncer) pullRemote(ctx context.Context) (int, int, error) {
	records, err := s.client.ListFailures(ctx)
	if err != nil {
		return 0, 0, err
	}
	wanted := make(map[string]failurelog.FailureRecord, len(records))
	counts := map[int]int{}
	for _, record := range records {
		wanted[record.ID] = record
		counts[record.TabID]++
	}

	written := 0
	for _, record := range records {
		relPath := recordPath(record)
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return written, 0, err
		}
		hash := hashBytes(data)
		localPath := filepath.Join(s.localRoot, relPath)
		if tracked, ok := s.state.Files[record.ID]; ok && tracked.Hash == hash {
			if _, statErr := os.Stat(localPath); statErr == nil {
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return written, 0, err
		}
		if err := writeFileAtomic(localPath, data, 0o644); err != nil {
			return written, 0, err
		}
		s.state.Files[record.ID] = trackedFile{TabID: record.TabID, Path: relPath, Hash: hash}
		written++
	}

	pruned := 0
	for id, tracked := range s.state.Files {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.localRoot, tracked.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return written, pruned, err
		}
		delete(s.state.Files, id)
		pruned++
	}

	if err := s.writeBadges(counts); err != nil {
		return written, pruned, err
	}
	return written, pruned, nil
}

// writeBadges refreshes badge.json in every tab directory and drops
// directories of tabs that no longer have records.
func (s *Syncer) writeBadges(counts map[int]int) error {
	entries, err := os.ReadDir(s.localRoot)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tabID, ok := parseTabDir(entry.Name())
		if !ok {
			continue
		}
		if counts[tabID] > 0 {
			continue
		}
		dir := filepath.Join(s.localRoot, entry.Name())
		_ = os.Remove(filepath.Join(dir, badgeFileName))
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logf("keeping %s: %v", dir, err)
		}
	}
	for tabID, count := range counts {
		data, err := json.MarshalIndent(failurelog.NewBadgeState(tabID, count), "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(s.localRoot, tabDirName(tabID), badgeFileName)
		if existing, readErr := os.ReadFile(path); readErr == nil && hashBytes(existing) == hashBytes(data) {
			continue
		}
		if err := writeFileAtomic(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return err
	}
	var state mountState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func tabDirName(tabID int) string {
	return tabDirPrefix + strconv.Itoa(tabID)
}

func parseTabDir(name string) (int, bool) {
	if !strings.HasPrefix(name, tabDirPrefix) {
		return 0, false
	}
	tabID, err := strconv.Atoi(strings.TrimPrefix(name, tabDirPrefix))
	if err != nil || tabID < 0 {
		return 0, false
	}
	return tabID, true
}

func recordPath(record failurelog.FailureRecord) string {
	return filepath.Join(tabDirName(record.TabID), sanitizeFileName(record.ID)+recordFileExt)
}

// IsRecordFile reports whether name looks like a mirrored record file.
func IsRecordFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, recordFileExt) && base != badgeFileName && !strings.HasPrefix(base, ".")
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
