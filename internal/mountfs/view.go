// Package mountfs exposes the failure log as a read-only FUSE tree:
//
//	/tab-<id>/<record-id>.json
//	/tab-<id>/badge.json
//
// Unlinking a record file removes that failure from the log.
package mountfs

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/tidwall/pretty"
)

const (
	tabDirPrefix  = "tab-"
	badgeFileName = "badge.json"
	recordFileExt = ".json"
)

// view is one listing of the log grouped by tab, newest first.
type view struct {
	tabs map[int][]failurelog.FailureRecord
}

func buildView(records []failurelog.FailureRecord) view {
	v := view{tabs: map[int][]failurelog.FailureRecord{}}
	for _, record := range records {
		v.tabs[record.TabID] = append(v.tabs[record.TabID], record)
	}
	return v
}

func (v view) tabIDs() []int {
	ids := make([]int, 0, len(v.tabs))
	for id := range v.tabs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (v view) rootEntries() []fuse.DirEntry {
	ids := v.tabIDs()
	entries := make([]fuse.DirEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, fuse.DirEntry{Name: tabDirName(id), Mode: fuse.S_IFDIR})
	}
	return entries
}

func (v view) tabEntries(tabID int) []fuse.DirEntry {
	records := v.tabs[tabID]
	entries := make([]fuse.DirEntry, 0, len(records)+1)
	entries = append(entries, fuse.DirEntry{Name: badgeFileName, Mode: fuse.S_IFREG})
	for _, record := range records {
		entries = append(entries, fuse.DirEntry{Name: recordFileName(record.ID), Mode: fuse.S_IFREG})
	}
	return entries
}

func (v view) record(tabID int, name string) (failurelog.FailureRecord, bool) {
	id, ok := recordIDFromName(name)
	if !ok {
		return failurelog.FailureRecord{}, false
	}
	for _, record := range v.tabs[tabID] {
		if record.ID == id {
			return record, true
		}
	}
	return failurelog.FailureRecord{}, false
}

func (v view) badge(tabID int) failurelog.BadgeState {
	return failurelog.NewBadgeState(tabID, len(v.tabs[tabID]))
}

func renderJSON(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return pretty.Pretty(data), nil
}

func tabDirName(tabID int) string {
	return tabDirPrefix + strconv.Itoa(tabID)
}

func parseTabDir(name string) (int, bool) {
	if !strings.HasPrefix(name, tabDirPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, tabDirPrefix))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func recordFileName(id string) string {
	return id + recordFileExt
}

func recordIDFromName(name string) (string, bool) {
	if name == badgeFileName || !strings.HasSuffix(name, recordFileExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, recordFileExt)
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", false
	}
	return id, true
}
