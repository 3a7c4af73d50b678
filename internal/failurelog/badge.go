package failurelog

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

type BadgeKind string

const (
	BadgeOK      BadgeKind = "ok"
	BadgeFailing BadgeKind = "failing"
)

const (
	BadgeColorOK      = "#0a0"
	BadgeColorFailing = "#a00"
	BadgeIconOK       = "icon_good.png"
	BadgeIconFailing  = "icon_bad.png"
)

// BadgeState is the per-tab indicator, always derived from the log.
type BadgeState struct {
	TabID int       `json:"tabId"`
	Count int       `json:"count"`
	Kind  BadgeKind `json:"kind"`
	Text  string    `json:"text"`
	Color string    `json:"color"`
	Icon  string    `json:"icon"`
}

func NewBadgeState(tabID, count int) BadgeState {
	if count <= 0 {
		return BadgeState{TabID: tabID, Count: 0, Kind: BadgeOK, Text: "0", Color: BadgeColorOK, Icon: BadgeIconOK}
	}
	return BadgeState{
		TabID: tabID,
		Count: count,
		Kind:  BadgeFailing,
		Text:  strconv.Itoa(count),
		Color: BadgeColorFailing,
		Icon:  BadgeIconFailing,
	}
}

// BadgeRenderer paints a badge on the platform's per-tab indicator.
type BadgeRenderer interface {
	RenderBadge(ctx context.Context, state BadgeState) error
}

type BadgeRendererFunc func(ctx context.Context, state BadgeState) error

func (f BadgeRendererFunc) RenderBadge(ctx context.Context, state BadgeState) error {
	return f(ctx, state)
}

type BadgeSynchronizer struct {
	log      *Log
	renderer BadgeRenderer
}

func NewBadgeSynchronizer(log *Log, renderer BadgeRenderer) *BadgeSynchronizer {
	if renderer == nil {
		renderer = NewBadgeBoard(nil)
	}
	return &BadgeSynchronizer{log: log, renderer: renderer}
}

// Refresh recomputes the tab's count from scratch and renders it.
func (s *BadgeSynchronizer) Refresh(ctx context.Context, tabID int) (BadgeState, error) {
	records, err := s.log.QueryByTab(ctx, tabID)
	if err != nil {
		return BadgeState{}, err
	}
	state := NewBadgeState(tabID, len(records))
	if err := s.renderer.RenderBadge(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// RefreshActive refreshes the active tab; with no active tab it does nothing.
func (s *BadgeSynchronizer) RefreshActive(ctx context.Context, tabs TabTracker) (BadgeState, bool, error) {
	if tabs == nil {
		return BadgeState{}, false, nil
	}
	tabID, ok := tabs.ActiveTab()
	if !ok {
		return BadgeState{}, false, nil
	}
	state, err := s.Refresh(ctx, tabID)
	return state, true, err
}

// BadgeBoard is an in-memory renderer that remembers the last badge drawn
// for every tab and announces each one through the broadcaster.
type BadgeBoard struct {
	mu        sync.RWMutex
	states    map[int]BadgeState
	notifier  *Broadcaster
	renderSeq uint64
}

func NewBadgeBoard(notifier *Broadcaster) *BadgeBoard {
	return &BadgeBoard{states: map[int]BadgeState{}, notifier: notifier}
}

func (b *BadgeBoard) RenderBadge(_ context.Context, state BadgeState) error {
	b.mu.Lock()
	b.states[state.TabID] = state
	b.renderSeq++
	b.mu.Unlock()
	if b.notifier != nil {
		badge := state
		b.notifier.Publish(Notification{Type: NotificationBadgeUpdated, Badge: &badge})
	}
	return nil
}

func (b *BadgeBoard) Badge(tabID int) (BadgeState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[tabID]
	return state, ok
}

// Renders counts RenderBadge calls.
func (b *BadgeBoard) Renders() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.renderSeq
}

func (b *BadgeBoard) Snapshot() []BadgeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BadgeState, 0, len(b.states))
	for _, state := range b.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}
