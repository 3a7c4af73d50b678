package failurelog

import "sync"

// Event is anything the router consumes from its bus.
type Event interface {
	isEvent()
}

const TabStatusComplete = "complete"

type TabActivatedEvent struct {
	TabID int `json:"tabId"`
}

type TabUpdatedEvent struct {
	TabID  int    `json:"tabId"`
	Status string `json:"status"`
	Active bool   `json:"active"`
}

type TabRemovedEvent struct {
	TabID int `json:"tabId"`
}

// StartupEvent fires on install and on process start so the indicator shows
// persisted state instead of a default.
type StartupEvent struct {
	Reason      string `json:"reason"`
	ActiveTabID *int   `json:"activeTabId,omitempty"`
}

// ExternalChangeEvent means the slot was rewritten by someone else.
type ExternalChangeEvent struct {
	Source string `json:"source"`
}

type clearRequest struct {
	reply chan Response
}

type removeRequest struct {
	id    string
	reply chan Response
}

func (TabActivatedEvent) isEvent()   {}
func (TabUpdatedEvent) isEvent()     {}
func (TabRemovedEvent) isEvent()     {}
func (StartupEvent) isEvent()        {}
func (ExternalChangeEvent) isEvent() {}
func (clearRequest) isEvent()        {}
func (removeRequest) isEvent()       {}

const (
	MessageClearFailures = "clear-failures"
	MessageRemoveFailure = "remove-failure"
)

// Message is a request from an inspection surface.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TabTracker holds the "current tab" notion for one browsing session.
type TabTracker interface {
	ActiveTab() (int, bool)
	SetActive(tabID int)
	Forget(tabID int)
}

type ActiveTabs struct {
	mu     sync.RWMutex
	active int
	known  bool
}

func NewActiveTabs() *ActiveTabs {
	return &ActiveTabs{}
}

func (t *ActiveTabs) ActiveTab() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active, t.known
}

func (t *ActiveTabs) SetActive(tabID int) {
	if tabID < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = tabID
	t.known = true
}

func (t *ActiveTabs) Forget(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && t.active == tabID {
		t.known = false
		t.active = 0
	}
}
