package failurelog

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const recordIDSuffixLen = 6

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// FailureRecord is one observed network failure attributed to a tab.
// Records are values; the log never mutates a stored record.
type FailureRecord struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	ResourceType string    `json:"type"`
	TabID        int       `json:"tabId"`
	FrameID      int       `json:"frameId"`
	Initiator    string    `json:"initiator,omitempty"`
	ErrorReason  string    `json:"error"`
	FromCache    bool      `json:"fromCache"`
	RemoteIP     string    `json:"ip,omitempty"`
	StatusLine   string    `json:"statusLine,omitempty"`
}

// UnmarshalJSON accepts "time" either as an RFC 3339 string or as epoch
// milliseconds, the form slots written by the browser extension carry.
func (r *FailureRecord) UnmarshalJSON(data []byte) error {
	type plain FailureRecord
	aux := struct {
		*plain
		Time json.RawMessage `json:"time"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t, err := parseRecordTime(aux.Time)
	if err != nil {
		return err
	}
	r.Time = t
	return nil
}

func parseRecordTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}, fmt.Errorf("record time: %w", err)
		}
		return t, nil
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("record time: %q is neither a timestamp nor epoch milliseconds", raw)
	}
	return time.Unix(0, int64(ms*float64(time.Millisecond))).UTC(), nil
}

// NetworkFailureEvent is the platform's description of a request that did
// not complete. A nil or negative TabID means the request was not issued by
// a tab (service workers, extension fetches) and is never recorded.
type NetworkFailureEvent struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"type"`
	TabID        *int   `json:"tabId"`
	FrameID      int    `json:"frameId"`
	Initiator    string `json:"initiator,omitempty"`
	DocumentURL  string `json:"documentUrl,omitempty"`
	Error        string `json:"error"`
	FromCache    bool   `json:"fromCache"`
	IP           string `json:"ip,omitempty"`
	StatusLine   string `json:"statusLine,omitempty"`
}

func (NetworkFailureEvent) isEvent() {}

// Attributable reports whether the event names a real tab.
func (e NetworkFailureEvent) Attributable() bool {
	return e.TabID != nil && *e.TabID >= 0
}

func NewFailureRecord(event NetworkFailureEvent, now time.Time) (FailureRecord, error) {
	if !event.Attributable() {
		return FailureRecord{}, ErrNotAttributable
	}
	initiator := strings.TrimSpace(event.Initiator)
	if initiator == "" {
		initiator = strings.TrimSpace(event.DocumentURL)
	}
	return FailureRecord{
		ID:           NewRecordID(now),
		Time:         now.UTC(),
		URL:          event.URL,
		Method:       event.Method,
		ResourceType: event.ResourceType,
		TabID:        *event.TabID,
		FrameID:      event.FrameID,
		Initiator:    initiator,
		ErrorReason:  event.Error,
		FromCache:    event.FromCache,
		RemoteIP:     strings.TrimSpace(event.IP),
		StatusLine:   strings.TrimSpace(event.StatusLine),
	}, nil
}

// NewRecordID returns "<unix-millis>-<random base36 suffix>". The suffix keeps
// ids distinct when a page fails many subresources in the same millisecond.
func NewRecordID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + randomSuffix(recordIDSuffixLen)
}

// randomSuffix draws uniformly from base36Alphabet, rejecting bytes past the
// largest multiple of its length.
func randomSuffix(n int) string {
	const limit = 256 - 256%len(base36Alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand does not fail on supported platforms; fall back to the clock.
			return strconv.FormatInt(time.Now().UnixNano()%1e9, 36)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, base36Alphabet[int(b)%len(base36Alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
