package synckit

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResolutionRecord captures one conflict resolution for auditing. It holds
// revisions and changed field names, not document contents.
type ResolutionRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Handler    string    `json:"handler,omitempty"`
	DocumentID string    `json:"document_id"`

	NewRev      string `json:"new_rev"`
	AssumedRev  string `json:"assumed_rev,omitempty"`
	RealRev     string `json:"real_rev"`
	ResolvedRev string `json:"resolved_rev,omitempty"`

	ChangedFields []string `json:"changed_fields,omitempty"`
	IsEqual       bool     `json:"is_equal"`
	KeptMaster    bool     `json:"kept_master"`
	Error         string   `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// ResolutionLog is a bounded in-memory history of resolutions. When full,
// the oldest record is dropped.
type ResolutionLog struct {
	mu       sync.RWMutex
	records  []ResolutionRecord
	next     int
	full     bool
	capacity int
}

// NewResolutionLog keeps up to capacity records. A non-positive capacity
// defaults to 1000.
func NewResolutionLog(capacity int) *ResolutionLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ResolutionLog{records: make([]ResolutionRecord, capacity), capacity: capacity}
}

func newResolutionRecord(handler string, in ConflictInput) ResolutionRecord {
	rec := ResolutionRecord{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		Handler:       handler,
		DocumentID:    in.RealMasterState.ID,
		NewRev:        in.NewState.Rev,
		RealRev:       in.RealMasterState.Rev,
		ChangedFields: changedFields(in.NewState, in.RealMasterState),
	}
	if in.AssumedMasterState != nil {
		rec.AssumedRev = in.AssumedMasterState.Rev
	}
	return rec
}

func (rec *ResolutionRecord) complete(in ConflictInput, out ConflictOutput, err error, d time.Duration) {
	rec.Duration = d
	if err != nil {
		rec.Error = err.Error()
		return
	}
	rec.IsEqual = out.IsEqual
	if out.Resolved != nil {
		rec.ResolvedRev = out.Resolved.Rev
		rec.KeptMaster = SameDocument(*out.Resolved, in.RealMasterState)
	}
}

// Add appends rec.
func (l *ResolutionLog) Add(rec ResolutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = rec
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
}

// Records returns the history, oldest first.
func (l *ResolutionLog) Records() []ResolutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.full {
		return append([]ResolutionRecord(nil), l.records[:l.next]...)
	}
	out := make([]ResolutionRecord, 0, l.capacity)
	out = append(out, l.records[l.next:]...)
	return append(out, l.records[:l.next]...)
}

// ForDocument returns the records of one document, oldest first.
func (l *ResolutionLog) ForDocument(id string) []ResolutionRecord {
	var out []ResolutionRecord
	for _, rec := range l.Records() {
		if rec.DocumentID == id {
			out = append(out, rec)
		}
	}
	return out
}

// Since returns the records at or after t.
func (l *ResolutionLog) Since(t time.Time) []ResolutionRecord {
	var out []ResolutionRecord
	for _, rec := range l.Records() {
		if !rec.Timestamp.Before(t) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of retained records.
func (l *ResolutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.capacity
	}
	return l.next
}

// MarshalJSON exports the history as a JSON array.
func (l *ResolutionLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Records())
}

// changedFields lists the top-level fields whose values differ, sorted.
func changedFields(a, b DocumentState) []string {
	var out []string
	for k, av := range a.Data {
		if bv, ok := b.Data[k]; !ok || !valuesEqual(av, bv) {
			out = append(out, k)
		}
	}
	for k := range b.Data {
		if _, ok := a.Data[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
