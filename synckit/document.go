package synckit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/zeebo/blake3"
)

// DocumentState is the full state of one document at one revision.
// Values handed out by storage are copies; mutating them has no effect on
// what is stored.
type DocumentState struct {
	ID        string         `json:"id" bson:"_id"`
	Data      map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Deleted   bool           `json:"deleted" bson:"deleted"`
	Rev       string         `json:"rev" bson:"rev"`
	UpdatedAt int64          `json:"updatedAt" bson:"updatedAt"`
}

// Height returns the numeric prefix of the revision, 0 when unset.
func (d DocumentState) Height() int {
	h, _, _ := strings.Cut(d.Rev, "-")
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// Clone returns a deep copy of d.
func (d DocumentState) Clone() DocumentState {
	d.Data = cloneMap(d.Data)
	return d
}

// Ptr returns a pointer to a copy of d.
func (d DocumentState) Ptr() *DocumentState {
	c := d.Clone()
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}

type canonicalDoc struct {
	ID      string         `json:"id"`
	Data    map[string]any `json:"data"`
	Deleted bool           `json:"deleted"`
}

// ContentHash hashes the identity, data and deletion flag of doc. The
// revision and timestamp do not contribute, so two peers that arrive at the
// same content compute the same hash.
func ContentHash(doc DocumentState) string {
	data := doc.Data
	if data == nil {
		data = map[string]any{}
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(canonicalDoc{ID: doc.ID, Data: data, Deleted: doc.Deleted})
	if err != nil {
		b = []byte(fmt.Sprintf("%s|%v|%v", doc.ID, data, doc.Deleted))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// NewRevision returns the revision doc gets when written on top of prev.
func NewRevision(prev *DocumentState, doc DocumentState) string {
	height := 1
	if prev != nil {
		height = prev.Height() + 1
	}
	return strconv.Itoa(height) + "-" + ContentHash(doc)
}

// NextState stamps doc as the successor of prev: a fresh revision and the
// current time.
func NextState(prev *DocumentState, doc DocumentState) DocumentState {
	next := doc.Clone()
	next.Rev = NewRevision(prev, doc)
	next.UpdatedAt = time.Now().UnixMilli()
	return next
}

// NewDocument builds the first revision of a document.
func NewDocument(id string, data map[string]any) DocumentState {
	return NextState(nil, DocumentState{ID: id, Data: data})
}

// Update returns the successor of prev with data replacing its content.
func Update(prev DocumentState, data map[string]any) DocumentState {
	return NextState(&prev, DocumentState{ID: prev.ID, Data: data})
}

// MarkDeleted returns the tombstone successor of prev. The data is kept so
// conflict handlers can still inspect what was deleted.
func MarkDeleted(prev DocumentState) DocumentState {
	return NextState(&prev, DocumentState{ID: prev.ID, Data: prev.Data, Deleted: true})
}

// ApplyMergePatch applies an RFC 7386 merge patch to prev's data and returns
// the successor state.
func ApplyMergePatch(prev DocumentState, patch []byte) (DocumentState, error) {
	original := prev.Data
	if original == nil {
		original = map[string]any{}
	}
	src, err := json.Marshal(original)
	if err != nil {
		return DocumentState{}, fmt.Errorf("encode document %s: %w", prev.ID, err)
	}
	merged, err := jsonpatch.MergePatch(src, patch)
	if err != nil {
		return DocumentState{}, fmt.Errorf("merge patch document %s: %w", prev.ID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(merged, &data); err != nil {
		return DocumentState{}, fmt.Errorf("decode patched document %s: %w", prev.ID, err)
	}
	return NextState(&prev, DocumentState{ID: prev.ID, Data: data, Deleted: prev.Deleted}), nil
}

// SwapDeletedField maps an application's own deletion field inside Data onto
// the Deleted flag, removing the field from Data. It is a no-op when field
// is empty.
func SwapDeletedField(field string, doc DocumentState) DocumentState {
	if field == "" {
		return doc
	}
	out := doc.Clone()
	if v, ok := out.Data[field]; ok {
		b, _ := v.(bool)
		out.Deleted = b
		delete(out.Data, field)
	}
	return out
}

// SwapToDeletedField is the inverse of SwapDeletedField.
func SwapToDeletedField(field string, doc DocumentState) DocumentState {
	if field == "" {
		return doc
	}
	out := doc.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	out.Data[field] = out.Deleted
	out.Deleted = false
	return out
}

// DocumentToMap converts doc to a generic map, the representation meta
// documents use to embed states.
func DocumentToMap(doc DocumentState) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DocumentFromMap is the inverse of DocumentToMap.
func DocumentFromMap(m map[string]any) (DocumentState, error) {
	var doc DocumentState
	b, err := json.Marshal(m)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(b, &doc)
	return doc, err
}
