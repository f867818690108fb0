// Package cursor defines replication checkpoints and their wire encoding.
//
// A checkpoint is opaque to the replication engines. Only the storage
// backend or remote endpoint that produced it interprets it; callers treat it
// as a position to resume from. The zero position is a nil Cursor.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	KindInteger = "integer"
)

// Cursor is a position in a change stream.
type Cursor interface {
	Kind() string
}

// Codec for marshaling/unmarshaling cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)      // returns the Data part only
	Unmarshal(data json.RawMessage) (Cursor, error) // parse Data into a Cursor
}

// Registry maps cursor kinds to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry with the integer codec installed.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(integerCodec{})
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the registry used by packages that are not handed one.
// It only ever contains the built-in codecs unless a caller registers more.
func Default() *Registry { return defaultRegistry }

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

func (r *Registry) Lookup(kind string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.codecs[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024 // 64 KB

// WireCursor is the typed union used on the wire and in checkpoint storage.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalWire encodes c. A nil cursor encodes as nil.
func (r *Registry) MarshalWire(c Cursor) (*WireCursor, error) {
	if c == nil {
		return nil, nil
	}
	codec, ok := r.Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func (r *Registry) ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := r.Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

// UnmarshalWire decodes wc. A nil wire cursor decodes to the zero position.
func (r *Registry) UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, nil
	}
	if err := r.ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := r.Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// Encode returns the JSON form of c, or nil for the zero position.
func (r *Registry) Encode(c Cursor) ([]byte, error) {
	wc, err := r.MarshalWire(c)
	if err != nil || wc == nil {
		return nil, err
	}
	return json.Marshal(wc)
}

// Decode parses the output of Encode. Empty input is the zero position.
func (r *Registry) Decode(data []byte) (Cursor, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var wc WireCursor
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return r.UnmarshalWire(&wc)
}

// ErrIncomparable is returned when two cursors of different kinds are compared.
var ErrIncomparable = errors.New("cursors of different kinds are not comparable")

// Comparable cursors define a total order within their kind.
type Comparable interface {
	Cursor
	Compare(other Cursor) int
}

// Compare orders a and b. The nil cursor sorts before everything.
func Compare(a, b Cursor) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	if a.Kind() != b.Kind() {
		return 0, ErrIncomparable
	}
	ac, ok := a.(Comparable)
	if !ok {
		return 0, fmt.Errorf("cursor kind %s is not ordered", a.Kind())
	}
	return ac.Compare(b), nil
}

// Equal reports whether a and b name the same position.
func Equal(a, b Cursor) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// IntegerCursor is a simple high-water mark (seq).
type IntegerCursor struct {
	Seq uint64
}

func (IntegerCursor) Kind() string { return KindInteger }

func (ic IntegerCursor) Compare(other Cursor) int {
	oc, ok := other.(IntegerCursor)
	if !ok {
		return 1
	}
	switch {
	case ic.Seq < oc.Seq:
		return -1
	case ic.Seq > oc.Seq:
		return 1
	}
	return 0
}

func (ic IntegerCursor) String() string {
	return strconv.FormatUint(ic.Seq, 10)
}

func (ic IntegerCursor) IsZero() bool {
	return ic.Seq == 0
}

// NewInteger creates a new IntegerCursor with the given sequence number
func NewInteger(seq uint64) IntegerCursor {
	return IntegerCursor{Seq: seq}
}

// Seq returns the sequence of an integer cursor; nil and other kinds are 0.
func Seq(c Cursor) uint64 {
	if ic, ok := c.(IntegerCursor); ok {
		return ic.Seq
	}
	return 0
}

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return IntegerCursor{Seq: seq}, nil
}
