package cursor

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIntegerCursor(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name   string
		cursor IntegerCursor
	}{
		{name: "zero", cursor: IntegerCursor{Seq: 0}},
		{name: "positive", cursor: IntegerCursor{Seq: 123}},
		{name: "max", cursor: IntegerCursor{Seq: ^uint64(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := reg.MarshalWire(tt.cursor)
			if err != nil {
				t.Fatalf("MarshalWire() error = %v", err)
			}
			if wire.Kind != KindInteger {
				t.Errorf("MarshalWire() kind = %q", wire.Kind)
			}

			got, err := reg.UnmarshalWire(wire)
			if err != nil {
				t.Fatalf("UnmarshalWire() error = %v", err)
			}
			ic, ok := got.(IntegerCursor)
			if !ok {
				t.Fatalf("UnmarshalWire() got = %T, want IntegerCursor", got)
			}
			if ic.Seq != tt.cursor.Seq {
				t.Errorf("UnmarshalWire() got = %v, want %v", ic.Seq, tt.cursor.Seq)
			}
		})
	}
}

func TestWireCursor_InvalidKind(t *testing.T) {
	wire := &WireCursor{
		Kind: "invalid",
		Data: json.RawMessage(`123`),
	}

	if _, err := NewRegistry().UnmarshalWire(wire); err == nil {
		t.Error("UnmarshalWire() expected error for invalid kind")
	}
}

func TestWireCursor_SizeLimit(t *testing.T) {
	wire := &WireCursor{
		Kind: KindInteger,
		Data: json.RawMessage(strings.Repeat("1", maxWireCursorSize+1)),
	}
	if err := NewRegistry().ValidateWireCursor(wire); err == nil {
		t.Error("ValidateWireCursor() expected error for oversized payload")
	}
}

func TestEncodeDecode(t *testing.T) {
	reg := NewRegistry()

	data, err := reg.Encode(NewInteger(42))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != `{"kind":"integer","data":42}` {
		t.Errorf("Encode() = %s", data)
	}

	c, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if Seq(c) != 42 {
		t.Errorf("Decode() = %v", c)
	}

	for _, empty := range [][]byte{nil, []byte("null")} {
		c, err := reg.Decode(empty)
		if err != nil || c != nil {
			t.Errorf("Decode(%q) = %v, %v; want zero position", empty, c, err)
		}
	}

	zero, err := reg.Encode(nil)
	if err != nil || zero != nil {
		t.Errorf("Encode(nil) = %q, %v", zero, err)
	}
}

type opaqueCursor struct{}

func (opaqueCursor) Kind() string { return "opaque" }

func TestCompare(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Cursor
		want    int
		wantErr bool
	}{
		{name: "both nil", a: nil, b: nil, want: 0},
		{name: "nil before value", a: nil, b: NewInteger(0), want: -1},
		{name: "value after nil", a: NewInteger(1), b: nil, want: 1},
		{name: "less", a: NewInteger(1), b: NewInteger(2), want: -1},
		{name: "greater", a: NewInteger(5), b: NewInteger(2), want: 1},
		{name: "equal", a: NewInteger(7), b: NewInteger(7), want: 0},
		{name: "different kinds", a: NewInteger(7), b: opaqueCursor{}, wantErr: true},
		{name: "unordered kind", a: opaqueCursor{}, b: opaqueCursor{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Compare() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"kind":"integer","data":1}`))
	f.Add([]byte(`{"kind":"integer","data":18446744073709551615}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"kind":"","data":null}`))
	f.Add([]byte(`{"kind":"unknown","data":"test"}`))
	f.Add([]byte(`{"kind":"integer","data":-1}`))
	f.Add([]byte(`not json`))

	reg := NewRegistry()
	f.Fuzz(func(t *testing.T, data []byte) {
		c, err := reg.Decode(data)
		if err != nil {
			return
		}
		if c == nil {
			return
		}
		again, err := reg.Encode(c)
		if err != nil {
			t.Fatalf("Encode after successful Decode failed: %v", err)
		}
		back, err := reg.Decode(again)
		if err != nil || !Equal(c, back) {
			t.Fatalf("round trip mismatch: %v vs %v (%v)", c, back, err)
		}
	})
}
