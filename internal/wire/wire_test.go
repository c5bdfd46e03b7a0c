package wire

import (
	"bytes"
	"testing"
)

func TestWriterDecodeRoundTrip(t *testing.T) {
	w := NewWriter().
		PutBytes('d', []byte("hello")).
		PutUint32('n', 42).
		PutUint64('c', 1<<40).
		PutBool('r', true)

	fields, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("got %d fields, want 4", len(fields))
	}

	d, ok := Lookup(fields, 'd')
	if !ok || !bytes.Equal(d, []byte("hello")) {
		t.Fatalf("field d = %q, ok=%v", d, ok)
	}
	n, ok, err := Uint32At(fields, 'n')
	if err != nil || !ok || n != 42 {
		t.Fatalf("field n = %d, ok=%v, err=%v", n, ok, err)
	}
	c, ok, err := Uint64At(fields, 'c')
	if err != nil || !ok || c != 1<<40 {
		t.Fatalf("field c = %d, ok=%v, err=%v", c, ok, err)
	}
	r, ok, err := BoolAt(fields, 'r')
	if err != nil || !ok || !r {
		t.Fatalf("field r = %v, ok=%v, err=%v", r, ok, err)
	}
}

func TestLookupMissing(t *testing.T) {
	fields, err := Decode(NewWriter().PutBytes('a', []byte("x")).Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := Lookup(fields, 'z'); ok {
		t.Fatalf("expected tag 'z' to be absent")
	}
	if _, ok, err := Uint32At(fields, 'z'); ok || err != nil {
		t.Fatalf("expected absent uint32 field, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeEmpty(t *testing.T) {
	fields, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(fields))
	}
}

func TestDecodeTruncated(t *testing.T) {
	w := NewWriter().PutBytes('a', []byte("hello world"))
	truncated := w.Bytes()[:len(w.Bytes())-3]
	if _, err := Decode(truncated); err == nil {
		t.Fatalf("expected error decoding truncated stream")
	}
}

func TestUint32AtWrongLength(t *testing.T) {
	fields, err := Decode(NewWriter().PutBytes('n', []byte{1, 2}).Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, _, err := Uint32At(fields, 'n'); err == nil {
		t.Fatalf("expected error for wrong-length uint32 field")
	}
}

func TestFieldOrderPreserved(t *testing.T) {
	w := NewWriter().PutBytes('a', []byte("1")).PutBytes('b', []byte("2")).PutBytes('a', []byte("3"))
	fields, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var tags []byte
	for _, f := range fields {
		tags = append(tags, f.Tag)
	}
	if !bytes.Equal(tags, []byte{'a', 'b', 'a'}) {
		t.Fatalf("tags = %v, want [a b a]", tags)
	}
	// Lookup returns the first match only.
	first, _ := Lookup(fields, 'a')
	if string(first) != "1" {
		t.Fatalf("Lookup('a') = %q, want %q", first, "1")
	}
}
