// Package wire implements the deterministic, length-prefixed,
// field-tagged binary encoding used for every envelope and ratchet header
// in cyphertextkit. Keys use short single-letter tags to minimize size;
// the tag numbering is part of the compatibility surface and must never be
// renumbered once shipped.
//
// Encoding shape, per field: <tag byte><uvarint length><bytes>. Fields are
// written in the order the caller calls Put*, so the encoded bytes (and any
// signature over them) are stable. Decode returns the fields in that same
// order but does not check it; callers find fields by tag (Lookup returns
// the first field with a given tag).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer builds a deterministic tagged-TLV byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) putTag(tag byte, data []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	w.buf = append(w.buf, tag)
	w.buf = append(w.buf, lenBuf[:n]...)
	w.buf = append(w.buf, data...)
}

// PutBytes appends a tagged byte-string field.
func (w *Writer) PutBytes(tag byte, data []byte) *Writer {
	w.putTag(tag, data)
	return w
}

// PutUint32 appends a tagged big-endian uint32 field.
func (w *Writer) PutUint32(tag byte, v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.putTag(tag, b[:])
	return w
}

// PutUint64 appends a tagged big-endian uint64 field.
func (w *Writer) PutUint64(tag byte, v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.putTag(tag, b[:])
	return w
}

// PutBool appends a tagged single-byte boolean field.
func (w *Writer) PutBool(tag byte, v bool) *Writer {
	if v {
		w.putTag(tag, []byte{1})
	} else {
		w.putTag(tag, []byte{0})
	}
	return w
}

// Bytes returns the encoded stream.
func (w *Writer) Bytes() []byte { return w.buf }

// Field is one decoded tagged field.
type Field struct {
	Tag  byte
	Data []byte
}

// Decode splits data into its tagged fields, in order. It does not
// interpret field contents — callers match on Tag themselves, mirroring
// the teacher's fixed-offset Header.Decode but generalized to a variable
// number of fields.
func Decode(data []byte) ([]Field, error) {
	var fields []Field
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("wire: truncated field header")
		}
		tag := data[0]
		data = data[1:]
		n, sz := binary.Uvarint(data)
		if sz <= 0 {
			return nil, fmt.Errorf("wire: invalid length varint for tag %q", tag)
		}
		data = data[sz:]
		if uint64(len(data)) < n {
			return nil, fmt.Errorf("wire: truncated field body for tag %q", tag)
		}
		fields = append(fields, Field{Tag: tag, Data: data[:n]})
		data = data[n:]
	}
	return fields, nil
}

// Lookup returns the data for the first field with the given tag.
func Lookup(fields []Field, tag byte) ([]byte, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f.Data, true
		}
	}
	return nil, false
}

// Uint32At decodes a big-endian uint32 field.
func Uint32At(fields []Field, tag byte) (uint32, bool, error) {
	d, ok := Lookup(fields, tag)
	if !ok {
		return 0, false, nil
	}
	if len(d) != 4 {
		return 0, true, fmt.Errorf("wire: field %q has length %d, want 4", tag, len(d))
	}
	return binary.BigEndian.Uint32(d), true, nil
}

// Uint64At decodes a big-endian uint64 field.
func Uint64At(fields []Field, tag byte) (uint64, bool, error) {
	d, ok := Lookup(fields, tag)
	if !ok {
		return 0, false, nil
	}
	if len(d) != 8 {
		return 0, true, fmt.Errorf("wire: field %q has length %d, want 8", tag, len(d))
	}
	return binary.BigEndian.Uint64(d), true, nil
}

// BoolAt decodes a single-byte boolean field.
func BoolAt(fields []Field, tag byte) (bool, bool, error) {
	d, ok := Lookup(fields, tag)
	if !ok {
		return false, false, nil
	}
	if len(d) != 1 {
		return false, true, fmt.Errorf("wire: field %q has length %d, want 1", tag, len(d))
	}
	return d[0] != 0, true, nil
}
