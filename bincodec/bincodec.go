// Package bincodec implements the GDC binary container format: a header,
// a run of aligned object bodies, and a trailing directory of
// {id, type, offset, length} entries. String fields are length-prefixed
// UTF-8, so replacing text changes the owning object's byte length and
// shifts every object behind it. Rewrite therefore processes objects in
// ascending offset order and rebuilds the directory and header.
//
// Layout (all integers little-endian):
//
//	header   magic "GDC1" | version u16 | flags u16 | count u32 |
//	         dirOffset u32 | fileSize u32 | bodyCRC u32
//	bodies   object bodies, each 4-byte aligned, zero padding between
//	dir      count entries of {id u32, typeTag u32, offset u32, length u32}
//
// Object body:
//
//	nameLen u16 | name | fieldCount u16 | fields
//
// Field:
//
//	nameLen u16 | name | kind u8 | value
//	  string: len u32 | utf-8 bytes
//	  int:    i64      float: f64      ref: u32
//	  bytes:  len u32 | raw
package bincodec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
)

// FormatName identifies the codec variant.
const FormatName = "gdc"

// Magic is the GDC container signature.
var Magic = []byte("GDC1")

const (
	// Version is the only supported container version.
	Version = 1
	// headerSize is the fixed header length in bytes.
	headerSize = 24
	// dirEntrySize is the fixed directory entry length in bytes.
	dirEntrySize = 16
	// alignment is the required object body alignment.
	alignment = 4
)

// Field kind tags on the wire.
const (
	wireString byte = 0x01
	wireInt    byte = 0x02
	wireFloat  byte = 0x03
	wireRef    byte = 0x04
	wireBytes  byte = 0x05
)

// Codec is the binary-container FormatCodec variant.
type Codec struct{}

// Sniff reports whether data starts with the GDC magic.
func Sniff(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

// Parse decodes a GDC container into a graph. Structural violations
// (bad magic, out-of-bounds directory, length mismatches, CRC failure)
// fail with CorruptContainer.
func (Codec) Parse(containerID string, data []byte) (*container.Graph, error) {
	if len(data) < headerSize {
		return nil, errs.CorruptContainerf(FormatName, "file too short (%d bytes)", len(data))
	}
	if !Sniff(data) {
		return nil, errs.CorruptContainer(FormatName, "bad magic")
	}
	version := binary.LittleEndian.Uint16(data[4:])
	if version != Version {
		return nil, errs.CorruptContainerf(FormatName, "unsupported version %d", version)
	}
	count := binary.LittleEndian.Uint32(data[8:])
	dirOffset := binary.LittleEndian.Uint32(data[12:])
	fileSize := binary.LittleEndian.Uint32(data[16:])
	bodyCRC := binary.LittleEndian.Uint32(data[20:])

	if int(fileSize) != len(data) {
		return nil, errs.CorruptContainerf(FormatName, "declared size %d, actual %d", fileSize, len(data))
	}
	dirEnd := uint64(dirOffset) + uint64(count)*dirEntrySize
	if dirOffset < headerSize || dirEnd != uint64(len(data)) {
		return nil, errs.CorruptContainerf(FormatName, "directory [%d,%d) out of bounds", dirOffset, dirEnd)
	}
	if got := crc32.ChecksumIEEE(data[headerSize:dirOffset]); got != bodyCRC {
		return nil, errs.CorruptContainerf(FormatName, "body CRC %08x, declared %08x", got, bodyCRC)
	}

	g := container.New(containerID, FormatName, data)

	prevEnd := uint32(headerSize)
	for i := uint32(0); i < count; i++ {
		entry := data[dirOffset+i*dirEntrySize:]
		obj := &container.Object{
			ID:      binary.LittleEndian.Uint32(entry[0:]),
			TypeTag: binary.LittleEndian.Uint32(entry[4:]),
			Offset:  binary.LittleEndian.Uint32(entry[8:]),
			Length:  binary.LittleEndian.Uint32(entry[12:]),
		}
		// Directory entries must be dense and ascending; the inter-object
		// gap may only be alignment padding.
		if obj.Offset < prevEnd || obj.Offset-prevEnd >= alignment {
			return nil, errs.CorruptContainerf(FormatName, "object %d at offset %d breaks directory order (previous end %d)", obj.ID, obj.Offset, prevEnd)
		}
		if obj.Offset%alignment != 0 {
			return nil, errs.CorruptContainerf(FormatName, "object %d offset %d not %d-byte aligned", obj.ID, obj.Offset, alignment)
		}
		end := uint64(obj.Offset) + uint64(obj.Length)
		if end > uint64(dirOffset) {
			return nil, errs.CorruptContainerf(FormatName, "object %d span [%d,%d) overruns directory", obj.ID, obj.Offset, end)
		}
		if err := decodeBody(obj, data[obj.Offset:obj.Offset+obj.Length]); err != nil {
			return nil, err
		}
		if err := g.Add(obj); err != nil {
			return nil, err
		}
		prevEnd = uint32(end)
	}
	// Only alignment padding may remain before the directory.
	if dirOffset-prevEnd >= alignment {
		return nil, errs.CorruptContainerf(FormatName, "%d unaccounted bytes before directory", dirOffset-prevEnd)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// decodeBody decodes one object body into obj. The body must be consumed
// exactly: trailing or missing bytes mean a corrupt length field.
func decodeBody(obj *container.Object, body []byte) error {
	r := &reader{buf: body}
	obj.Name = r.str16()
	fieldCount := r.u16()
	for i := 0; i < int(fieldCount) && r.err == nil; i++ {
		f := container.Field{Name: r.str16()}
		switch kind := r.u8(); kind {
		case wireString:
			f.Kind = container.FieldString
			f.Str = string(r.bytes32())
		case wireInt:
			f.Kind = container.FieldInt
			f.Int = int64(r.u64())
		case wireFloat:
			f.Kind = container.FieldFloat
			f.Float = math.Float64frombits(r.u64())
		case wireRef:
			f.Kind = container.FieldRef
			f.Ref = r.u32()
		case wireBytes:
			f.Kind = container.FieldBytes
			f.Raw = append([]byte(nil), r.bytes32()...)
		default:
			return errs.CorruptContainerf(FormatName, "object %d: unknown field kind 0x%02x", obj.ID, kind)
		}
		obj.Fields = append(obj.Fields, f)
	}
	if r.err != nil {
		return errs.CorruptContainerf(FormatName, "object %d: truncated body", obj.ID)
	}
	if r.pos != len(body) {
		return errs.CorruptContainerf(FormatName, "object %d: body length %d, consumed %d", obj.ID, len(body), r.pos)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rewrite
// ---------------------------------------------------------------------------

// Rewrite applies the ordered patch set and re-serializes the container.
// Objects are emitted in ascending original offset order, so the
// cumulative size delta from variable-length replacements is applied
// monotonically; the directory and header are rebuilt to match.
// Unknown object ids, unknown fields, and duplicate targets fail with
// PatchConflict.
func (Codec) Rewrite(g *container.Graph, patches []container.PatchOp) ([]byte, error) {
	seen := make(map[string]bool, len(patches))
	for _, op := range patches {
		obj := g.Object(op.ObjectID)
		if obj == nil {
			return nil, errs.PatchConflict(container.BinaryLocator(op.ObjectID, op.Field) + ": no such object")
		}
		key := container.BinaryLocator(op.ObjectID, op.Field)
		if seen[key] {
			return nil, errs.PatchConflict(key + ": duplicate patch target")
		}
		seen[key] = true
		if !obj.SetString(op.Field, string(op.NewBytes)) {
			return nil, errs.PatchConflict(key + ": no such string field")
		}
	}
	return serialize(g)
}

// serialize encodes the graph back to GDC bytes. Offsets are reassigned
// in ascending order with alignment padding, matching Parse exactly so
// that a patch-free rewrite reproduces the input byte-for-byte.
func serialize(g *container.Graph) ([]byte, error) {
	g.SortByOffset()
	objs := g.Objects()

	var body bytes.Buffer
	type dirEntry struct {
		id, typeTag, offset, length uint32
	}
	dir := make([]dirEntry, 0, len(objs))

	offset := uint32(headerSize)
	for _, obj := range objs {
		encoded := encodeBody(obj)
		if pad := padTo(offset); pad > 0 {
			body.Write(make([]byte, pad))
			offset += pad
		}
		body.Write(encoded)
		dir = append(dir, dirEntry{obj.ID, obj.TypeTag, offset, uint32(len(encoded))})
		// Keep the in-memory spans consistent with the rewritten layout.
		obj.Offset = offset
		obj.Length = uint32(len(encoded))
		offset += uint32(len(encoded))
	}
	if pad := padTo(offset); pad > 0 {
		body.Write(make([]byte, pad))
		offset += pad
	}
	dirOffset := offset
	fileSize := dirOffset + uint32(len(dir))*dirEntrySize

	out := make([]byte, 0, fileSize)
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, 0) // flags
	out = binary.LittleEndian.AppendUint32(out, uint32(len(dir)))
	out = binary.LittleEndian.AppendUint32(out, dirOffset)
	out = binary.LittleEndian.AppendUint32(out, fileSize)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body.Bytes()))
	out = append(out, body.Bytes()...)
	for _, e := range dir {
		out = binary.LittleEndian.AppendUint32(out, e.id)
		out = binary.LittleEndian.AppendUint32(out, e.typeTag)
		out = binary.LittleEndian.AppendUint32(out, e.offset)
		out = binary.LittleEndian.AppendUint32(out, e.length)
	}
	g.Raw = out
	return out, nil
}

func padTo(offset uint32) uint32 {
	if rem := offset % alignment; rem != 0 {
		return alignment - rem
	}
	return 0
}

func encodeBody(obj *container.Object) []byte {
	var b []byte
	b = appendStr16(b, obj.Name)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(obj.Fields)))
	for i := range obj.Fields {
		f := &obj.Fields[i]
		b = appendStr16(b, f.Name)
		switch f.Kind {
		case container.FieldString:
			b = append(b, wireString)
			b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Str)))
			b = append(b, f.Str...)
		case container.FieldInt:
			b = append(b, wireInt)
			b = binary.LittleEndian.AppendUint64(b, uint64(f.Int))
		case container.FieldFloat:
			b = append(b, wireFloat)
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f.Float))
		case container.FieldRef:
			b = append(b, wireRef)
			b = binary.LittleEndian.AppendUint32(b, f.Ref)
		case container.FieldBytes:
			b = append(b, wireBytes)
			b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Raw)))
			b = append(b, f.Raw...)
		}
	}
	return b
}

func appendStr16(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// ---------------------------------------------------------------------------
// Text field enumeration
// ---------------------------------------------------------------------------

// TextFields enumerates string fields in ascending offset order, which
// makes extraction deterministic and restartable.
func (Codec) TextFields(g *container.Graph) []container.TextField {
	var out []container.TextField
	for _, obj := range g.Objects() {
		for i := range obj.Fields {
			f := &obj.Fields[i]
			if f.IsText() {
				out = append(out, container.TextField{
					Locator: container.BinaryLocator(obj.ID, f.Name),
					Value:   f.Str,
				})
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Encoding helpers for fixtures and writers
// ---------------------------------------------------------------------------

// Encode serializes a graph built in memory. Fixture builders and the
// multilang exporter use it; Rewrite with no patches is equivalent.
func Encode(g *container.Graph) ([]byte, error) {
	return serialize(g)
}

// reader is a bounds-checked little-endian cursor.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.buf) {
		r.err = errs.CorruptContainer(FormatName, "truncated")
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str16() string {
	n := r.u16()
	b := r.take(int(n))
	return string(b)
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	return r.take(int(n))
}
