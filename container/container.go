// Package container defines the in-memory object graph shared by all
// codec variants: a parsed asset file becomes a Graph of Objects, each
// with a byte span, a type tag, and named fields. Cross-object links are
// held as object ids, never raw offsets, so a rewrite that moves objects
// cannot invalidate references.
package container

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ludokit/ludokit/errs"
)

// ---------------------------------------------------------------------------
// Field model
// ---------------------------------------------------------------------------

// FieldKind discriminates field value types.
type FieldKind uint8

const (
	FieldString FieldKind = iota
	FieldInt
	FieldFloat
	FieldRef
	FieldBytes
)

// Field is a single named value inside an Object.
type Field struct {
	Name  string
	Kind  FieldKind
	Str   string
	Int   int64
	Float float64
	// Ref is the id of another object in the same graph (FieldRef only).
	Ref uint32
	// Raw holds opaque payload bytes (FieldBytes only). Never translated.
	Raw []byte
}

// IsText reports whether the field holds a translatable string value.
func (f *Field) IsText() bool {
	return f.Kind == FieldString
}

// ---------------------------------------------------------------------------
// Object model
// ---------------------------------------------------------------------------

// Object is one addressable entry in a container.
type Object struct {
	// ID is the stable object id from the container directory.
	ID uint32
	// TypeTag is the format-specific type discriminator.
	TypeTag uint32
	// Name is the optional human-readable object name.
	Name string
	// Offset and Length are the byte span in the original serialized file.
	// The structured-tree variant leaves them zero.
	Offset uint32
	Length uint32
	// Fields holds the object's values in serialization order.
	Fields []Field
}

// Field returns the named field, or nil if absent.
func (o *Object) Field(name string) *Field {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return &o.Fields[i]
		}
	}
	return nil
}

// SetString updates a string field value. Returns false if the field is
// missing or not a string.
func (o *Object) SetString(name, value string) bool {
	f := o.Field(name)
	if f == nil || f.Kind != FieldString {
		return false
	}
	f.Str = value
	return true
}

// ---------------------------------------------------------------------------
// Graph
// ---------------------------------------------------------------------------

// Graph is the ownership root for a single parsed asset file. It owns its
// Objects exclusively for the duration of a parse/rewrite cycle.
type Graph struct {
	// ContainerID is the logical identity of the file (its base name);
	// unit ids are derived from it and must survive re-extraction.
	ContainerID string
	// Format is the codec variant that produced the graph.
	Format string
	// Raw is the original serialized byte content.
	Raw []byte
	// objects in ascending offset order (insertion order for tree graphs).
	objects []*Object
	byID    map[uint32]*Object
}

// New creates an empty graph for the given container identity.
func New(containerID, format string, raw []byte) *Graph {
	return &Graph{
		ContainerID: containerID,
		Format:      format,
		Raw:         raw,
		byID:        make(map[uint32]*Object),
	}
}

// Add appends an object to the graph.
// Fails if the object id is already present.
func (g *Graph) Add(obj *Object) error {
	if _, dup := g.byID[obj.ID]; dup {
		return errs.CorruptContainerf(g.Format, "duplicate object id %d", obj.ID)
	}
	g.objects = append(g.objects, obj)
	g.byID[obj.ID] = obj
	return nil
}

// Object returns the object with the given id, or nil.
func (g *Graph) Object(id uint32) *Object {
	return g.byID[id]
}

// Objects returns all objects in ascending offset order.
func (g *Graph) Objects() []*Object {
	return g.objects
}

// SortByOffset orders objects by ascending byte offset. Rewrite depends
// on this ordering so the cumulative size delta is applied monotonically.
func (g *Graph) SortByOffset() {
	sort.SliceStable(g.objects, func(i, j int) bool {
		return g.objects[i].Offset < g.objects[j].Offset
	})
}

// Validate checks the span invariant for binary graphs: object spans are
// in ascending order, non-overlapping, and contained in the file; every
// FieldRef points at an existing object.
func (g *Graph) Validate() error {
	var prevEnd uint32
	for _, obj := range g.objects {
		if obj.Offset < prevEnd {
			return errs.CorruptContainerf(g.Format, "object %d overlaps previous span (offset %d < %d)", obj.ID, obj.Offset, prevEnd)
		}
		end := obj.Offset + obj.Length
		if int(end) > len(g.Raw) {
			return errs.CorruptContainerf(g.Format, "object %d span [%d,%d) exceeds file size %d", obj.ID, obj.Offset, end, len(g.Raw))
		}
		prevEnd = end
		for i := range obj.Fields {
			f := &obj.Fields[i]
			if f.Kind == FieldRef && g.byID[f.Ref] == nil {
				return errs.CorruptContainerf(g.Format, "object %d field %s references missing object %d", obj.ID, f.Name, f.Ref)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Patch ops
// ---------------------------------------------------------------------------

// PatchOp is one planned field replacement within a container rewrite.
type PatchOp struct {
	// ObjectID addresses the owning object (binary variant).
	ObjectID uint32
	// Field is the field name (binary) or the full key path (tree).
	Field string
	// OriginalByteLength is the encoded length of the value being replaced.
	OriginalByteLength int
	// NewBytes is the replacement value, already encoded as UTF-8 text.
	NewBytes []byte
}

// TextField is one translatable value found in a graph, addressed by its
// stable locator.
type TextField struct {
	Locator string
	Value   string
}

// ---------------------------------------------------------------------------
// Locators
// ---------------------------------------------------------------------------

// BinaryLocator builds the stable path to a field of a binary-container
// object: "objects.<id>.<field>". Tree locators are key paths as-is.
func BinaryLocator(objectID uint32, field string) string {
	return fmt.Sprintf("objects.%d.%s", objectID, field)
}

// ParseBinaryLocator splits a binary locator back into object id and
// field name. Returns false for locators in any other shape.
func ParseBinaryLocator(loc string) (uint32, string, bool) {
	rest, ok := strings.CutPrefix(loc, "objects.")
	if !ok {
		return 0, "", false
	}
	idStr, field, ok := strings.Cut(rest, ".")
	if !ok || field == "" {
		return 0, "", false
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(id), field, true
}
