// Package treecodec implements the structured-tree FormatCodec variant
// for JSON game data (RPG Maker MV/MZ Map*.json, CommonEvents.json,
// System.json and similar). Strings are replaced in place by key path
// with sjson, which leaves key order and every untouched sibling byte
// exactly as it was, so round-trip fidelity needs no offset arithmetic.
//
// Text recognition is rule-driven: leaf keys named in Rules.KeyNames and
// event-command parameters declared in Rules.EventText are emitted;
// everything else is opaque. The rules come from configuration, never
// from per-field type sniffing.
package treecodec

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
)

// FormatName identifies the codec variant.
const FormatName = "tree"

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

// Rules configures which JSON values are treated as human-readable text.
type Rules struct {
	// KeyNames are leaf keys whose string values are translatable
	// (e.g. "name", "description", "gameTitle").
	KeyNames []string
	// EventText maps an event-command code to the parameter indexes that
	// carry text. A parameter that is itself an array of strings (choice
	// lists, command code 102) has each element emitted.
	EventText map[int64][]int

	keySet map[string]bool
}

// DefaultRules covers RPG Maker MV/MZ data files: dialogue lines (401),
// scrolling text (405), choice lists (102), and the usual named fields.
func DefaultRules() Rules {
	return Rules{
		KeyNames: []string{
			"name", "nickname", "profile", "description",
			"message1", "message2", "message3", "message4",
			"gameTitle", "currencyUnit",
		},
		EventText: map[int64][]int{
			401: {0},
			405: {0},
			102: {0},
		},
	}
}

func (r *Rules) isTextKey(key string) bool {
	if r.keySet == nil {
		r.keySet = make(map[string]bool, len(r.KeyNames))
		for _, k := range r.KeyNames {
			r.keySet[k] = true
		}
	}
	return r.keySet[key]
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Codec is the structured-tree FormatCodec variant.
type Codec struct {
	Rules Rules
}

// New returns a tree codec with the given rules.
func New(rules Rules) *Codec {
	return &Codec{Rules: rules}
}

// Sniff reports whether data looks like a JSON document.
func Sniff(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Parse validates the document and wraps it in a graph. The tree variant
// keeps the original bytes as the source of truth; locators address into
// them directly, so no object table is built.
func (c *Codec) Parse(containerID string, data []byte) (*container.Graph, error) {
	if !gjson.ValidBytes(data) {
		return nil, errs.CorruptContainer(FormatName, "invalid JSON")
	}
	return container.New(containerID, FormatName, data), nil
}

// Rewrite splices each patch value into the document by key path. Order
// is irrelevant for the tree variant; duplicate targets and paths that do
// not resolve to a string fail with PatchConflict. With no patches the
// original bytes are returned unchanged.
func (c *Codec) Rewrite(g *container.Graph, patches []container.PatchOp) ([]byte, error) {
	out := g.Raw
	seen := make(map[string]bool, len(patches))
	for _, op := range patches {
		if seen[op.Field] {
			return nil, errs.PatchConflict(op.Field + ": duplicate patch target")
		}
		seen[op.Field] = true
		res := gjson.GetBytes(out, op.Field)
		if !res.Exists() {
			return nil, errs.PatchConflict(op.Field + ": no such value")
		}
		if res.Type != gjson.String {
			return nil, errs.PatchConflict(op.Field + ": not a string value")
		}
		var err error
		out, err = sjson.SetBytes(out, op.Field, string(op.NewBytes))
		if err != nil {
			return nil, errs.PatchConflict(op.Field + ": " + err.Error())
		}
	}
	return out, nil
}

// TextFields walks the document in order and emits every translatable
// string with its key-path locator. The walk is deterministic: the same
// document always yields the same locators in the same order.
func (c *Codec) TextFields(g *container.Graph) []container.TextField {
	var out []container.TextField
	root := gjson.ParseBytes(g.Raw)
	c.walk(root, "", &out)
	return out
}

func (c *Codec) walk(node gjson.Result, path string, out *[]container.TextField) {
	if node.IsObject() {
		// Event commands get their text parameters emitted by rule;
		// the generic key walk still descends for everything else.
		if params, ok := c.eventParams(node); ok {
			c.emitEventText(node, path, params, out)
		}
		node.ForEach(func(key, value gjson.Result) bool {
			childPath := joinPath(path, escapeKey(key.String()))
			if value.Type == gjson.String {
				if c.Rules.isTextKey(key.String()) && strings.TrimSpace(value.Str) != "" {
					*out = append(*out, container.TextField{Locator: childPath, Value: value.Str})
				}
				return true
			}
			c.walk(value, childPath, out)
			return true
		})
		return
	}
	if node.IsArray() {
		idx := 0
		node.ForEach(func(_, value gjson.Result) bool {
			c.walk(value, joinPath(path, strconv.Itoa(idx)), out)
			idx++
			return true
		})
	}
}

// eventParams reports whether node is an event command whose code is in
// the rules, returning the configured parameter indexes.
func (c *Codec) eventParams(node gjson.Result) ([]int, bool) {
	code := node.Get("code")
	if !code.Exists() || code.Type != gjson.Number {
		return nil, false
	}
	params, ok := c.Rules.EventText[code.Int()]
	return params, ok
}

func (c *Codec) emitEventText(node gjson.Result, path string, params []int, out *[]container.TextField) {
	list := node.Get("parameters")
	if !list.IsArray() {
		return
	}
	values := list.Array()
	for _, pi := range params {
		if pi >= len(values) {
			continue
		}
		base := joinPath(path, "parameters."+strconv.Itoa(pi))
		v := values[pi]
		switch {
		case v.Type == gjson.String:
			if strings.TrimSpace(v.Str) != "" {
				*out = append(*out, container.TextField{Locator: base, Value: v.Str})
			}
		case v.IsArray():
			for j, elem := range v.Array() {
				if elem.Type == gjson.String && strings.TrimSpace(elem.Str) != "" {
					*out = append(*out, container.TextField{
						Locator: base + "." + strconv.Itoa(j),
						Value:   elem.Str,
					})
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "." + elem
}

// escapeKey escapes gjson path metacharacters in an object key.
func escapeKey(key string) string {
	if !strings.ContainsAny(key, ".*?\\|#@") {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
