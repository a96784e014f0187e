package treecodec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
)

// mapFixture is a trimmed RPG Maker MV map file: one event with a
// dialogue line (401), a choice list (102), and a non-text command (205).
const mapFixture = `{
  "displayName": "",
  "events": [
    null,
    {
      "id": 1,
      "name": "EV001",
      "pages": [
        {
          "list": [
            {"code": 101, "parameters": ["Actor1", 0, 0, 2]},
            {"code": 401, "parameters": ["おはよう、ミサキ。"]},
            {"code": 401, "parameters": ["今日もいい天気だね。"]},
            {"code": 102, "parameters": [["はい", "いいえ"], 1]},
            {"code": 205, "parameters": [0, 3]}
          ]
        }
      ]
    }
  ]
}`

const systemFixture = `{"gameTitle":"ひまわりの丘","currencyUnit":"G","switches":["","スイッチ1"]}`

func parseFixture(t *testing.T, id, doc string) (*Codec, *container.Graph) {
	t.Helper()
	c := New(DefaultRules())
	g, err := c.Parse(id, []byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return c, g
}

func TestSniff(t *testing.T) {
	if !Sniff([]byte("  {\"a\":1}")) {
		t.Error("Sniff rejected an object")
	}
	if !Sniff([]byte("[1,2]")) {
		t.Error("Sniff rejected an array")
	}
	if Sniff([]byte("GDC1....")) {
		t.Error("Sniff accepted binary data")
	}
	if Sniff(nil) {
		t.Error("Sniff accepted empty input")
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	c := New(DefaultRules())
	if _, err := c.Parse("bad.json", []byte(`{"events": [`)); !errors.Is(err, errs.ErrCorruptContainer) {
		t.Errorf("err = %v, want CorruptContainer", err)
	}
}

func TestRoundTripIdentity(t *testing.T) {
	c, g := parseFixture(t, "Map003.json", mapFixture)
	out, err := c.Rewrite(g, nil)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !bytes.Equal(out, []byte(mapFixture)) {
		t.Error("patch-free rewrite is not byte-identical")
	}
}

func TestTextFields(t *testing.T) {
	c, g := parseFixture(t, "Map003.json", mapFixture)
	fields := c.TextFields(g)

	want := []container.TextField{
		{Locator: "events.1.name", Value: "EV001"},
		{Locator: "events.1.pages.0.list.1.parameters.0", Value: "おはよう、ミサキ。"},
		{Locator: "events.1.pages.0.list.2.parameters.0", Value: "今日もいい天気だね。"},
		{Locator: "events.1.pages.0.list.3.parameters.0.0", Value: "はい"},
		{Locator: "events.1.pages.0.list.3.parameters.0.1", Value: "いいえ"},
	}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d: %+v", len(fields), len(want), fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, fields[i], want[i])
		}
	}
}

func TestTextFieldsSystemKeys(t *testing.T) {
	c, g := parseFixture(t, "System.json", systemFixture)
	fields := c.TextFields(g)
	want := []container.TextField{
		{Locator: "gameTitle", Value: "ひまわりの丘"},
		{Locator: "currencyUnit", Value: "G"},
	}
	if len(fields) != len(want) {
		t.Fatalf("got %+v", fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, fields[i], want[i])
		}
	}
}

// TestRewriteSingleUnit patches one dialogue line and verifies that the
// rest of the document is untouched, including key order and the non-text
// sibling commands.
func TestRewriteSingleUnit(t *testing.T) {
	c, g := parseFixture(t, "Map003.json", mapFixture)
	loc := "events.1.pages.0.list.1.parameters.0"
	out, err := c.Rewrite(g, []container.PatchOp{{
		Field:    loc,
		NewBytes: []byte("좋은 아침이야, 미사키."),
	}})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	if got := gjson.GetBytes(out, loc).Str; got != "좋은 아침이야, 미사키." {
		t.Errorf("patched value = %q", got)
	}
	// Untouched values survive exactly.
	for _, path := range []string{
		"events.1.pages.0.list.2.parameters.0",
		"events.1.pages.0.list.3.parameters.0.0",
		"events.1.pages.0.list.0.parameters.0",
		"events.1.name",
	} {
		before := gjson.Get(mapFixture, path)
		after := gjson.GetBytes(out, path)
		if before.Raw != after.Raw {
			t.Errorf("%s changed: %s -> %s", path, before.Raw, after.Raw)
		}
	}
	// Key order is preserved.
	var keys []string
	gjson.ParseBytes(out).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	if len(keys) != 2 || keys[0] != "displayName" || keys[1] != "events" {
		t.Errorf("top-level key order = %v", keys)
	}
	// Reparse yields a valid graph.
	if _, err := c.Parse("Map003.json", out); err != nil {
		t.Errorf("reparse: %v", err)
	}
}

func TestRewriteConflicts(t *testing.T) {
	c, g := parseFixture(t, "Map003.json", mapFixture)
	cases := []struct {
		name    string
		patches []container.PatchOp
	}{
		{"missing path", []container.PatchOp{{Field: "events.9.name", NewBytes: []byte("x")}}},
		{"non-string target", []container.PatchOp{{Field: "events.1.id", NewBytes: []byte("x")}}},
		{"duplicate target", []container.PatchOp{
			{Field: "events.1.name", NewBytes: []byte("a")},
			{Field: "events.1.name", NewBytes: []byte("b")},
		}},
	}
	for _, tc := range cases {
		if _, err := c.Rewrite(g, tc.patches); !errors.Is(err, errs.ErrPatchConflict) {
			t.Errorf("%s: err = %v, want PatchConflict", tc.name, err)
		}
	}
}

func TestEscapeKey(t *testing.T) {
	if got := escapeKey("plain"); got != "plain" {
		t.Errorf("escapeKey(plain) = %q", got)
	}
	if got := escapeKey("a.b"); got != `a\.b` {
		t.Errorf("escapeKey(a.b) = %q", got)
	}
}
