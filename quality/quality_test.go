package quality

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPatternMatch(t *testing.T) {
	c, err := New([]Pattern{
		{Pattern: "이치고", Description: "wrong name reading", Severity: SeverityError, Suggestion: "니카이도"},
		{Pattern: "뭐래", Description: "awkward phrasing", Severity: SeverityWarning},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	issues := c.Check("u1", "二階堂は言った", "이치고는 말했다. 뭐래?")
	if len(issues) != 2 {
		t.Fatalf("issues = %+v", issues)
	}
	if issues[0].Severity != SeverityError || issues[0].Suggestion != "니카이도" {
		t.Errorf("issue 0 = %+v", issues[0])
	}
	if issues[1].Severity != SeverityWarning {
		t.Errorf("issue 1 = %+v", issues[1])
	}

	if got := c.Check("u2", "クリーン", "깨끗한 번역"); len(got) != 0 {
		t.Errorf("clean text flagged: %+v", got)
	}
}

func TestControlSequencePreservation(t *testing.T) {
	c, _ := New(nil)

	tests := []struct {
		source, translated string
		wantIssues         int
	}{
		{`\c[2]アイテム\c[0]を手に入れた`, `\c[2]아이템\c[0]을 손에 넣었다`, 0},
		{`\c[2]アイテム\c[0]を手に入れた`, `아이템을 손에 넣었다`, 2},
		{`%1を%2個売った`, `%1을 %2개 팔았다`, 0},
		{`%1を%2個売った`, `%1을 몇 개 팔았다`, 1},
		{`{0}のレベルが上がった`, `{0}의 레벨이 올랐다`, 0},
		{`\n改行あり`, `줄바꿈 없음`, 1},
	}
	for _, tt := range tests {
		got := c.Check("u", tt.source, tt.translated)
		if len(got) != tt.wantIssues {
			t.Errorf("Check(%q, %q) = %d issues (%+v), want %d",
				tt.source, tt.translated, len(got), got, tt.wantIssues)
		}
		for _, is := range got {
			if is.Severity != SeverityError {
				t.Errorf("control sequence issue severity = %s", is.Severity)
			}
		}
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `patterns:
  - pattern: "싫어받"
    description: "literal calque"
    severity: warning
    suggestion: "미움받다"
  - pattern: "[다라]래…"
    description: "quotation ending"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	issues := c.Check("u", "", "싫어받는 아이")
	if len(issues) != 1 || issues[0].Suggestion != "미움받다" {
		t.Fatalf("issues = %+v", issues)
	}
	// Severity defaults to warning when omitted.
	issues = c.Check("u", "", "다래…")
	if len(issues) != 1 || issues[0].Severity != SeverityWarning {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Check("u", "plain", "그대로"); len(got) != 0 {
		t.Errorf("issues = %+v", got)
	}
}

func TestLoadBadPattern(t *testing.T) {
	if _, err := New([]Pattern{{Pattern: "(unclosed"}}); err == nil {
		t.Error("invalid regexp accepted")
	}
}

func TestReport(t *testing.T) {
	issues := []Issue{
		{UnitID: "u1", Matched: "뭐래", Description: "awkward", Severity: SeverityWarning},
		{UnitID: "u2", Matched: `\c[2]`, Description: "dropped", Severity: SeverityError, Suggestion: "keep it"},
	}
	out := Report(issues)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("report = %q", out)
	}
	// Errors come first regardless of input order.
	if !strings.HasPrefix(lines[0], "[ERROR]") || !strings.Contains(lines[0], "keep it") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if Report(nil) != "no issues found" {
		t.Errorf("empty report = %q", Report(nil))
	}
}
