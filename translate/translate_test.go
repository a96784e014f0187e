package translate

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ludokit/ludokit/errs"
	"github.com/ludokit/ludokit/extract"
	"github.com/ludokit/ludokit/glossary"
	"github.com/ludokit/ludokit/memory"
)

// fakeProvider answers from a lookup table, optionally failing the
// first N calls.
type fakeProvider struct {
	table     map[string]string
	failFirst int32
	failWith  error
	calls     atomic.Int32
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Translate(ctx context.Context, batch []Request) ([]string, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, f.failWith
	}
	out := make([]string, len(batch))
	for i, r := range batch {
		out[i] = f.table[r.SourceText]
	}
	return out, nil
}

func fastOpts() Options {
	return Options{MaxRetries: 3, BaseBackoff: time.Millisecond, BatchTimeout: time.Second}
}

func TestClientRetriesRetryable(t *testing.T) {
	p := &fakeProvider{
		table:     map[string]string{"はい": "네"},
		failFirst: 2,
		failWith:  rateLimited("fake", errors.New("429")),
	}
	c := NewClient(p, fastOpts())

	out, err := c.Translate(context.Background(), []Request{
		{SourceText: "はい", SourceLang: "ja", TargetLang: "ko"},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out[0] != "네" {
		t.Errorf("out = %v", out)
	}
	if p.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", p.calls.Load())
	}
}

func TestClientFatalSurfacesImmediately(t *testing.T) {
	p := &fakeProvider{
		failFirst: 10,
		failWith:  quotaExceeded("fake", errors.New("quota")),
	}
	c := NewClient(p, fastOpts())

	_, err := c.Translate(context.Background(), []Request{{SourceText: "x"}})
	if err == nil || errs.IsRetryable(err) {
		t.Fatalf("err = %v, want fatal provider error", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", p.calls.Load())
	}
}

func TestClientExhaustsRetries(t *testing.T) {
	p := &fakeProvider{
		failFirst: 100,
		failWith:  rateLimited("fake", errors.New("429")),
	}
	c := NewClient(p, Options{MaxRetries: 2, BaseBackoff: time.Millisecond, BatchTimeout: time.Second})

	_, err := c.Translate(context.Background(), []Request{{SourceText: "x"}})
	if !errors.Is(err, errs.ErrProvider) {
		t.Fatalf("err = %v", err)
	}
	if p.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", p.calls.Load())
	}
}

func TestClientEmptyBatch(t *testing.T) {
	c := NewClient(&fakeProvider{}, fastOpts())
	out, err := c.Translate(context.Background(), nil)
	if err != nil || out != nil {
		t.Errorf("empty batch = (%v, %v)", out, err)
	}
}

func TestBuildPromptAndParseResponse(t *testing.T) {
	batch := []Request{
		{SourceText: "おはよう\nございます", SourceLang: "ja", TargetLang: "ko"},
		{SourceText: "はい", SourceLang: "ja", TargetLang: "ko", Context: "choice"},
	}
	prompt := buildPrompt(batch)
	for _, want := range []string{"1. おはよう\\nございます", "2. はい", "# context: choice", "from ja to ko"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	out, err := parseResponse("fake",
		"Here you go:\n```json\n[\"좋은 아침\\n입니다\", \"네\"]\n```", 2)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if out[0] != "좋은 아침\n입니다" || out[1] != "네" {
		t.Errorf("out = %q", out)
	}

	if _, err := parseResponse("fake", `["only one"]`, 2); err == nil {
		t.Error("misaligned response accepted")
	}
	if _, err := parseResponse("fake", "no array here", 1); err == nil {
		t.Error("non-JSON response accepted")
	}
}


// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func newService(t *testing.T, p Provider, gloss *glossary.Glossary) (*Service, *memory.Store) {
	t.Helper()
	store, err := memory.Open(t.TempDir())
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewService(NewClient(p, fastOpts()), store, gloss, ServiceOptions{
		SourceLang: "ja", TargetLang: "ko", RulesVersion: "v1", BatchSize: 2,
	})
	return svc, store
}

func unitsOf(texts ...string) []extract.Unit {
	units := make([]extract.Unit, len(texts))
	for i, s := range texts {
		units[i] = extract.Unit{
			UnitID:      extract.UnitID("Map001.json", string(rune('a'+i))),
			ContainerID: "Map001.json",
			Locator:     string(rune('a' + i)),
			SourceText:  s,
		}
	}
	return units
}

func TestServiceDedupAndMemory(t *testing.T) {
	p := &fakeProvider{table: map[string]string{
		"はい":  "네",
		"いいえ": "아니요",
	}}
	svc, _ := newService(t, p, nil)

	// Two units share one source text: one provider item, both filled.
	units := unitsOf("はい", "いいえ", "はい")
	res, err := svc.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Misses != 2 || res.Hits != 0 {
		t.Errorf("misses=%d hits=%d", res.Misses, res.Hits)
	}
	for _, u := range units {
		want := map[string]string{"はい": "네", "いいえ": "아니요"}[u.SourceText]
		if res.Translated[u.UnitID] != want {
			t.Errorf("unit %s = %q, want %q", u.UnitID, res.Translated[u.UnitID], want)
		}
	}

	// A second run is served fully from memory.
	p.calls.Store(0)
	res, err = svc.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Misses != 0 || p.calls.Load() != 0 {
		t.Errorf("second run: misses=%d providerCalls=%d", res.Misses, p.calls.Load())
	}
}

func TestServiceGlossary(t *testing.T) {
	gloss := glossary.New(map[string]string{"エリクサー": "엘릭서"})
	masked := gloss.Mask("エリクサーを使う")
	p := &fakeProvider{table: map[string]string{
		masked: masked + "-translated",
	}}
	svc, _ := newService(t, p, gloss)

	res, err := svc.Run(context.Background(), unitsOf("エリクサーを使う"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, got := range res.Translated {
		if !strings.Contains(got, "엘릭서") {
			t.Errorf("glossary term not pinned: %q", got)
		}
		if strings.Contains(got, "エリクサー") {
			t.Errorf("source term leaked: %q", got)
		}
	}
}

func TestServiceRejectedItem(t *testing.T) {
	// The provider returns "" for one item: that unit fails, the other
	// succeeds.
	p := &fakeProvider{table: map[string]string{"はい": "네"}}
	svc, _ := newService(t, p, nil)

	units := unitsOf("はい", "拒否される")
	res, err := svc.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Translated) != 1 || len(res.Failed) != 1 {
		t.Errorf("translated=%d failed=%d", len(res.Translated), len(res.Failed))
	}
	if ferr, ok := res.Failed[units[1].UnitID]; !ok || errs.IsRetryable(ferr) {
		t.Errorf("failed entry = %v", res.Failed)
	}
}

func TestServiceRetryableBatchDoesNotAbort(t *testing.T) {
	p := &fakeProvider{
		failFirst: 100,
		failWith:  rateLimited("fake", errors.New("429")),
	}
	svc, _ := newService(t, p, nil)

	units := unitsOf("はい")
	res, err := svc.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %v", res.Failed)
	}
	if !errs.IsRetryable(res.Failed[units[0].UnitID]) {
		t.Error("exhausted rate-limit failure should stay retryable")
	}
}

func TestEscapeTextRoundTrip(t *testing.T) {
	tests := []struct{ in, escaped string }{
		{"はい\nいいえ", `はい\nいいえ`},
		{`\n[1]の家`, `\\n[1]の家`},
		{"\\c[2]警告\\n本文\n次行", `\\c[2]警告\\n本文\n次行`},
	}
	for _, tt := range tests {
		got := escapeText(tt.in)
		if got != tt.escaped {
			t.Errorf("escapeText(%q) = %q, want %q", tt.in, got, tt.escaped)
		}
		if back := unescapeText(got); back != tt.in {
			t.Errorf("round trip of %q = %q", tt.in, back)
		}
	}

	// A literal backslash-n name code must survive the full prompt and
	// response cycle without becoming a line break.
	prompt := buildPrompt([]Request{
		{SourceText: `\n[1]の家へようこそ`, SourceLang: "ja", TargetLang: "ko"},
	})
	if !strings.Contains(prompt, `1. \\n[1]の家へようこそ`) {
		t.Errorf("prompt = %q", prompt)
	}
	out, err := parseResponse("fake", `["\\\\n[1]의 집에 어서 오세요"]`, 1)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if out[0] != `\n[1]의 집에 어서 오세요` {
		t.Errorf("decoded = %q", out[0])
	}
}

// gatedProvider parks inside Translate until released, so a test can
// hold one job in its provider call while another job starts.
type gatedProvider struct {
	table   map[string]string
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) Translate(ctx context.Context, batch []Request) ([]string, error) {
	g.calls.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	out := make([]string, len(batch))
	for i, r := range batch {
		out[i] = g.table[r.SourceText]
	}
	return out, nil
}

func TestServiceConcurrentRunsShareInFlight(t *testing.T) {
	store, err := memory.Open(t.TempDir())
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	defer store.Close()

	p := &gatedProvider{
		table:   map[string]string{"はい": "네"},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	opts := ServiceOptions{SourceLang: "ja", TargetLang: "ko", RulesVersion: "v1"}
	svcA := NewService(NewClient(p, fastOpts()), store, nil, opts)
	svcB := NewService(NewClient(p, fastOpts()), store, nil, opts)

	units := unitsOf("はい")
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 2)

	go func() {
		res, err := svcA.Run(context.Background(), units)
		done <- outcome{res, err}
	}()
	<-p.entered // first job is inside its provider call

	// The second job now misses the store and must join the first
	// job's in-flight marker instead of issuing its own call.
	go func() {
		res, err := svcB.Run(context.Background(), units)
		done <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(p.release)

	for i := 0; i < 2; i++ {
		o := <-done
		if o.err != nil {
			t.Fatalf("Run: %v", o.err)
		}
		if got := o.res.Translated[units[0].UnitID]; got != "네" {
			t.Errorf("translated = %q, want %q", got, "네")
		}
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 for one content hash", p.calls.Load())
	}
}
