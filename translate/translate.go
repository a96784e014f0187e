// Package translate is the boundary to external translation providers:
// Anthropic, OpenAI-compatible endpoints, and local Ollama. Batches go
// out, position-aligned translations come back, and rate limits pause
// every worker instead of burning retries in parallel.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ludokit/ludokit/errs"
)

// ---------------------------------------------------------------------------
// Provider boundary
// ---------------------------------------------------------------------------

// Request is one text to translate within a batch.
type Request struct {
	SourceText string
	// Context is optional surrounding text shown to the model, never
	// translated itself.
	Context    string
	SourceLang string
	TargetLang string
}

// Provider translates an ordered batch. The response is aligned by
// position; an empty string marks a single rejected item without
// failing the rest of the batch.
type Provider interface {
	Name() string
	Translate(ctx context.Context, batch []Request) ([]string, error)
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// Provider failures fall into four modes. RateLimited and Timeout are
// retryable; QuotaExceeded is fatal and surfaces immediately; Rejected
// is content-level and carried per item, not as an error.

func rateLimited(provider string, err error) error {
	return errs.Provider(true, fmt.Sprintf("%s: rate limited", provider), err)
}

func timedOut(provider string, err error) error {
	return errs.Provider(true, fmt.Sprintf("%s: timed out", provider), err)
}

func quotaExceeded(provider string, err error) error {
	return errs.Provider(false, fmt.Sprintf("%s: quota exceeded", provider), err)
}

func fatal(provider string, err error) error {
	return errs.Provider(false, fmt.Sprintf("%s: request failed", provider), err)
}

// ---------------------------------------------------------------------------
// Shared rate-limit pause
// ---------------------------------------------------------------------------

// rateLimitState pauses all workers when any one of them hits a 429.
type rateLimitState struct {
	mu       sync.Mutex
	paused   atomic.Bool
	pauseEnd time.Time
}

func (r *rateLimitState) pause(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := time.Now().Add(d)
	if end.After(r.pauseEnd) {
		r.pauseEnd = end
	}
	r.paused.Store(true)
}

// waitIfPaused blocks until the shared pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.paused.Load() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.paused.Store(false)
			return nil
		}
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Retrying wrapper
// ---------------------------------------------------------------------------

// Options tunes the retry and batching behavior.
type Options struct {
	// MaxRetries bounds retries of retryable failures per batch. Default 3.
	MaxRetries int
	// BatchTimeout bounds one provider call. On expiry the batch fails
	// retryable, it never takes the job down. Default 120s.
	BatchTimeout time.Duration
	// BaseBackoff is the first retry delay, doubled per attempt. Default 2s.
	BaseBackoff time.Duration
}

func (o Options) maxRetries() int {
	if o.MaxRetries <= 0 {
		return 3
	}
	return o.MaxRetries
}

func (o Options) batchTimeout() time.Duration {
	if o.BatchTimeout <= 0 {
		return 120 * time.Second
	}
	return o.BatchTimeout
}

func (o Options) baseBackoff() time.Duration {
	if o.BaseBackoff <= 0 {
		return 2 * time.Second
	}
	return o.BaseBackoff
}

// Client wraps a Provider with bounded retries, exponential backoff,
// and a process-wide rate-limit pause shared across workers.
type Client struct {
	provider Provider
	opts     Options
	rl       rateLimitState
}

// NewClient wraps provider.
func NewClient(provider Provider, opts Options) *Client {
	return &Client{provider: provider, opts: opts}
}

// Name returns the wrapped provider's name.
func (c *Client) Name() string { return c.provider.Name() }

// Translate runs one batch with retries. Retryable failures back off
// exponentially up to MaxRetries; fatal failures surface immediately.
func (c *Client) Translate(ctx context.Context, batch []Request) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.maxRetries(); attempt++ {
		if err := c.rl.waitIfPaused(ctx); err != nil {
			return nil, err
		}
		if attempt > 0 {
			backoff := c.opts.baseBackoff() << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.batchTimeout())
		out, err := c.provider.Translate(callCtx, batch)
		cancel()

		if err == nil {
			if len(out) != len(batch) {
				lastErr = fatal(c.Name(), fmt.Errorf(
					"response misaligned: %d items for %d requests", len(out), len(batch)))
				continue
			}
			return out, nil
		}

		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = timedOut(c.Name(), err)
		}
		if !errs.IsRetryable(err) {
			return nil, err
		}
		// Pause every worker, not just this one.
		c.rl.pause(c.opts.baseBackoff() << attempt)
		lastErr = err
	}
	return nil, lastErr
}

// ---------------------------------------------------------------------------
// Batch prompt plumbing shared by the chat-style providers
// ---------------------------------------------------------------------------

const systemPrompt = "You are a professional game localizer. Translate each " +
	"numbered string faithfully, preserving control sequences (\\n, \\c[..], " +
	"%1, {0}, \u27e6G..\u27e7 placeholders) exactly as they appear. Keep the tone " +
	"and register of the original. Return ONLY a JSON array of the translated " +
	"strings, in the same order, with no commentary."

// buildPrompt renders a batch as a numbered list the model answers with
// a JSON array.
func buildPrompt(batch []Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate these game strings from %s to %s:\n\n",
		batch[0].SourceLang, batch[0].TargetLang)
	for i, r := range batch {
		if r.Context != "" {
			fmt.Fprintf(&b, "# context: %s\n", strings.ReplaceAll(r.Context, "\n", " "))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, escapeText(r.SourceText))
	}
	fmt.Fprintf(&b, "\nReturn a JSON array with exactly %d translated strings.", len(batch))
	return b.String()
}

var markdownCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// parseResponse extracts the aligned translations from a model reply.
// Models wrap the array in markdown fences or prose often enough that
// the array is located rather than assumed.
func parseResponse(provider, content string, expected int) ([]string, error) {
	content = strings.TrimSpace(content)
	if m := markdownCodeBlock.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	var out []string
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fatal(provider, fmt.Errorf("unparseable response: %w", err))
	}
	if len(out) != expected {
		return nil, fatal(provider, fmt.Errorf(
			"got %d translations, expected %d", len(out), expected))
	}
	for i := range out {
		out[i] = unescapeText(out[i])
	}
	return out, nil
}

// escapeText flattens a source string into one prompt line. Backslashes
// are doubled before newlines are encoded, so RPG Maker control codes
// that contain a literal backslash-n (\n[1] name references) stay
// distinct from real line breaks.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// unescapeText reverses escapeText in a single pass. Sequential
// ReplaceAll calls would turn an escaped \\n back into a line break.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
