// Package dedupe decides whether an incoming chat message is a retried
// submission of the thread's most recent user message.
//
// The check runs before the insert and is not atomic with it: two racing
// identical requests can both pass and persist two messages. That window
// is accepted; clients also collapse identical adjacent turns on display.
package dedupe

import (
	"strings"
	"time"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultHistoryLimit is how many recent non-tool messages are consulted.
const DefaultHistoryLimit = 10

// SubmittedTextKey is the message metadata key holding the text as the
// user submitted it, before attachments were inlined. Messages without it
// are compared on their content.
const SubmittedTextKey = "submitted_text"

// Config tunes the deduplication window.
type Config struct {
	// HistoryLimit is the number of recent non-tool messages loaded for
	// the comparison.
	HistoryLimit int

	// MaxAge bounds how old the previous user message may be and still
	// count as the same submission. Zero disables the age bound.
	MaxAge time.Duration
}

// DefaultConfig returns the default window: the last 10 non-tool messages
// with no age bound.
func DefaultConfig() Config {
	return Config{HistoryLimit: DefaultHistoryLimit}
}

// Result is the outcome of an evaluation.
type Result struct {
	// Duplicate is true when the candidate matches the latest user message.
	Duplicate bool

	// ExistingID is the matched message ID when Duplicate is true.
	ExistingID string

	// Text is the trimmed candidate, to be persisted when not a duplicate.
	Text string
}

// Evaluator compares candidates against recent history.
type Evaluator struct {
	cfg Config
	now func() time.Time
}

// NewEvaluator creates an evaluator with cfg, filling defaults.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Evaluator{cfg: cfg, now: time.Now}
}

// HistoryLimit returns the number of messages the caller should load.
func (e *Evaluator) HistoryLimit() int {
	return e.cfg.HistoryLimit
}

// Evaluate checks candidate against recent, which must be in ascending
// order. Only user messages take part; the comparison is exact equality
// of trimmed content.
func (e *Evaluator) Evaluate(recent []*models.Message, candidate string) Result {
	text := strings.TrimSpace(candidate)
	res := Result{Text: text}
	if text == "" {
		return res
	}

	last := latestUserMessage(recent)
	if last == nil {
		return res
	}
	if e.cfg.MaxAge > 0 && !last.CreatedAt.IsZero() && e.now().Sub(last.CreatedAt) > e.cfg.MaxAge {
		return res
	}
	if strings.TrimSpace(submittedText(last)) != text {
		return res
	}
	res.Duplicate = true
	res.ExistingID = last.ID
	return res
}

// Evaluate runs the default evaluator.
func Evaluate(recent []*models.Message, candidate string) Result {
	return NewEvaluator(DefaultConfig()).Evaluate(recent, candidate)
}

func latestUserMessage(recent []*models.Message) *models.Message {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i] != nil && recent[i].Role == models.RoleUser {
			return recent[i]
		}
	}
	return nil
}

func submittedText(msg *models.Message) string {
	if raw, ok := msg.Metadata[SubmittedTextKey].(string); ok {
		return raw
	}
	return msg.Content
}
