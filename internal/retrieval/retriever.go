// Package retrieval augments the system message with knowledge relevant to
// the turn the caller just finished.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/knowledge"
	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/pipeline"
)

// Marker heads the retrieved-knowledge section of the system message.
const Marker = "Relevant Context (only use if relevant to the conversation):"

const (
	DefaultTopK    = 5
	DefaultTimeout = 2 * time.Second
)

var tracer = otel.Tracer("github.com/clinicvoice/callbridge/internal/retrieval")

// Searcher finds knowledge relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]knowledge.Hit, error)
}

// Outcome describes what a refresh did to the system message.
type Outcome string

const (
	Updated  Outcome = "updated"
	NoHits   Outcome = "no_hits"
	NoQuery  Outcome = "no_query"
	Failed   Outcome = "failed"
	Disabled Outcome = "disabled"
)

// Retriever is a pipeline stage. On each user-stopped-speaking frame it
// rewrites the system message before letting the frame through.
type Retriever struct {
	store    *convctx.Store
	searcher Searcher
	topK     int
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Collectors
}

type Option func(*Retriever)

func WithTopK(k int) Option { return func(r *Retriever) { r.topK = k } }

func WithTimeout(d time.Duration) Option { return func(r *Retriever) { r.timeout = d } }

func WithMetrics(m *metrics.Collectors) Option { return func(r *Retriever) { r.metrics = m } }

// New returns a retriever over store. A nil searcher disables retrieval.
func New(store *convctx.Store, searcher Searcher, log *zap.Logger, opts ...Option) *Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Retriever{
		store:    store,
		searcher: searcher,
		topK:     DefaultTopK,
		timeout:  DefaultTimeout,
		log:      log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Process implements pipeline.Processor.
func (r *Retriever) Process(ctx context.Context, f pipeline.Frame, emit pipeline.Emit) error {
	if f.Kind == pipeline.FrameUserStoppedSpeaking {
		r.Refresh(ctx)
	}
	return emit(ctx, f)
}

// Refresh runs one retrieval for the current conversation. It never fails:
// on any problem the system message is left untouched.
func (r *Retriever) Refresh(ctx context.Context) (out Outcome) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("retrieval panic", zap.Any("panic", p))
			out = Failed
		}
		r.metrics.RetrievalTurn(string(out), time.Since(start).Seconds())
	}()

	if r.searcher == nil {
		return Disabled
	}

	query, ok := BuildQuery(r.store.Messages())
	if !ok {
		r.log.Debug("no conversation text to retrieve for")
		return NoQuery
	}

	ctx, span := tracer.Start(ctx, "retrieval.refresh")
	defer span.End()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	hits, err := r.searcher.Search(ctx, query, r.topK)
	if err != nil {
		span.RecordError(err)
		r.log.Warn("retrieval failed, keeping system message", zap.Error(err))
		return Failed
	}
	span.SetAttributes(attribute.Int("retrieval.hits", len(hits)))

	bullets := FormatHits(hits)
	if bullets == "" {
		r.log.Debug("no relevant context found")
		return NoHits
	}

	base, ok := r.store.SystemMessage()
	if !ok {
		r.log.Warn("no system message to augment")
		return Failed
	}
	if err := r.store.ReplaceSystemMessage(MergeSystemPrompt(base, bullets)); err != nil {
		r.log.Warn("replacing system message", zap.Error(err))
		return Failed
	}
	r.log.Debug("system message augmented", zap.Int("hits", len(hits)))
	return Updated
}

// BuildQuery pairs the most recent assistant and user texts. ok is false when
// both are empty.
func BuildQuery(msgs []convctx.Message) (string, bool) {
	var user, assistant string
	for i := len(msgs) - 1; i >= 0 && (user == "" || assistant == ""); i-- {
		text := strings.TrimSpace(msgs[i].PlainText())
		if text == "" {
			continue
		}
		switch msgs[i].Role {
		case convctx.RoleUser:
			if user == "" {
				user = text
			}
		case convctx.RoleAssistant:
			if assistant == "" {
				assistant = text
			}
		}
	}
	if user == "" && assistant == "" {
		return "", false
	}
	return fmt.Sprintf("Assistant: %s User: %s", assistant, user), true
}

// FormatHits renders one bullet per hit. Hits with neither field set are
// skipped.
func FormatHits(hits []knowledge.Hit) string {
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		c := flatten(h.ContextText)
		g := flatten(h.GuidelineText)
		if c == "" && g == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s, %s", c, g))
	}
	return strings.Join(lines, "\n")
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// MergeSystemPrompt drops any earlier retrieved section from base and appends
// a fresh one.
func MergeSystemPrompt(base, bullets string) string {
	if i := strings.Index(base, Marker); i >= 0 {
		base = strings.TrimRight(base[:i], " \t\r\n")
	}
	return base + "\n\n" + Marker + "\n" + bullets
}
