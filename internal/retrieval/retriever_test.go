package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/knowledge"
	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/pipeline"
)

type stubSearcher struct {
	hits    []knowledge.Hit
	err     error
	panics  bool
	block   bool
	queries []string
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int) ([]knowledge.Hit, error) {
	s.queries = append(s.queries, query)
	if s.panics {
		panic("index corrupted")
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.hits, s.err
}

func conversation() *convctx.Store {
	s := convctx.NewStore("You are a receptionist.")
	s.AppendMessage(convctx.RoleAssistant, "Thank you for calling, how can I help?")
	s.AppendMessage(convctx.RoleUser, "How much is laser hair removal?")
	return s
}

func TestRefreshAppendsSingleSection(t *testing.T) {
	store := conversation()
	searcher := &stubSearcher{hits: []knowledge.Hit{
		{Score: 0.9, ContextText: "Caller asks\nabout pricing", GuidelineText: "Quote from\n$99"},
		{Score: 0.5},
		{Score: 0.4, ContextText: "Caller is nervous", GuidelineText: ""},
	}}
	r := New(store, searcher, nil)

	require.Equal(t, Updated, r.Refresh(context.Background()))
	assert.Equal(t, []string{"Assistant: Thank you for calling, how can I help? User: How much is laser hair removal?"}, searcher.queries)

	sys, _ := store.SystemMessage()
	assert.Equal(t, "You are a receptionist.\n\n"+Marker+"\n- Caller asks about pricing, Quote from $99\n- Caller is nervous, ", sys)

	// A second turn replaces the section instead of stacking another.
	searcher.hits = []knowledge.Hit{{ContextText: "Caller running late", GuidelineText: "Reassure"}}
	require.Equal(t, Updated, r.Refresh(context.Background()))
	sys, _ = store.SystemMessage()
	assert.Equal(t, 1, strings.Count(sys, Marker))
	assert.True(t, strings.HasSuffix(sys, Marker+"\n- Caller running late, Reassure"))
	assert.NotContains(t, sys, "pricing")
}

func TestRefreshLeavesSystemMessageOnFailure(t *testing.T) {
	cases := map[string]struct {
		searcher Searcher
		want     Outcome
	}{
		"disabled": {searcher: nil, want: Disabled},
		"error":    {searcher: &stubSearcher{err: errors.New("backend down")}, want: Failed},
		"empty":    {searcher: &stubSearcher{}, want: NoHits},
		"blank":    {searcher: &stubSearcher{hits: []knowledge.Hit{{ContextText: "\n", GuidelineText: " "}}}, want: NoHits},
		"panic":    {searcher: &stubSearcher{panics: true}, want: Failed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := conversation()
			before := store.Messages()

			r := New(store, tc.searcher, nil)
			assert.Equal(t, tc.want, r.Refresh(context.Background()))
			assert.Equal(t, before, store.Messages())
		})
	}
}

func TestRefreshTimesOut(t *testing.T) {
	store := conversation()
	before, _ := store.SystemMessage()
	r := New(store, &stubSearcher{block: true}, nil, WithTimeout(10*time.Millisecond))

	assert.Equal(t, Failed, r.Refresh(context.Background()))
	after, _ := store.SystemMessage()
	assert.Equal(t, before, after)
}

func TestRefreshWithoutConversationText(t *testing.T) {
	searcher := &stubSearcher{hits: []knowledge.Hit{{ContextText: "x"}}}
	r := New(convctx.NewStore("sys"), searcher, nil)
	assert.Equal(t, NoQuery, r.Refresh(context.Background()))
	assert.Empty(t, searcher.queries)
}

func TestBuildQueryUsesLatestNonEmptyTexts(t *testing.T) {
	msgs := []convctx.Message{
		{Role: convctx.RoleSystem, Text: "sys"},
		{Role: convctx.RoleAssistant, Text: "first answer"},
		{Role: convctx.RoleUser, Parts: []convctx.Part{{Type: "text", Text: "book"}, {Type: "text", Text: "a facial"}}},
		{Role: convctx.RoleAssistant, Text: "   "},
		{Role: convctx.RoleUser, Text: ""},
	}
	q, ok := BuildQuery(msgs)
	require.True(t, ok)
	assert.Equal(t, "Assistant: first answer User: book a facial", q)

	q, ok = BuildQuery([]convctx.Message{{Role: convctx.RoleUser, Text: "hello"}})
	require.True(t, ok)
	assert.Equal(t, "Assistant:  User: hello", q)
}

func TestMergeSystemPromptTruncatesAtMarker(t *testing.T) {
	base := "Base prompt  \n\n" + Marker + "\n- old, stale"
	assert.Equal(t, "Base prompt\n\n"+Marker+"\n- new, fresh", MergeSystemPrompt(base, "- new, fresh"))
}

func TestProcessForwardsFrameAfterRefresh(t *testing.T) {
	store := conversation()
	searcher := &stubSearcher{hits: []knowledge.Hit{{ContextText: "c", GuidelineText: "g"}}}
	r := New(store, searcher, nil)

	var forwarded []pipeline.Kind
	emit := func(_ context.Context, f pipeline.Frame) error {
		// By the time the boundary frame moves on, the context is updated.
		if f.Kind == pipeline.FrameUserStoppedSpeaking {
			sys, _ := store.SystemMessage()
			assert.Contains(t, sys, Marker)
		}
		forwarded = append(forwarded, f.Kind)
		return nil
	}

	require.NoError(t, r.Process(context.Background(), pipeline.Frame{Kind: pipeline.FrameUserTranscript}, emit))
	assert.Empty(t, searcher.queries)
	require.NoError(t, r.Process(context.Background(), pipeline.Frame{Kind: pipeline.FrameUserStoppedSpeaking}, emit))
	assert.Len(t, searcher.queries, 1)
	assert.Equal(t, []pipeline.Kind{pipeline.FrameUserTranscript, pipeline.FrameUserStoppedSpeaking}, forwarded)

	searcher.err = errors.New("down")
	require.NoError(t, r.Process(context.Background(), pipeline.Frame{Kind: pipeline.FrameUserStoppedSpeaking}, emit))
	assert.Len(t, forwarded, 3)
}

func TestRefreshRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(conversation(), &stubSearcher{}, nil, WithMetrics(m))

	r.Refresh(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalTurns.WithLabelValues(string(NoHits))))
}
