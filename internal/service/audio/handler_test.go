package audio

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ai-speech-live-capture/internal/models"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/service/stt"
)

// testRecognizer implements stt.Recognizer for testing
type testRecognizer struct {
	mu       sync.Mutex
	results  []stt.Result
	err      error
	calls    [][]byte
	deadline bool
}

func (r *testRecognizer) Recognize(ctx context.Context, audio []byte) ([]stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, audio)
	if _, ok := ctx.Deadline(); ok {
		r.deadline = true
	}
	return r.results, r.err
}

func (r *testRecognizer) Close() error { return nil }

// testSender records messages written back to the client
type testSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *testSender) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	return nil
}

// testPublisher records published fragments
type testPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []models.TranscriptFragment
	err    error
}

func (p *testPublisher) PublishFragment(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event.(models.TranscriptFragment))
	return p.err
}

func newTestHandler(rec *testRecognizer, pub *testPublisher, opts ...Option) (*Handler, *metrics.Server) {
	m := metrics.NewServer(prometheus.NewRegistry())
	opts = append([]Option{WithMetrics(m)}, opts...)
	return NewHandler(rec, "mock", pub, opts...), m
}

func chunk(n int) []byte {
	return make([]byte, n)
}

func TestHandler_DefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MinChunkBytes != 100 {
		t.Errorf("expected min chunk 100, got %d", l.MinChunkBytes)
	}
	if l.MaxChunkBytes != 10*1024*1024 {
		t.Errorf("expected max chunk 10MB, got %d", l.MaxChunkBytes)
	}
}

func TestHandler_SkipsChunksOutsideLimits(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		reason string
	}{
		{"empty", 0, SkipTooSmall},
		{"below minimum", 99, SkipTooSmall},
		{"above maximum", 1001, SkipTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &testRecognizer{results: []stt.Result{{Transcript: "hola"}}}
			h, m := newTestHandler(rec, &testPublisher{}, WithLimits(Limits{MinChunkBytes: 100, MaxChunkBytes: 1000}))
			sender := &testSender{}

			if err := h.HandleChunk(context.Background(), "client-1", chunk(tt.size), sender); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(rec.calls) != 0 {
				t.Error("expected recognizer not called")
			}
			if len(sender.texts) != 0 {
				t.Errorf("expected nothing sent, got %v", sender.texts)
			}
			if got := testutil.ToFloat64(m.ChunksSkipped.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("expected 1 skip with reason %s, got %v", tt.reason, got)
			}
		})
	}
}

func TestHandler_MinimumSizeIsInclusive(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{{Transcript: "hola"}}}
	h, _ := newTestHandler(rec, &testPublisher{})

	if err := h.HandleChunk(context.Background(), "client-1", chunk(100), &testSender{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Errorf("expected 100-byte chunk recognized, got %d calls", len(rec.calls))
	}
}

func TestHandler_SendsTranscriptsInOrder(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{
		{Transcript: "hola", Confidence: 0.9},
		{Transcript: "  ", Confidence: 0.1},
		{Transcript: "mundo", Confidence: 0.8},
	}}
	pub := &testPublisher{}
	h, m := newTestHandler(rec, pub)
	sender := &testSender{}

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), sender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(sender.texts, []string{"hola", "mundo"}) {
		t.Errorf("expected [hola mundo], got %v", sender.texts)
	}
	if got := testutil.ToFloat64(m.TranscriptsSent); got != 2 {
		t.Errorf("expected 2 transcripts recorded, got %v", got)
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published fragments, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.EventType != models.EventTypeFragment || ev.ClientID != "client-1" || ev.ChunkID != "client-1-chunk-1" {
		t.Errorf("unexpected fragment identity: %+v", ev)
	}
	if ev.Text != "hola" || ev.Confidence != 0.9 || ev.Provider != "mock" || ev.AudioBytes != 500 {
		t.Errorf("unexpected fragment payload: %+v", ev)
	}
	if pub.keys[0] != "client-1" {
		t.Errorf("expected fragments keyed by client id, got %s", pub.keys[0])
	}
}

func TestHandler_ChunkIDsAdvance(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{{Transcript: "hola", Confidence: 0.9}}}
	pub := &testPublisher{}
	h, _ := newTestHandler(rec, pub)

	for i := 0; i < 2; i++ {
		if err := h.HandleChunk(context.Background(), "client-1", chunk(200), &testSender{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if pub.events[0].ChunkID != "client-1-chunk-1" || pub.events[1].ChunkID != "client-1-chunk-2" {
		t.Errorf("expected sequential chunk ids, got %s, %s", pub.events[0].ChunkID, pub.events[1].ChunkID)
	}
}

func TestHandler_RecognizerError(t *testing.T) {
	rec := &testRecognizer{err: errors.New("quota exceeded")}
	pub := &testPublisher{}
	h, m := newTestHandler(rec, pub)
	sender := &testSender{}

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), sender); err != nil {
		t.Fatalf("expected connection kept open, got %v", err)
	}

	if !reflect.DeepEqual(sender.texts, []string{"API Error: quota exceeded"}) {
		t.Errorf("expected error text sent, got %v", sender.texts)
	}
	if len(pub.events) != 0 {
		t.Error("expected nothing published on error")
	}
	if got := testutil.ToFloat64(m.STTErrors.WithLabelValues("mock")); got != 1 {
		t.Errorf("expected 1 recognizer error recorded, got %v", got)
	}
}

func TestHandler_SendFailureReturned(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{{Transcript: "hola"}}}
	sendErr := errors.New("broken pipe")
	h, _ := newTestHandler(rec, &testPublisher{})

	err := h.HandleChunk(context.Background(), "client-1", chunk(500), &testSender{err: sendErr})
	if !errors.Is(err, sendErr) {
		t.Errorf("expected send error returned, got %v", err)
	}
}

func TestHandler_PublishFailureDoesNotFailChunk(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{{Transcript: "hola", Confidence: 0.5}}}
	pub := &testPublisher{err: errors.New("kafka down")}
	h, _ := newTestHandler(rec, pub)
	sender := &testSender{}

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), sender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.texts) != 1 {
		t.Errorf("expected transcript still sent, got %v", sender.texts)
	}
}

func TestHandler_InvalidFragmentNotPublished(t *testing.T) {
	rec := &testRecognizer{results: []stt.Result{{Transcript: "hola", Confidence: 2}}}
	pub := &testPublisher{}
	h, _ := newTestHandler(rec, pub)
	sender := &testSender{}

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), sender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.texts) != 1 {
		t.Errorf("expected transcript sent to client, got %v", sender.texts)
	}
	if len(pub.events) != 0 {
		t.Errorf("expected invalid fragment not published, got %d", len(pub.events))
	}
}

func TestHandler_Timeout(t *testing.T) {
	rec := &testRecognizer{}
	h, _ := newTestHandler(rec, &testPublisher{}, WithTimeout(time.Second))

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), &testSender{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.deadline {
		t.Error("expected recognizer context to carry a deadline")
	}
}

func TestHandler_EmptyResults(t *testing.T) {
	rec := &testRecognizer{}
	h, m := newTestHandler(rec, &testPublisher{})
	sender := &testSender{}

	if err := h.HandleChunk(context.Background(), "client-1", chunk(500), sender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.texts) != 0 {
		t.Errorf("expected nothing sent, got %v", sender.texts)
	}
	if got := testutil.ToFloat64(m.STTEmpty.WithLabelValues("mock")); got != 1 {
		t.Errorf("expected 1 empty recognition recorded, got %v", got)
	}
}
