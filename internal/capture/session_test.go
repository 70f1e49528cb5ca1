package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/buffer"
	"ai-speech-live-capture/internal/device"
	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/transport"
)

// callLog records calls across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testNotifier struct {
	mu        sync.Mutex
	statuses  []string
	fragments []string
}

func (n *testNotifier) OnStatus(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, message)
}

func (n *testNotifier) OnFragment(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fragments = append(n.fragments, text)
}

func (n *testNotifier) lastStatus() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.statuses) == 0 {
		return ""
	}
	return n.statuses[len(n.statuses)-1]
}

type testTransport struct {
	log *callLog

	mu       sync.Mutex
	state    transport.State
	notify   func(transport.Event)
	payloads []media.Payload
	closed   bool
	hold     chan struct{} // when set, Send blocks until it is closed
}

func (t *testTransport) Connect(ctx context.Context, notify func(transport.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = notify
}

func (t *testTransport) Send(ctx context.Context, payload media.Payload) error {
	t.mu.Lock()
	hold := t.hold
	t.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != transport.StateOpen {
		return fmt.Errorf("send in state %s: %w", t.state, transport.ErrNotConnected)
	}
	t.payloads = append(t.payloads, payload)
	t.log.add("send:%d", payload.Size())
	return nil
}

func (t *testTransport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *testTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *testTransport) setState(s transport.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *testTransport) sent() []media.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.Payload(nil), t.payloads...)
}

func (t *testTransport) deliver(ev transport.Event) {
	t.mu.Lock()
	notify := t.notify
	t.mu.Unlock()
	notify(ev)
}

type testStream struct {
	log       *callLog
	supported map[string]bool

	mu   sync.Mutex
	opts device.EncoderOptions
	emit func(media.Frame)
	done chan struct{}
}

func newTestStream(log *callLog, supported ...string) *testStream {
	s := &testStream{log: log, supported: map[string]bool{}, done: make(chan struct{})}
	for _, m := range supported {
		s.supported[m] = true
	}
	return s
}

func (s *testStream) Supports(mimeType string) bool { return s.supported[mimeType] }

func (s *testStream) Start(ctx context.Context, opts device.EncoderOptions, emit func(media.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
	s.emit = emit
	s.log.add("start:%s", opts.MIMEType)
	return nil
}

func (s *testStream) Stop() error {
	s.log.add("stop")
	return nil
}

func (s *testStream) Release() error {
	s.log.add("release")
	return nil
}

func (s *testStream) Done() <-chan struct{} { return s.done }

func (s *testStream) frame(size int) {
	s.mu.Lock()
	emit, mime := s.emit, s.opts.MIMEType
	s.mu.Unlock()
	emit(media.Frame{Data: bytes.Repeat([]byte{7}, size), MIMEType: mime})
}

type testDevice struct {
	stream *testStream
	err    error
}

func (d *testDevice) Acquire(ctx context.Context, c media.Constraints) (device.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type harness struct {
	session   *Session
	transport *testTransport
	notifier  *testNotifier
	clock     *testClock
	metrics   *metrics.Client
	log       *callLog
}

func newHarness(t *testing.T, dev device.Device, log *callLog) *harness {
	t.Helper()
	h := &harness{
		transport: &testTransport{log: log, state: transport.StateOpen},
		notifier:  &testNotifier{},
		clock:     &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		metrics:   metrics.NewClient(prometheus.NewRegistry()),
		log:       log,
	}
	h.session = NewSession(DefaultConfig(), dev, h.transport, h.notifier,
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
		WithLogger(zerolog.Nop()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := h.session.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func beginRecording(t *testing.T, log *callLog) (*harness, *testStream) {
	t.Helper()
	stream := newTestStream(log, media.MIMEWebMOpus, media.MIMEWebM, media.MIMEL16)
	h := newHarness(t, &testDevice{stream: stream}, log)
	if err := h.session.BeginCapture(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	return h, stream
}

func TestSession_BeginCapture_StartsRecording(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})

	snap := h.snapshot(t)
	if snap.State != StateRecording {
		t.Errorf("expected StateRecording, got %v", snap.State)
	}
	if !snap.LastEmission.Equal(h.clock.Now()) {
		t.Errorf("expected lastEmission set at start, got %v", snap.LastEmission)
	}
	if h.notifier.lastStatus() != StatusRecording {
		t.Errorf("expected status %q, got %q", StatusRecording, h.notifier.lastStatus())
	}

	stream.mu.Lock()
	opts := stream.opts
	stream.mu.Unlock()
	if opts.MIMEType != media.MIMEWebMOpus {
		t.Errorf("expected preferred codec, got %s", opts.MIMEType)
	}
	if opts.BitsPerSecond != 128000 || opts.Timeslice != time.Second {
		t.Errorf("expected 128000 bps / 1s timeslice, got %d / %v", opts.BitsPerSecond, opts.Timeslice)
	}
}

func TestSession_CodecFallback(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		expected  string
	}{
		{"opus", []string{media.MIMEWebMOpus, media.MIMEWebM}, media.MIMEWebMOpus},
		{"webm", []string{media.MIMEWebM}, media.MIMEWebM},
		{"pcm", []string{media.MIMEL16}, media.MIMEL16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			stream := newTestStream(log, tt.supported...)
			h := newHarness(t, &testDevice{stream: stream}, log)

			if err := h.session.BeginCapture(context.Background()); err != nil {
				t.Fatalf("unexpected begin error: %v", err)
			}
			calls := log.snapshot()
			if len(calls) == 0 || calls[0] != "start:"+tt.expected {
				t.Errorf("expected start:%s, got %v", tt.expected, calls)
			}
		})
	}
}

func TestSession_AdmissionGap(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})

	// 500ms after the last admission: dropped.
	h.clock.Advance(500 * time.Millisecond)
	stream.frame(1000)
	if snap := h.snapshot(t); snap.PendingFrames != 0 {
		t.Fatalf("expected frame at 500ms dropped, got %d pending", snap.PendingFrames)
	}

	// 1500ms after the last admission: admitted.
	h.clock.Advance(1000 * time.Millisecond)
	stream.frame(1000)
	snap := h.snapshot(t)
	if snap.PendingFrames != 1 || snap.PendingBytes != 1000 {
		t.Fatalf("expected frame at 1500ms admitted, got %d frames / %d bytes", snap.PendingFrames, snap.PendingBytes)
	}
	if !snap.LastEmission.Equal(h.clock.Now()) {
		t.Error("expected lastEmission updated on admission")
	}

	// Exactly the gap is not enough.
	h.clock.Advance(1000 * time.Millisecond)
	stream.frame(1000)
	if snap := h.snapshot(t); snap.PendingFrames != 1 {
		t.Errorf("expected frame at exactly 1000ms dropped, got %d pending", snap.PendingFrames)
	}

	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues(metrics.DropGap)); got != 2 {
		t.Errorf("expected 2 gap drops recorded, got %v", got)
	}
}

func TestSession_EmptyFrameDropped(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})

	h.clock.Advance(1500 * time.Millisecond)
	stream.frame(0)
	snap := h.snapshot(t)
	if snap.PendingFrames != 0 {
		t.Errorf("expected empty frame dropped, got %d pending", snap.PendingFrames)
	}
	if !snap.LastEmission.Equal(h.clock.Now().Add(-1500 * time.Millisecond)) {
		t.Error("expected lastEmission unchanged by a dropped frame")
	}
	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues(metrics.DropEmpty)); got != 1 {
		t.Errorf("expected 1 empty drop recorded, got %v", got)
	}
}

func TestSession_HighWaterFlushWhileRecording(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})

	for i := 0; i < 4; i++ {
		h.clock.Advance(1500 * time.Millisecond)
		stream.frame(20000)
	}
	h.snapshot(t)

	sent := h.transport.sent()
	if len(sent) != 1 || sent[0].Size() != 80000 || sent[0].Frames != 4 {
		t.Fatalf("expected one 80000-byte payload of 4 frames, got %+v", sent)
	}
}

func TestSession_GapUsesCaptureTime(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})

	hold := make(chan struct{})
	h.transport.mu.Lock()
	h.transport.hold = hold
	h.transport.mu.Unlock()

	// Reaching the high-water mark blocks the loop inside Send.
	h.clock.Advance(1500 * time.Millisecond)
	stream.frame(buffer.DefaultHighWater)

	// These frames queue up behind the blocked flush, 1500ms apart.
	for i := 0; i < 3; i++ {
		h.clock.Advance(1500 * time.Millisecond)
		stream.frame(1000)
	}
	close(hold)

	snap := h.snapshot(t)
	if snap.PendingFrames != 3 || snap.PendingBytes != 3000 {
		t.Fatalf("expected 3 queued frames admitted, got %d frames / %d bytes", snap.PendingFrames, snap.PendingBytes)
	}
	if !snap.LastEmission.Equal(h.clock.Now()) {
		t.Errorf("expected lastEmission at the last frame's capture time, got %v", snap.LastEmission)
	}
	if sent := h.transport.sent(); len(sent) != 1 || sent[0].Size() != buffer.DefaultHighWater {
		t.Errorf("expected one high-water payload, got %+v", sent)
	}
}

func TestSession_EndCapture_FlushesBeforeRelease(t *testing.T) {
	log := &callLog{}
	h, stream := beginRecording(t, log)

	h.clock.Advance(1500 * time.Millisecond)
	stream.frame(10000)
	if snap := h.snapshot(t); snap.PendingBytes != 10000 {
		t.Fatalf("expected 10000 pending bytes, got %d", snap.PendingBytes)
	}

	if err := h.session.EndCapture(context.Background()); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}

	want := []string{"start:" + media.MIMEWebMOpus, "stop", "send:10000", "release"}
	got := log.snapshot()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected call order %v, got %v", want, got)
	}
	if len(h.transport.sent()) != 1 {
		t.Errorf("expected exactly one flush, got %d", len(h.transport.sent()))
	}

	snap := h.snapshot(t)
	if snap.State != StateIdle || snap.PendingFrames != 0 {
		t.Errorf("expected idle with empty batch, got %v / %d frames", snap.State, snap.PendingFrames)
	}
	if h.notifier.lastStatus() != StatusRecordingStopped {
		t.Errorf("expected status %q, got %q", StatusRecordingStopped, h.notifier.lastStatus())
	}
}

func TestSession_EndCapture_EmptyBatchSendsNothing(t *testing.T) {
	log := &callLog{}
	h, _ := beginRecording(t, log)

	if err := h.session.EndCapture(context.Background()); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if len(h.transport.sent()) != 0 {
		t.Errorf("expected no send for empty batch, got %d", len(h.transport.sent()))
	}
}

func TestSession_EndCapture_WhenIdleIsNoop(t *testing.T) {
	log := &callLog{}
	h := newHarness(t, &testDevice{stream: newTestStream(log, media.MIMEWebM)}, log)

	if err := h.session.EndCapture(context.Background()); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
	if len(log.snapshot()) != 0 {
		t.Errorf("expected no device calls, got %v", log.snapshot())
	}
	if h.notifier.lastStatus() != "" {
		t.Errorf("expected no status, got %q", h.notifier.lastStatus())
	}
}

func TestSession_BeginCapture_WhileRecording(t *testing.T) {
	h, _ := beginRecording(t, &callLog{})

	err := h.session.BeginCapture(context.Background())
	if !errors.Is(err, ErrCaptureActive) {
		t.Errorf("expected ErrCaptureActive, got %v", err)
	}
	if snap := h.snapshot(t); snap.State != StateRecording {
		t.Errorf("expected recording to continue, got %v", snap.State)
	}
}

func TestSession_DeviceUnavailable(t *testing.T) {
	log := &callLog{}
	dev := &testDevice{err: fmt.Errorf("%w: permission denied", device.ErrDeviceUnavailable)}
	h := newHarness(t, dev, log)

	err := h.session.BeginCapture(context.Background())
	if !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if h.notifier.lastStatus() != StatusDeviceError {
		t.Errorf("expected status %q, got %q", StatusDeviceError, h.notifier.lastStatus())
	}
	if snap := h.snapshot(t); snap.State != StateIdle {
		t.Errorf("expected StateIdle after failure, got %v", snap.State)
	}

	// The session survives and can try again.
	dev.err = nil
	dev.stream = newTestStream(log, media.MIMEWebM)
	if err := h.session.BeginCapture(context.Background()); err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestSession_EncodingUnsupported(t *testing.T) {
	log := &callLog{}
	h := newHarness(t, &testDevice{stream: newTestStream(log)}, log)

	err := h.session.BeginCapture(context.Background())
	if !errors.Is(err, media.ErrEncodingUnsupported) {
		t.Fatalf("expected ErrEncodingUnsupported, got %v", err)
	}
	if got := log.snapshot(); len(got) != 1 || got[0] != "release" {
		t.Errorf("expected the input released, got %v", got)
	}
	if snap := h.snapshot(t); snap.State != StateIdle {
		t.Errorf("expected StateIdle, got %v", snap.State)
	}
}

func TestSession_FailedFlushDiscardsBatchAndContinues(t *testing.T) {
	h, stream := beginRecording(t, &callLog{})
	h.transport.setState(transport.StateClosed)

	h.clock.Advance(1500 * time.Millisecond)
	stream.frame(DefaultConfig().HighWater)

	snap := h.snapshot(t)
	if snap.PendingFrames != 0 {
		t.Errorf("expected batch discarded, got %d pending", snap.PendingFrames)
	}
	if snap.State != StateRecording {
		t.Errorf("expected capture to continue, got %v", snap.State)
	}
	if len(h.transport.sent()) != 0 {
		t.Errorf("expected nothing delivered, got %d", len(h.transport.sent()))
	}
}

func TestSession_ForwardsFragmentsInOrder(t *testing.T) {
	log := &callLog{}
	h := newHarness(t, &testDevice{stream: newTestStream(log)}, log)
	h.snapshot(t)

	h.transport.deliver(transport.Fragment{Text: "hello"})
	h.transport.deliver(transport.Fragment{Text: "world"})
	h.snapshot(t)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if fmt.Sprint(h.notifier.fragments) != "[hello world]" {
		t.Errorf("expected [hello world], got %v", h.notifier.fragments)
	}
}

func TestSession_ConnectionStatus(t *testing.T) {
	tests := []struct {
		event    transport.StateChanged
		expected string
	}{
		{transport.StateChanged{State: transport.StateOpen}, StatusConnected},
		{transport.StateChanged{State: transport.StateClosed}, StatusDisconnected},
		{transport.StateChanged{State: transport.StateFailed, Err: errors.New("refused")}, StatusConnectionError},
	}

	for _, tt := range tests {
		t.Run(tt.event.State.String(), func(t *testing.T) {
			log := &callLog{}
			h := newHarness(t, &testDevice{stream: newTestStream(log)}, log)
			h.snapshot(t)

			h.transport.deliver(tt.event)
			h.snapshot(t)

			if h.notifier.lastStatus() != tt.expected {
				t.Errorf("expected status %q, got %q", tt.expected, h.notifier.lastStatus())
			}
		})
	}
}

func TestSession_InputEndStopsCapture(t *testing.T) {
	log := &callLog{}
	h, stream := beginRecording(t, log)

	h.clock.Advance(1500 * time.Millisecond)
	stream.frame(500)
	h.snapshot(t)

	close(stream.done)

	deadline := time.Now().Add(3 * time.Second)
	for h.snapshot(t).State != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("capture did not stop at end of input")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.transport.sent()) != 1 {
		t.Errorf("expected the tail flushed, got %d payloads", len(h.transport.sent()))
	}
}

func TestSession_ClosedSession(t *testing.T) {
	log := &callLog{}
	tr := &testTransport{log: log, state: transport.StateOpen}
	s := NewSession(DefaultConfig(), &testDevice{stream: newTestStream(log)}, tr, &testNotifier{}, WithLogger(zerolog.Nop()),
		WithMetrics(metrics.NewClient(prometheus.NewRegistry())))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := s.BeginCapture(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		t.Error("expected transport closed on shutdown")
	}
}
