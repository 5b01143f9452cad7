package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

type scriptedSource struct {
	mu   sync.Mutex
	n    int
	max  int
	gate chan struct{}
}

func (s *scriptedSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	s.mu.Lock()
	s.n++
	done := s.n > s.max
	seq := uint16(s.n)
	s.mu.Unlock()
	if done {
		if s.gate != nil {
			<-s.gate
		}
		return nil, nil, io.EOF
	}
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}, nil, nil
}

type recordingSink struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	err  error
}

func (r *recordingSink) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pkts = append(r.pkts, pkt)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pkts)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlaybackForwardsWhilePlaying(t *testing.T) {
	src := &scriptedSource{max: 10}
	sink := &recordingSink{}
	var released atomic.Bool
	p := newPlaybackTrack("user-2", core.TrackAudio, src, sink, func() { released.Store(true) })

	p.Play()
	waitFor(t, func() bool { return sink.count() == 10 }, "packets not forwarded")
	waitFor(t, func() bool { return released.Load() }, "release not called after source drained")
}

func TestPlaybackVolumeZeroGatesAudio(t *testing.T) {
	src := &scriptedSource{max: 1 << 20}
	sink := &recordingSink{}
	p := newPlaybackTrack("user-2", core.TrackAudio, src, sink, nil)
	defer p.close()

	p.SetVolume(0)
	p.Play()

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("audio forwarded at volume zero: %d packets", sink.count())
	}

	p.SetVolume(100)
	waitFor(t, func() bool { return sink.count() > 0 }, "audio not restored at full volume")
}

func TestPlaybackStopDropsButKeepsDraining(t *testing.T) {
	src := &scriptedSource{max: 1 << 20}
	sink := &recordingSink{}
	p := newPlaybackTrack("user-2", core.TrackAudio, src, sink, nil)
	defer p.close()

	p.Play()
	waitFor(t, func() bool { return sink.count() > 0 }, "no packets before stop")
	p.Stop()
	time.Sleep(10 * time.Millisecond)
	n := sink.count()
	time.Sleep(20 * time.Millisecond)
	if sink.count() > n+1 {
		t.Fatalf("packets still forwarded after stop: %d -> %d", n, sink.count())
	}

	src.mu.Lock()
	reads := src.n
	src.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	src.mu.Lock()
	stillReading := src.n > reads
	src.mu.Unlock()
	if !stillReading {
		t.Fatal("receiver not drained while stopped")
	}
}

func TestPlaybackCloseWithoutPlayReleasesSink(t *testing.T) {
	var released atomic.Bool
	p := newPlaybackTrack("user-2", core.TrackVideo, &scriptedSource{}, nil, func() { released.Store(true) })
	p.close()
	if !released.Load() {
		t.Fatal("sink not released when closed before play")
	}
}

// ---- frame dispatch --------------------------------------------------------

type recordingHandler struct {
	mu          sync.Mutex
	published   []string
	unpublished []string
	left        []domain.UserID
	dropped     []error
}

func (h *recordingHandler) TrackPublished(user domain.UserID, kind core.TrackKind) {
	h.mu.Lock()
	h.published = append(h.published, string(user)+"/"+string(kind))
	h.mu.Unlock()
}

func (h *recordingHandler) TrackUnpublished(user domain.UserID, kind core.TrackKind) {
	h.mu.Lock()
	h.unpublished = append(h.unpublished, string(user)+"/"+string(kind))
	h.mu.Unlock()
}

func (h *recordingHandler) ParticipantLeft(user domain.UserID) {
	h.mu.Lock()
	h.left = append(h.left, user)
	h.mu.Unlock()
}

func (h *recordingHandler) Disconnected(err error) {
	h.mu.Lock()
	h.dropped = append(h.dropped, err)
	h.mu.Unlock()
}

func TestHandleFrameDispatch(t *testing.T) {
	r := newRoom(nil, "ws://unused", nil)
	h := &recordingHandler{}
	r.SetHandler(h)

	r.handleFrame([]byte(`{"type":"published","user":"user-2","kind":"audio"}`))
	r.handleFrame([]byte(`{"type":"unpublished","user":"user-2","kind":"audio"}`))
	r.handleFrame([]byte(`{"type":"left","user":"user-2"}`))
	r.handleFrame([]byte(`not json`))
	r.handleFrame([]byte(`{"type":"bogus"}`))

	// Handler callbacks are dispatched off the read path.
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.published) == 1 && len(h.unpublished) == 1 && len(h.left) == 1
	}, "handler callbacks not dispatched")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.published[0] != "user-2/audio" {
		t.Fatalf("published: %v", h.published)
	}
	if h.unpublished[0] != "user-2/audio" {
		t.Fatalf("unpublished: %v", h.unpublished)
	}
	if h.left[0] != "user-2" {
		t.Fatalf("left: %v", h.left)
	}
}

func TestTrySendBackpressure(t *testing.T) {
	r := newRoom(nil, "ws://unused", nil)
	r.mu.Lock()
	r.send = make(chan []byte, 1)
	r.mu.Unlock()

	if err := r.trySend([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := r.trySend([]byte("b")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}
}
