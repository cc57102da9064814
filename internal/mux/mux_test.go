package mux

import (
	"bytes"
	"errors"
	"testing"
)

// pair wires two muxes back to back with an optional frame interceptor on
// the a->b direction.
func pair(t *testing.T) (*Mux, *Mux, *[][]byte) {
	t.Helper()
	captured := &[][]byte{}
	var b *Mux
	a := New(func(frame []byte) error {
		*captured = append(*captured, frame)
		return nil
	})
	b = New(func(frame []byte) error {
		return a.HandleFrame(frame)
	})
	return a, b, captured
}

func TestOpenAutoRegistersReceiveSide(t *testing.T) {
	a, b, captured := pair(t)
	s, err := a.Open(ModeOrdered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(*captured) != 1 {
		t.Fatalf("expected one open frame, got %d", len(*captured))
	}
	if err := b.HandleFrame((*captured)[0]); err != nil {
		t.Fatalf("handle open: %v", err)
	}
	remote, ok := b.Lookup(s.ID)
	if !ok {
		t.Fatalf("receive side did not auto-register stream %d", s.ID)
	}
	if remote.Mode != ModeOrdered {
		t.Fatalf("receive side mode mismatch: %d", remote.Mode)
	}
}

func TestOrderedResequencesOutOfOrderFrames(t *testing.T) {
	a, b, captured := pair(t)
	s, err := a.Open(ModeOrdered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, payload := range []string{"seq0", "seq1", "seq2"} {
		if err := s.Send([]byte(payload)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// frames: [open, data0, data1, data2]
	if err := b.HandleFrame((*captured)[0]); err != nil {
		t.Fatalf("handle open: %v", err)
	}
	remote, _ := b.Lookup(s.ID)

	var got []string
	remote.OnData(func(p []byte) { got = append(got, string(p)) })

	// deliver out of order: 2, 0, 1
	for _, i := range []int{3, 1, 2} {
		if err := b.HandleFrame((*captured)[i]); err != nil {
			t.Fatalf("handle data: %v", err)
		}
	}
	want := []string{"seq0", "seq1", "seq2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order mismatch: got %v", got)
		}
	}
}

func TestUnorderedDeliversInArrivalOrder(t *testing.T) {
	a, b, captured := pair(t)
	s, err := a.Open(ModeUnordered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, payload := range []string{"d0", "d1", "d2"} {
		if err := s.Send([]byte(payload)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := b.HandleFrame((*captured)[0]); err != nil {
		t.Fatalf("handle open: %v", err)
	}
	remote, _ := b.Lookup(s.ID)

	var got []string
	remote.OnData(func(p []byte) { got = append(got, string(p)) })

	for _, i := range []int{3, 1, 2} {
		if err := b.HandleFrame((*captured)[i]); err != nil {
			t.Fatalf("handle data: %v", err)
		}
	}
	want := []string{"d2", "d0", "d1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arrival order mismatch: got %v want %v", got, want)
		}
	}
}

func TestCloseDiscardsBufferedOutOfOrderData(t *testing.T) {
	a, b, captured := pair(t)
	s, err := a.Open(ModeOrdered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, payload := range []string{"seq0", "seq1", "seq2"} {
		if err := s.Send([]byte(payload)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// frames: [open, data0, data1, data2, close]
	if err := b.HandleFrame((*captured)[0]); err != nil {
		t.Fatalf("handle open: %v", err)
	}
	remote, _ := b.Lookup(s.ID)

	var delivered []string
	closed := false
	remote.OnData(func(p []byte) { delivered = append(delivered, string(p)) })
	remote.OnClose(func() { closed = true })

	// buffer seq 1 and 2, then close before seq 0 ever arrives
	_ = b.HandleFrame((*captured)[2])
	_ = b.HandleFrame((*captured)[3])
	_ = b.HandleFrame((*captured)[4])

	if !closed {
		t.Fatalf("close frame did not terminate the stream")
	}
	if len(delivered) != 0 {
		t.Fatalf("buffered data must be discarded on close, got %v", delivered)
	}
	if _, ok := b.Lookup(s.ID); ok {
		t.Fatalf("stream should be removed after close")
	}

	// late seq0 after close is a no-op
	if err := b.HandleFrame((*captured)[1]); err != nil {
		t.Fatalf("late data after close should drop silently: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("late data after close must not deliver, got %v", delivered)
	}
}

func TestSendOnClosedStream(t *testing.T) {
	a, _, _ := pair(t)
	s, err := a.Open(ModeOrdered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close should be a no-op, got %v", err)
	}
}

func TestHandleFrameMalformedIsDropped(t *testing.T) {
	m := New(func([]byte) error { return nil })
	if err := m.HandleFrame([]byte{1, 2}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDuplicateOrderedFrameIsDropped(t *testing.T) {
	a, b, captured := pair(t)
	s, err := a.Open(ModeOrdered)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Send([]byte("seq0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = b.HandleFrame((*captured)[0])
	remote, _ := b.Lookup(s.ID)

	var got [][]byte
	remote.OnData(func(p []byte) { got = append(got, p) })

	_ = b.HandleFrame((*captured)[1])
	_ = b.HandleFrame((*captured)[1])
	if len(got) != 1 || !bytes.Equal(got[0], []byte("seq0")) {
		t.Fatalf("duplicate sequence must deliver once, got %d deliveries", len(got))
	}
}
