// Package mux multiplexes independent logical byte streams, ordered or
// unordered, over one shared raw channel per peer pair.
//
// This layer carries no acknowledgment, retransmission, or congestion
// control: ordered delivery assumes the underlying channel is itself
// reliable. A genuinely dropped ordered frame stalls that stream's
// resequencer forever; a hardened version needs a bounded reorder depth
// with forced skip-ahead, or reliability pushed into the transport.
package mux

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrStreamClosed = errors.New("mux: stream closed")
	ErrNoSendFunc   = errors.New("mux: no send func bound")
)

// SendFunc writes one encoded frame to the raw channel.
type SendFunc func(b []byte) error

// DataHandler receives one delivered payload in application order.
type DataHandler func(payload []byte)

// CloseHandler fires once when the stream terminates.
type CloseHandler func()

// Mux owns the stream table for one peer pair. The table is mutated from
// local calls and from the channel's own HandleFrame callbacks; a mutex
// keeps both safe on multi-threaded hosts. Handlers run outside the lock,
// so they may call back into the mux.
type Mux struct {
	mu      sync.Mutex
	send    SendFunc
	limits  Limits
	streams map[uint32]*Stream
}

func New(send SendFunc) *Mux {
	return &Mux{
		send:    send,
		limits:  DefaultLimits(),
		streams: make(map[uint32]*Stream),
	}
}

// Stream is one logical pipe over the shared channel.
//
// Ordered streams own an expected-sequence counter and an out-of-order
// buffer; frames above the expected sequence wait until the gap closes.
// Unordered streams deliver in arrival order with no buffering.
type Stream struct {
	ID   uint32
	Mode uint8

	mux *Mux

	nextSendSeq uint32
	expectSeq   uint32
	pending     map[uint32][]byte
	closed      bool

	onData  []DataHandler
	onClose []CloseHandler
}

// Open registers a new locally initiated stream, emits its open frame, and
// returns the handle.
func (m *Mux) Open(mode uint8) (*Stream, error) {
	if mode != ModeOrdered && mode != ModeUnordered {
		return nil, errors.New("mux: invalid stream mode")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.send == nil {
		return nil, ErrNoSendFunc
	}

	id, err := m.newStreamIDLocked()
	if err != nil {
		return nil, err
	}
	s := m.registerLocked(id, mode)
	if err := m.emitLocked(Frame{Type: TypeOpen, Mode: mode, StreamID: id}); err != nil {
		delete(m.streams, id)
		return nil, err
	}
	return s, nil
}

// Lookup returns the registered stream for id, if any.
func (m *Mux) Lookup(id uint32) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// delivery is callback work collected under the lock, fired after release.
type delivery struct {
	data     []DataHandler
	payloads [][]byte
	closeFns []CloseHandler
}

func (d delivery) fire() {
	for _, p := range d.payloads {
		for _, h := range d.data {
			h(p)
		}
	}
	for _, h := range d.closeFns {
		h()
	}
}

// HandleFrame ingests one raw frame from the channel. Malformed frames are
// dropped and reported; no retransmission is requested.
func (m *Mux) HandleFrame(b []byte) error {
	f, err := DecodeFrame(b, m.limits)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(b)).Msg("mux_frame_dropped")
		return err
	}

	var d delivery
	m.mu.Lock()
	switch f.Type {
	case TypeOpen:
		// Receiving an unrecognized open auto-registers the receive side.
		if _, ok := m.streams[f.StreamID]; !ok {
			m.registerLocked(f.StreamID, f.Mode)
		}
	case TypeData:
		if s, ok := m.streams[f.StreamID]; ok && !s.closed {
			d = s.receiveLocked(f)
		}
	case TypeClose:
		if s, ok := m.streams[f.StreamID]; ok {
			d = m.finalizeLocked(s)
		}
	}
	m.mu.Unlock()

	d.fire()
	return nil
}

// Send writes one payload on the stream. Ordered streams stamp a monotonic
// per-stream sequence; unordered frames carry sequence zero.
func (s *Stream) Send(payload []byte) error {
	m := s.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	f := Frame{Type: TypeData, Mode: s.Mode, StreamID: s.ID, Payload: payload}
	if s.Mode == ModeOrdered {
		f.Sequence = s.nextSendSeq
		s.nextSendSeq++
	}
	return m.emitLocked(f)
}

// Close emits a close frame and terminates the stream locally.
func (s *Stream) Close() error {
	m := s.mux
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return nil
	}
	err := m.emitLocked(Frame{Type: TypeClose, Mode: s.Mode, StreamID: s.ID})
	d := m.finalizeLocked(s)
	m.mu.Unlock()
	d.fire()
	return err
}

// OnData subscribes to in-order payload delivery.
func (s *Stream) OnData(h DataHandler) {
	m := s.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	s.onData = append(s.onData, h)
}

// OnClose subscribes to stream termination.
func (s *Stream) OnClose(h CloseHandler) {
	m := s.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	s.onClose = append(s.onClose, h)
}

// Closed reports whether the stream has terminated.
func (s *Stream) Closed() bool {
	m := s.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.closed
}

func (m *Mux) registerLocked(id uint32, mode uint8) *Stream {
	s := &Stream{
		ID:      id,
		Mode:    mode,
		mux:     m,
		pending: make(map[uint32][]byte),
	}
	m.streams[id] = s
	return s
}

func (m *Mux) emitLocked(f Frame) error {
	if m.send == nil {
		return ErrNoSendFunc
	}
	b, err := EncodeFrame(f, m.limits)
	if err != nil {
		return err
	}
	return m.send(b)
}

// finalizeLocked terminates the stream immediately, discarding any
// still-buffered out-of-order data even when lower frames are pending.
func (m *Mux) finalizeLocked(s *Stream) delivery {
	if s.closed {
		return delivery{}
	}
	s.closed = true
	s.pending = nil
	delete(m.streams, s.ID)
	return delivery{closeFns: s.onClose}
}

func (s *Stream) receiveLocked(f Frame) delivery {
	d := delivery{data: s.onData}
	if s.Mode == ModeUnordered {
		d.payloads = [][]byte{f.Payload}
		return d
	}

	switch {
	case f.Sequence == s.expectSeq:
		d.payloads = append(d.payloads, f.Payload)
		s.expectSeq++
		for {
			next, ok := s.pending[s.expectSeq]
			if !ok {
				break
			}
			delete(s.pending, s.expectSeq)
			d.payloads = append(d.payloads, next)
			s.expectSeq++
		}
	case f.Sequence > s.expectSeq:
		s.pending[f.Sequence] = f.Payload
	default:
		// duplicate of an already-delivered sequence
	}
	return d
}

func (m *Mux) newStreamIDLocked() (uint32, error) {
	var b [4]byte
	for i := 0; i < 16; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b[:])
		if _, taken := m.streams[id]; !taken {
			return id, nil
		}
	}
	return 0, errors.New("mux: stream id space exhausted")
}
