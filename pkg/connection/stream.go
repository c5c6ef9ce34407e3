package connection

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blecentral/internal/device"
)

// Stream is a pull-style consumer of the notifications of one connection.
// It holds at most its capacity; when the consumer falls behind the oldest
// updates are overwritten, counted in Dropped, and the next update returned
// by Next carries device.FlagDropped.
type Stream struct {
	buffer  mpmc.RichOverlappedRingBuffer[device.NotificationData]
	signal  chan struct{}
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	gap     atomic.Bool
	detach  func(*Stream)
}

func newStream(capacity int, detach func(*Stream)) *Stream {
	if capacity < 2 {
		capacity = 2
	}
	return &Stream{
		buffer: mpmc.NewOverlappedRingBuffer[device.NotificationData](uint32(capacity)),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
		detach: detach,
	}
}

func (s *Stream) push(n device.NotificationData) {
	select {
	case <-s.closed:
		return
	default:
	}
	overwrites, err := s.buffer.EnqueueM(n)
	if err != nil {
		s.dropped.Add(1)
		s.gap.Store(true)
		return
	}
	if overwrites > 0 {
		s.dropped.Add(uint64(overwrites))
		s.gap.Store(true)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered update, waiting for one if necessary.
// It returns io.EOF once the stream is closed and drained.
func (s *Stream) Next(ctx context.Context) (device.NotificationData, error) {
	for {
		if !s.buffer.IsEmpty() {
			n, err := s.buffer.Dequeue()
			if err == nil {
				if s.gap.Swap(false) {
					n.Flags |= device.FlagDropped
				}
				return n, nil
			}
		}
		select {
		case <-s.signal:
		case <-s.closed:
			if s.buffer.IsEmpty() {
				return device.NotificationData{}, io.EOF
			}
		case <-ctx.Done():
			return device.NotificationData{}, ctx.Err()
		}
	}
}

// Dropped is the number of updates overwritten before they were read.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the stream from its connection. Buffered updates remain
// readable.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.closed)
		if s.detach != nil {
			s.detach(s)
		}
	})
}
