package pipeline

import (
	"sync"
	"sync/atomic"

	"audio-framer/pkg/config"
	"audio-framer/pkg/framer"
	"audio-framer/pkg/models"
)

type session struct {
	info   *models.SessionInfo
	proc   *framer.Processor
	blocks chan models.Block
	frames chan models.Frame

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	rejected   atomic.Uint64
	archived   atomic.Uint64
	subDropped atomic.Uint64

	subMu   sync.Mutex
	subs    map[uint64]chan models.Frame
	nextSub uint64
	ended   bool
}

func newSession(info *models.SessionInfo, proc *framer.Processor, frames chan models.Frame, cfg config.PipelineConfig) *session {
	return &session{
		info:   info,
		proc:   proc,
		blocks: make(chan models.Block, cfg.BlockQueueSize),
		frames: frames,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		subs:   make(map[uint64]chan models.Frame),
	}
}

func (s *session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) subscribe(size int) (<-chan models.Frame, func(), bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.ended {
		return nil, nil, false
	}

	id := s.nextSub
	s.nextSub++
	ch := make(chan models.Frame, size)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel, true
}

// broadcast offers frame to every subscriber without blocking and returns the
// number of subscribers that missed it.
func (s *session) broadcast(frame models.Frame) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	missed := 0
	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			missed++
		}
	}
	if missed > 0 {
		s.subDropped.Add(uint64(missed))
	}
	return missed
}

func (s *session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.ended = true
}

func (s *session) stats() models.SessionStats {
	ps := s.proc.Stats()
	return models.SessionStats{
		BlocksProcessed:  ps.BlocksProcessed,
		BlocksRejected:   s.rejected.Load(),
		FramesEmitted:    ps.FramesEmitted,
		FramesDropped:    ps.FramesDropped + s.subDropped.Load(),
		FramesArchived:   s.archived.Load(),
		SamplesDiscarded: ps.SamplesDiscarded,
		NextSequence:     ps.NextSequence,
	}
}
