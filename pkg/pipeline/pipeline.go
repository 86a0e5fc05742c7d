package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"audio-framer/pkg/config"
	"audio-framer/pkg/framer"
	"audio-framer/pkg/models"
	"audio-framer/pkg/observe"
	"audio-framer/pkg/storage"
)

var (
	ErrQueueFull       = errors.New("pipeline queue is full")
	ErrShuttingDown    = errors.New("pipeline is shutting down")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrSessionClosed   = errors.New("session is closed")
	ErrChannelMismatch = errors.New("block channel count does not match session")
	ErrInvalidParams   = errors.New("invalid session parameters")
)

// Manager runs one frame processor per capture session and fans its frames
// out to live subscribers and the archive.
//
// Per session there are two goroutines: the ingestion stage drains the block
// queue into the processor, and the delivery stage forwards emitted frames.
// Both are single goroutines, so frames leave in sequence order. Archive
// writes go through a shared worker pool.
type Manager struct {
	config   config.PipelineConfig
	sessions storage.SessionStore
	archive  storage.FrameArchive
	metrics  *observe.Metrics
	log      *slog.Logger

	archiveCh   chan *models.PipelineMessage
	archivePool *WorkerPool[*models.PipelineMessage]

	mu     sync.RWMutex
	live   map[string]*session
	closed bool
	// delivering counts delivery stages that may still send on archiveCh,
	// including those of sessions already removed from live.
	delivering sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager. archive may be nil to disable archiving.
func NewManager(cfg config.PipelineConfig, sessions storage.SessionStore, archive storage.FrameArchive,
	metrics *observe.Metrics, log *slog.Logger) *Manager {
	return &Manager{
		config:    cfg,
		sessions:  sessions,
		archive:   archive,
		metrics:   metrics,
		log:       log,
		archiveCh: make(chan *models.PipelineMessage, cfg.ArchiveQueueSize),
		live:      make(map[string]*session),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log.Info("pipeline manager starting", "archive", m.archive != nil)

	m.archivePool = NewWorkerPool(m.config.ArchiveWorkers, 2*m.config.ArchiveWorkers, m.archiveFrame)
	m.archivePool.Start(m.ctx)

	m.wg.Add(1)
	go m.runArchiveStage()
	return nil
}

// Stop closes every session, flushes queued archive writes and waits for
// all stages to finish.
func (m *Manager) Stop() {
	m.log.Info("pipeline manager stopping")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CloseSession(id); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			m.log.Warn("failed to close session", "session_id", id, "error", err)
		}
	}

	// Sessions closed concurrently by CloseSession are no longer in live but
	// may still be delivering.
	m.delivering.Wait()
	if m.archivePool == nil {
		m.log.Info("pipeline manager stopped")
		return
	}
	close(m.archiveCh)
	m.wg.Wait()
	m.archivePool.Stop()
	m.cancel()
	m.log.Info("pipeline manager stopped")
}

// CreateSession registers a session and starts its stages.
func (m *Manager) CreateSession(params models.SessionParams) (*models.SessionInfo, error) {
	if params.Channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive", ErrInvalidParams)
	}
	if err := framer.ValidateSampleRate(int64(params.InputSampleRateHz)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if params.BlockSize < 0 {
		return nil, fmt.Errorf("%w: block size must not be negative", ErrInvalidParams)
	}
	if params.BlockSize == 0 {
		params.BlockSize = m.config.DefaultBlockSize
	}
	if params.FrameDurationMs == 0 {
		params.FrameDurationMs = m.config.FrameDurationMs
	}
	if params.FrameDurationMs < 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, framer.ErrInvalidFrameDuration)
	}

	info := models.NewSessionInfo(params)
	frames := make(chan models.Frame, m.config.FrameQueueSize)
	proc, err := framer.NewProcessor(framer.Config{
		InputSampleRateHz: uint32(params.InputSampleRateHz),
		FrameDurationMs:   uint32(params.FrameDurationMs),
	}, framer.ChannelSink(frames), framer.WithBlockSize(params.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	cfg := proc.Config()
	info.TargetSampleRateHz = framer.TargetSampleRateHz
	info.FrameSizeSamples = cfg.FrameSizeSamples()
	info.DownsampleRatio = cfg.DownsampleRatio()

	s := newSession(info, proc, frames, m.config)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(m.live) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.live[info.ID] = s
	m.delivering.Add(1)
	m.mu.Unlock()

	if err := m.sessions.StoreSession(info); err != nil {
		m.mu.Lock()
		delete(m.live, info.ID)
		m.mu.Unlock()
		m.delivering.Done()
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.metrics.ActiveSessions.Add(m.ctx, 1)
	go m.runIngestionStage(s)
	go m.runDeliveryStage(s)

	m.log.Info("session created",
		"session_id", info.ID,
		"input_rate", info.InputSampleRateHz,
		"channels", info.Channels,
		"frame_ms", info.FrameDurationMs,
	)
	return info, nil
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.live[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return s, nil
}

// SubmitBlock queues one host block for a session without blocking. Empty
// blocks are accepted and ignored.
func (m *Manager) SubmitBlock(id string, block models.Block) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if block.Len() == 0 {
		return nil
	}
	if len(block) != s.info.Channels {
		m.reject(s, "channel_mismatch")
		return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(block), s.info.Channels)
	}

	select {
	case <-s.stop:
		return ErrSessionClosed
	case <-m.ctx.Done():
		return ErrShuttingDown
	default:
	}

	select {
	case s.blocks <- block:
		return nil
	default:
		m.reject(s, "queue_full")
		return ErrQueueFull
	}
}

// Reconfigure changes a session's frame duration. The processor adopts it on
// its next block and discards any partially built frame.
func (m *Manager) Reconfigure(id string, update models.ConfigUpdate) (*models.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.proc.Reconfigure(update.FrameDurationMs); err != nil {
		return nil, err
	}
	size := framer.FrameSize(uint32(update.FrameDurationMs))
	if err := m.sessions.UpdateFrameDuration(id, update.FrameDurationMs, size); err != nil {
		return nil, err
	}
	m.log.Info("session reconfigured", "session_id", id, "frame_ms", update.FrameDurationMs, "frame_size", size)
	return m.sessions.GetSession(id)
}

// Subscribe returns a channel of the session's frames from now on, and a
// function that cancels the subscription. The channel is closed when the
// session ends or the subscription is cancelled. Frames are dropped for a
// subscriber that falls behind.
func (m *Manager) Subscribe(id string) (<-chan models.Frame, func(), error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel, ok := s.subscribe(m.config.SubscriberQueueSize)
	if !ok {
		return nil, nil, ErrSessionClosed
	}
	return ch, cancel, nil
}

// Stats returns live counters for an open session.
func (m *Manager) Stats(id string) (models.SessionStats, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.SessionStats{}, err
	}
	return s.stats(), nil
}

// CloseSession stops a session after its current block and waits for its
// stages to drain.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.live[id]
	if ok {
		delete(m.live, id)
	}
	m.mu.Unlock()
	if !ok {
		return storage.ErrSessionNotFound
	}

	s.shutdown()
	<-s.done

	m.metrics.ActiveSessions.Add(m.ctx, -1)
	st := s.stats()
	m.log.Info("session closed",
		"session_id", id,
		"frames_emitted", st.FramesEmitted,
		"frames_dropped", st.FramesDropped,
		"blocks_rejected", st.BlocksRejected,
	)
	return m.sessions.UpdateSessionStatus(id, models.StatusClosed)
}

// DeleteSession closes the session if it is open and removes its record and
// archived frames.
func (m *Manager) DeleteSession(id string) error {
	if err := m.CloseSession(id); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	if err := m.sessions.DeleteSession(id); err != nil {
		return err
	}
	if m.archive != nil {
		if err := m.archive.DeleteSession(id); err != nil {
			return err
		}
	}
	m.log.Info("session deleted", "session_id", id)
	return nil
}

// runArchiveStage hands queued frames to the archive worker pool until Stop
// closes the queue.
func (m *Manager) runArchiveStage() {
	defer m.wg.Done()
	m.log.Debug("archive stage running")

	for msg := range m.archiveCh {
		m.archivePool.Submit(msg)
	}
	m.log.Debug("archive stage stopped")
}
