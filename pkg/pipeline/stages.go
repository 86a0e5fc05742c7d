package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"audio-framer/pkg/framer"
	"audio-framer/pkg/models"
	"audio-framer/pkg/storage"
)

var (
	stageProcessor  = metric.WithAttributes(attribute.String("stage", "processor"))
	stageSubscriber = metric.WithAttributes(attribute.String("stage", "subscriber"))
	stageArchive    = metric.WithAttributes(attribute.String("stage", "archive"))
)

func (m *Manager) reject(s *session, reason string) {
	s.rejected.Add(1)
	m.metrics.BlocksRejected.Add(m.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// runIngestionStage is the session's scheduler: it feeds queued blocks to the
// processor one at a time until the session is stopped. Teardown only takes
// effect between blocks.
func (m *Manager) runIngestionStage(s *session) {
	defer close(s.frames)
	log := m.log.With("session_id", s.info.ID)
	log.Debug("ingestion stage running")

	last := s.proc.Stats()
	for {
		select {
		case <-s.stop:
			log.Debug("ingestion stage stopped")
			return
		case <-m.ctx.Done():
			log.Debug("ingestion stage shutting down")
			return
		case block := <-s.blocks:
			start := time.Now()
			s.proc.Process(block)
			m.metrics.ProcessDuration.Record(m.ctx, time.Since(start).Seconds())

			cur := s.proc.Stats()
			m.recordProcessorDelta(last, cur)
			if cur.SamplesDiscarded != last.SamplesDiscarded {
				log.Info("partial frame discarded by reconfiguration",
					"samples", cur.SamplesDiscarded-last.SamplesDiscarded,
					"frame_ms", cur.FrameDurationMs,
				)
			}
			last = cur
		}
	}
}

func (m *Manager) recordProcessorDelta(prev, cur framer.Stats) {
	m.metrics.BlocksProcessed.Add(m.ctx, int64(cur.BlocksProcessed-prev.BlocksProcessed))
	if d := cur.FramesEmitted - prev.FramesEmitted; d > 0 {
		m.metrics.FramesEmitted.Add(m.ctx, int64(d))
	}
	if d := cur.FramesDropped - prev.FramesDropped; d > 0 {
		m.metrics.FramesDropped.Add(m.ctx, int64(d), stageProcessor)
	}
	if d := cur.SamplesDiscarded - prev.SamplesDiscarded; d > 0 {
		m.metrics.SamplesDiscarded.Add(m.ctx, int64(d))
	}
}

// runDeliveryStage forwards each emitted frame to subscribers and the archive
// queue. Neither hand-off blocks.
func (m *Manager) runDeliveryStage(s *session) {
	defer m.delivering.Done()
	defer close(s.done)
	defer s.closeSubscribers()

	for frame := range s.frames {
		if missed := s.broadcast(frame); missed > 0 {
			m.metrics.FramesDropped.Add(m.ctx, int64(missed), stageSubscriber)
		}
		if m.archive == nil {
			continue
		}

		msg := &models.PipelineMessage{SessionID: s.info.ID, Frame: frame, Stage: "delivery"}
		select {
		case m.archiveCh <- msg:
		default:
			m.metrics.FramesDropped.Add(m.ctx, 1, stageArchive)
			m.log.Warn("archive queue full, frame not archived",
				"session_id", s.info.ID, "sequence", frame.Sequence)
		}
	}
}

// archiveFrame is the archive worker function.
func (m *Manager) archiveFrame(ctx context.Context, msg *models.PipelineMessage) {
	if _, err := m.sessions.GetSession(msg.SessionID); errors.Is(err, storage.ErrSessionNotFound) {
		// Deleted while the frame was queued.
		return
	}

	if err := m.archive.StoreFrame(msg.SessionID, msg.Frame); err != nil {
		msg.Error = err
		m.metrics.ArchiveErrors.Add(ctx, 1)
		m.log.Error("failed to archive frame",
			"session_id", msg.SessionID, "sequence", msg.Frame.Sequence, "error", err)
		return
	}
	msg.Stage = "archive"
	m.metrics.FramesArchived.Add(ctx, 1)

	m.mu.RLock()
	s, ok := m.live[msg.SessionID]
	m.mu.RUnlock()
	if ok {
		s.archived.Add(1)
	}
}
