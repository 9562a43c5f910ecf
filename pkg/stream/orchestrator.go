// Package stream implements component F: the orchestrator that serves
// byte ranges out of a session's sparse buffer and classifies buffer
// health for the scheduler, based on how far playback has advanced
// relative to how much contiguous data is available ahead of it.
package stream

import (
	"fmt"

	"nzbstream/pkg/scheduler"
	"nzbstream/pkg/session"
)

// Orchestrator mediates between one session's sparse buffer and HTTP
// range requests, tracking the playback cursor and reporting health to
// the scheduler.
type Orchestrator struct {
	sess *session.Session
}

func New(sess *session.Session) *Orchestrator {
	return &Orchestrator{sess: sess}
}

// GetStream returns up to length bytes starting at start, truncated to
// however much contiguous data is actually available. A zero-length
// result with no error means nothing is available yet at start.
func (o *Orchestrator) GetStream(start, length int64) ([]byte, error) {
	avail, err := o.sess.Buffer().AvailableFrom(start)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if avail <= 0 {
		return nil, nil
	}
	if avail < length {
		length = avail
	}
	return o.sess.Buffer().ReadAt(start, length)
}

// AvailableBytes reports how much contiguous data is ready starting at
// the given offset, used by the HTTP layer to decide between a 206
// partial response and a 503 "not ready yet".
func (o *Orchestrator) AvailableBytes(from int64) (int64, error) {
	return o.sess.Buffer().AvailableFrom(from)
}

// UpdatePlaybackPosition records where the client is currently reading
// from, the input to the next health computation.
func (o *Orchestrator) UpdatePlaybackPosition(offset int64) {
	o.sess.SetPosition(offset)
}

// Health classifies the current buffer state using the four-level
// scale from spec §4.F: the ratio of contiguous bytes available ahead
// of playback to the bytes remaining in the whole stream.
func (o *Orchestrator) Health() (scheduler.Health, error) {
	total := o.sess.TotalSize()
	pos := o.sess.Position()

	remaining := total - pos
	if remaining <= 0 {
		return scheduler.HealthExcellent, nil
	}

	ahead, err := o.sess.Buffer().AvailableFrom(pos)
	if err != nil {
		return scheduler.HealthCritical, fmt.Errorf("stream: health: %w", err)
	}

	ratio := float64(ahead) / float64(remaining)
	switch {
	case ratio <= 0.05:
		return scheduler.HealthCritical, nil
	case ratio <= 0.15:
		return scheduler.HealthPoor, nil
	case ratio <= 0.35:
		return scheduler.HealthGood, nil
	default:
		return scheduler.HealthExcellent, nil
	}
}
