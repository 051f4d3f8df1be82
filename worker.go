package apnet

import (
	"context"
	"fmt"
)

// run is the dispatch worker: the single consumer of the queue and the only
// writer on the push session. It opens the session lazily when a frame
// arrives, keeps it warm while traffic flows, closes it after the idle
// timeout, and requeues frames when the session is lost.
func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	pacer := newRedialPacer(s.cfg.redialFloor, s.cfg.redialCeiling)
	for {
		frame, ok := s.queue.Take(ctx)
		if !ok {
			break
		}
		s.deliver(ctx, frame, pacer)
	}
	s.closePush(true)
	s.log.Debug().Int("queued", s.queue.Len()).Msg("dispatch worker stopped")
}

// deliver sends frame and keeps draining the queue until the idle timeout
// elapses or the session fails. On failure the frame goes back to the head
// of the queue, so it is retried before anything enqueued after the failure
// was observed.
func (s *Service) deliver(ctx context.Context, frame []byte, pacer *redialPacer) {
	for frame != nil {
		if err := s.ensurePush(ctx); err != nil {
			s.requeue(frame, err, "gateway connect failed")
			pacer.Wait(ctx)
			return
		}
		pacer.Reset()

		if err := s.sendFrame(frame); err != nil {
			s.requeue(frame, err, "send failed")
			s.closePush(true)
			return
		}
		s.metrics.IncrementSent()

		var ok bool
		frame, ok = s.queue.Poll(ctx, s.cfg.idleTimeout)
		if !ok {
			// Stopping; run closes the session.
			return
		}
		if frame == nil {
			s.log.Debug().Msg("idle timeout, closing push session")
			s.closePush(false)
			return
		}
	}
}

func (s *Service) requeue(frame []byte, err error, msg string) {
	s.queue.Requeue(frame)
	s.metrics.IncrementRequeued()
	s.log.Warn().Err(err).Uint32("identifier", frameIdentifier(frame)).Msg(msg + ", frame requeued")
}

// ensurePush guarantees a live session opened under the current
// configuration, replacing one that died or predates a Configure call.
func (s *Service) ensurePush(ctx context.Context) error {
	s.mu.Lock()
	identity, endpoints, gen := s.identity, s.endpoints, s.gen
	s.mu.Unlock()

	s.sendMu.Lock()
	cur := s.push
	s.sendMu.Unlock()
	if cur != nil {
		if cur.gen == gen && !cur.failed() {
			return nil
		}
		s.closePush(true)
	}

	conn, err := s.dial(ctx, endpoints.Push, endpoints.pushHost(), identity)
	if err != nil {
		return err
	}
	sess := newGatewaySession(conn, gen, s.cfg.writeTimeout, s.log, s.dispatchResponse)

	s.sendMu.Lock()
	s.push = sess
	s.sendMu.Unlock()
	return nil
}

// sendFrame writes one frame under sendMu. The generation is re-checked
// under the lock: a session invalidated by a concurrent Configure is never
// written to, and the frame is requeued for the fresh session instead.
func (s *Service) sendFrame(frame []byte) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.push == nil || s.push.gen != gen {
		return fmt.Errorf("%w: session invalidated", ErrTransport)
	}
	return s.push.send(frame)
}

// closePush tears down the cached push session, if any. Waiting on sendMu
// means a frame write in flight always completes or fails cleanly first.
func (s *Service) closePush(drain bool) {
	s.sendMu.Lock()
	sess := s.push
	s.push = nil
	s.sendMu.Unlock()
	if sess != nil {
		sess.close(drain)
	}
}
