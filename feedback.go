package apnet

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// feedbackSession is a single-use drain of the feedback stream. The service
// reserves the session slot before dialing, so the socket is attached after
// construction; closing the session before the socket arrives marks the
// drain as aborted and the eventual attach discards the connection.
type feedbackSession struct {
	id  string
	log zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newFeedbackSession(log zerolog.Logger) *feedbackSession {
	s := &feedbackSession{id: uuid.NewString()}
	s.log = log.With().Str("session", s.id).Logger()
	return s
}

// attach hands the dialed connection to the session. It reports false when
// the session was closed while the dial was in flight, in which case the
// connection has already been discarded.
func (s *feedbackSession) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

// close aborts the drain. Safe to call at any point and from any goroutine;
// an in-progress drain still delivers whatever it collected.
func (s *feedbackSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// drain reads until the peer closes the stream, parsing records as chunks
// arrive. The result maps each token to its earliest unreachability
// timestamp; a token repeated by the peer keeps the earlier one.
func (s *feedbackSession) drain(m Metrics) map[DeviceToken]time.Time {
	s.log.Debug().Msg("feedback drain started")

	var parser FeedbackParser
	found := make(map[DeviceToken]time.Time)
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			records, perr := parser.Feed(buf[:n])
			for _, rec := range records {
				m.IncrementFeedbackRecords()
				if prev, ok := found[rec.Token]; !ok || rec.Timestamp.Before(prev) {
					found[rec.Token] = rec.Timestamp
				}
			}
			if perr != nil {
				s.log.Warn().Err(perr).Msg("feedback stream corrupt, abandoning parse")
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("feedback read ended")
			}
			break
		}
	}
	if trailing := parser.Pending(); trailing > 0 {
		s.log.Warn().Int("bytes", trailing).Msg("feedback stream ended mid-record")
	}
	s.log.Debug().Int("tokens", len(found)).Msg("feedback drain complete")
	return found
}
