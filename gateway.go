package apnet

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// drainWindow bounds how long a closing session waits for a response frame
// the peer may have written just before the close was observed.
const drainWindow = 100 * time.Millisecond

// gatewaySession is one live connection to the push gateway. The dispatch
// worker is the only writer. The gateway never speaks except to report an
// error and close, so a reader goroutine parks on the single 6-byte response
// frame for the session's whole lifetime; once the read completes the session
// is dead and the next send reopens.
type gatewaySession struct {
	conn         net.Conn
	id           string
	gen          uint64 // configuration generation this session was opened under
	writeTimeout time.Duration
	log          zerolog.Logger

	onResponse func(Response)

	dead      chan struct{} // closed when the reader has finished
	closeOnce sync.Once
}

func newGatewaySession(conn net.Conn, gen uint64, writeTimeout time.Duration, log zerolog.Logger, onResponse func(Response)) *gatewaySession {
	s := &gatewaySession{
		conn:         conn,
		id:           uuid.NewString(),
		gen:          gen,
		writeTimeout: writeTimeout,
		onResponse:   onResponse,
		dead:         make(chan struct{}),
	}
	s.log = log.With().Str("session", s.id).Logger()
	go s.readResponse()
	s.log.Debug().Msg("push session open")
	return s
}

// send writes one encoded frame. Only the dispatch worker calls send.
func (s *gatewaySession) send(frame []byte) error {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// failed reports whether the peer already ended the session.
func (s *gatewaySession) failed() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

// readResponse blocks on the error-response frame. Completing the read, with
// or without a frame, always means the session is over.
func (s *gatewaySession) readResponse() {
	defer close(s.dead)

	var buf [responseFrameSize]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		// Peer closed without an error frame, or we closed locally.
		s.log.Debug().Err(err).Msg("push session read side closed")
		return
	}
	resp, err := DecodeResponse(buf[:])
	if err != nil {
		s.log.Warn().Err(err).Hex("frame", buf[:]).Msg("discarding unrecognized bytes from gateway")
		return
	}
	s.log.Debug().
		Uint32("identifier", resp.Identifier).
		Stringer("status", resp.Status).
		Msg("gateway rejected notification")
	if s.onResponse != nil {
		s.onResponse(resp)
	}
}

// close tears the session down, idempotently. When drain is set it first
// waits out a short window so a response frame racing the close is still
// decoded before the socket goes away.
func (s *gatewaySession) close(drain bool) {
	s.closeOnce.Do(func() {
		if drain {
			_ = s.conn.SetReadDeadline(time.Now().Add(drainWindow))
			select {
			case <-s.dead:
			case <-time.After(drainWindow):
			}
		}
		_ = s.conn.Close()
		s.log.Debug().Msg("push session closed")
	})
}
