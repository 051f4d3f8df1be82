// Package apnet is a client for Apple's legacy binary push gateway and its
// companion feedback service. Notifications are enqueued without blocking,
// batched over a single persistent mutually-authenticated TLS session by a
// dispatch worker, and the asynchronous error stream the gateway emits is
// delivered to an observer. A separate code path drains the feedback service
// into a map of device tokens that have become unreachable.
package apnet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Enqueue when the dispatch queue cannot
	// accept another frame, and after the service has been stopped.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrAlreadyPolling is returned by FetchUnreachable while a feedback
	// drain is already in progress.
	ErrAlreadyPolling = errors.New("feedback drain already in progress")
	// ErrTransport wraps TCP and TLS failures on connect, read, and write.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidToken is returned for tokens that are not 32 bytes, or hex
	// forms that are not exactly 64 hex characters.
	ErrInvalidToken = errors.New("invalid device token")
	// ErrPayloadTooLarge is returned when a payload exceeds the configured
	// limit, or the wire-format limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidFrame is returned when an inbound frame cannot be decoded.
	ErrInvalidFrame = errors.New("malformed frame")
	// ErrInvalidIdentity is returned when a client identity cannot be loaded.
	ErrInvalidIdentity = errors.New("invalid client identity")
	// ErrInvalidConfig is returned when the provided options result in an
	// invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Service batches push notifications over a single persistent gateway
// session and drains the feedback service on demand. Instances are
// independent and safe for concurrent use. The zero value is not usable;
// construct with New, then Start.
type Service struct {
	cfg     *Config
	log     zerolog.Logger
	queue   *dispatchQueue
	metrics Metrics

	// mu guards the replaceable configuration (identity, endpoints,
	// generation), the observers, the feedback session slot, and the
	// worker lifecycle state.
	mu         sync.Mutex
	identity   Identity
	endpoints  Endpoints
	gen        uint64
	observer   func(Response)
	feedback   *feedbackSession
	running    bool
	stopped    bool
	stopCancel context.CancelFunc
	workerDone chan struct{}

	// sendMu serializes the worker's frame writes with session teardown,
	// so Configure and Stop never interrupt a write mid-frame.
	sendMu sync.Mutex
	push   *gatewaySession
}

// New builds a Service with the given client identity. The service opens no
// push connection until Start is called and the first frame arrives.
func New(identity Identity, opts ...Option) (*Service, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		queue:     newDispatchQueue(cfg.queueCapacity),
		metrics:   cfg.metrics,
		identity:  identity,
		endpoints: cfg.endpoints,
		observer:  cfg.responseObserver,
	}
	s.log = cfg.logger.With().Str("component", "apnet").Logger()
	return s, nil
}

// Start launches the dispatch worker. Starting a running service is a no-op;
// a stopped service can be started again and resumes the frames still queued.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCancel = cancel
	s.workerDone = make(chan struct{})
	s.running = true
	s.stopped = false
	go s.run(ctx, s.workerDone)
	s.log.Debug().Str("endpoints", s.endpoints.Name).Msg("dispatch worker started")
	return nil
}

// Stop shuts the service down gracefully: subsequent Enqueue calls return
// ErrQueueFull, the worker finishes the frame in flight, both sessions are
// closed, and an in-progress feedback drain is aborted (its observer still
// fires with whatever was collected). Frames still queued are retained in
// memory and resume on a later Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.stopped = true
	running := s.running
	s.running = false
	cancel := s.stopCancel
	done := s.workerDone
	fb := s.feedback
	s.mu.Unlock()

	if fb != nil {
		fb.close()
	}
	if running {
		cancel()
		<-done
	}
	return nil
}

// Enqueue validates and encodes one notification and offers it to the
// dispatch queue. It never blocks: the result is the assigned identifier, or
// ErrQueueFull when the queue is at capacity or the service is stopped.
// The expiry is truncated to whole unix seconds on the wire.
func (s *Service) Enqueue(token DeviceToken, payload []byte, expiry time.Time) (uint32, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return 0, fmt.Errorf("%w: service stopped", ErrQueueFull)
	}
	if len(payload) > s.cfg.maxPayloadSize {
		return 0, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, len(payload), s.cfg.maxPayloadSize)
	}

	identifier := s.cfg.identifiers()
	frame, err := EncodeNotification(token, payload, expiryUnix(expiry), identifier)
	if err != nil {
		return 0, err
	}
	if !s.queue.Offer(frame) {
		return 0, ErrQueueFull
	}
	s.metrics.IncrementEnqueued()
	return identifier, nil
}

// QueueLen reports how many frames are waiting for the dispatch worker.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// Configure atomically replaces the client identity and the endpoints. The
// cached push session is torn down at the next safe point: a frame write in
// flight completes first, and every frame not yet sent is transmitted under
// the new configuration. An in-progress feedback drain is aborted.
func (s *Service) Configure(identity Identity, endpoints Endpoints) error {
	if err := endpoints.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = identity
	s.endpoints = endpoints
	s.gen++
	fb := s.feedback
	s.mu.Unlock()

	if fb != nil {
		fb.close()
	}
	s.closePush(true)
	s.log.Debug().Str("endpoints", endpoints.Name).Msg("reconfigured")
	return nil
}

// SetResponseObserver installs the observer invoked on every decoded error
// response. Replacing it drops the previous observer.
func (s *Service) SetResponseObserver(fn func(Response)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// ClearResponseObserver removes the response observer.
func (s *Service) ClearResponseObserver() {
	s.SetResponseObserver(nil)
}

// FetchUnreachable opens a session to the feedback service, drains it until
// the peer closes the stream, and invokes observer exactly once with the
// collected mapping of token to earliest unreachability time (possibly
// empty). Connection failures surface synchronously; the drain itself runs
// in the background and at most one drain exists at a time.
func (s *Service) FetchUnreachable(observer func(map[DeviceToken]time.Time)) error {
	if observer == nil {
		return fmt.Errorf("%w: nil observer", ErrInvalidConfig)
	}

	sess := newFeedbackSession(s.log)
	s.mu.Lock()
	if s.feedback != nil {
		s.mu.Unlock()
		return ErrAlreadyPolling
	}
	s.feedback = sess
	identity, endpoints := s.identity, s.endpoints
	s.mu.Unlock()

	conn, err := s.dial(context.Background(), endpoints.Feedback, endpoints.feedbackHost(), identity)
	if err != nil {
		s.clearFeedback(sess)
		return err
	}
	if !sess.attach(conn) {
		// Aborted while the dial was in flight; deliver the empty result.
		s.clearFeedback(sess)
		go s.invokeUnreachable(observer, map[DeviceToken]time.Time{})
		return nil
	}

	go func() {
		found := sess.drain(s.metrics)
		sess.close()
		s.clearFeedback(sess)
		s.invokeUnreachable(observer, found)
	}()
	return nil
}

func (s *Service) clearFeedback(sess *feedbackSession) {
	s.mu.Lock()
	if s.feedback == sess {
		s.feedback = nil
	}
	s.mu.Unlock()
}

// invokeUnreachable runs the unreachable-devices observer, which executes on
// a goroutine distinct from both the caller and the dispatch worker. An
// observer panic is contained and logged.
func (s *Service) invokeUnreachable(observer func(map[DeviceToken]time.Time), found map[DeviceToken]time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("unreachable-devices observer panicked")
		}
	}()
	observer(found)
}

// dispatchResponse hands a decoded gateway response to the observer on its
// own goroutine, so a slow or panicking observer can stall neither the
// session reader nor the dispatch worker.
func (s *Service) dispatchResponse(resp Response) {
	s.metrics.IncrementResponses()
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("response observer panicked")
			}
		}()
		observer(resp)
	}()
}

// expiryUnix truncates an expiry time to whole unix seconds as carried on
// the wire. The zero time (and anything before 1970) maps to 0, meaning the
// gateway should not retain the notification.
func expiryUnix(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	if sec > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sec)
}
