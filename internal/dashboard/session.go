package dashboard

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultReconnectDelay is the fixed wait between connection attempts. There
// is no backoff growth and no retry limit.
const DefaultReconnectDelay = 2 * time.Second

// SessionSink receives everything a Session produces, tagged with the id of
// the session that produced it.
type SessionSink interface {
	SessionState(sessionID string, state ConnectionState)
	SessionEvent(sessionID string, event LiveUpdateEvent)
}

type SessionOptions struct {
	Credential     string
	Transport      StreamTransport
	Sink           SessionSink
	ReconnectDelay time.Duration
	Logger         logrus.FieldLogger

	// After defaults to time.After; tests swap it to control the delay.
	After func(time.Duration) <-chan time.Time
}

// Session is one reconnect loop bound to a single credential.
type Session struct {
	id         string
	credential string
	transport  StreamTransport
	sink       SessionSink
	delay      time.Duration
	after      func(time.Duration) <-chan time.Time
	log        logrus.FieldLogger
}

func NewSession(opts SessionOptions) *Session {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	after := opts.After
	if after == nil {
		after = time.After
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		credential: opts.Credential,
		transport:  opts.Transport,
		sink:       opts.Sink,
		delay:      delay,
		after:      after,
		log: logger.WithFields(logrus.Fields{
			"session_id": id,
			"key":        Fingerprint(opts.Credential),
		}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Credential() string { return s.credential }

// Run drives connect, receive and reconnect until ctx is cancelled, then
// emits Idle and returns. Nothing is emitted after that.
func (s *Session) Run(ctx context.Context) {
	defer s.sink.SessionState(s.id, Idle)

	s.emitState(ctx, Connecting)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			s.log.Debug("stream session cancelled")
			return
		}
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
			"delay":   s.delay,
		}).Warn("stream disconnected")

		s.emitState(ctx, Reconnecting)
		select {
		case <-ctx.Done():
			s.log.Debug("stream session cancelled during reconnect delay")
			return
		case <-s.after(s.delay):
		}
	}
}

// runConnection opens one connection and forwards frames until it fails.
// Returns the error that ended the connection.
func (s *Session) runConnection(ctx context.Context) error {
	conn, err := s.transport.Open(ctx, s.credential)
	if err != nil {
		return err
	}
	if conn == nil {
		return &TransportError{Op: "open", Err: errors.New("transport returned no connection")}
	}
	defer conn.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.emitState(ctx, Connected)
	s.log.Info("stream connected")

	for {
		data, err := conn.ReceiveFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsDecodingError(err) {
				s.log.WithError(err).Debug("dropping unreadable frame")
				continue
			}
			return err
		}

		event, err := decodeFrame(data)
		if err != nil {
			s.log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		if event.Type != EventTypeUsageUpdate {
			s.log.WithField("type", event.Type).Debug("ignoring frame")
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.sink.SessionEvent(s.id, event)
	}
}

func (s *Session) emitState(ctx context.Context, state ConnectionState) {
	if ctx.Err() != nil {
		return
	}
	s.log.WithField("state", state.String()).Debug("stream state")
	s.sink.SessionState(s.id, state)
}

// Fingerprint hides all but the tail of a credential for logs and doctor output.
func Fingerprint(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	return "…" + credential[len(credential)-4:]
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
