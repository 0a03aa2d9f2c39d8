package explorer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nuetzliches/busdeck/internal/broker"
)

// errNoMoreScopes ends a sweep. It never leaves this package.
var errNoMoreScopes = errors.New("no more consumption scopes")

// scopeSource hands out the receivers a scan or drain runs on: a single
// plain receiver, or one accepted session after another.
type scopeSource interface {
	openScope(ctx context.Context) (broker.Receiver, error)
	nextScope(ctx context.Context) (broker.Receiver, error)
	closeScope(ctx context.Context, r broker.Receiver) error
}

type directScope struct {
	transport broker.Transport
	entity    broker.Entity
	subQueue  broker.SubQueue
}

func (d *directScope) openScope(ctx context.Context) (broker.Receiver, error) {
	return d.transport.OpenReceiver(ctx, d.entity, d.subQueue)
}

func (d *directScope) nextScope(context.Context) (broker.Receiver, error) {
	return nil, errNoMoreScopes
}

func (d *directScope) closeScope(ctx context.Context, r broker.Receiver) error {
	return r.Close(ctx)
}

// sessionSweep accepts sessions until none is available, the session budget
// is spent, or a session comes round a second time.
type sessionSweep struct {
	transport     broker.Transport
	entity        broker.Entity
	acceptTimeout time.Duration
	maxSessions   int
	logger        *slog.Logger

	accepted int
	seen     map[string]bool
}

func (s *sessionSweep) openScope(ctx context.Context) (broker.Receiver, error) {
	return s.nextScope(ctx)
}

func (s *sessionSweep) nextScope(ctx context.Context) (broker.Receiver, error) {
	if s.maxSessions > 0 && s.accepted >= s.maxSessions {
		return nil, errNoMoreScopes
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acceptCtx, cancel := context.WithTimeout(ctx, s.acceptTimeout)
	defer cancel()
	r, err := s.transport.AcceptNextSession(acceptCtx, s.entity)
	if err != nil {
		if errors.Is(err, broker.ErrNoSessionAvailable) {
			return nil, errNoMoreScopes
		}
		// Only the accept timeout ends the sweep; caller cancellation is an
		// error.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errNoMoreScopes
		}
		return nil, err
	}

	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	id := r.SessionID()
	if s.seen[id] {
		if err := r.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Debug("session_close_failed",
				slog.String("entity", s.entity.Path()),
				slog.String("session_id", id),
				slog.Any("err", err),
			)
		}
		return nil, errNoMoreScopes
	}
	s.seen[id] = true
	s.accepted++
	return r, nil
}

func (s *sessionSweep) closeScope(ctx context.Context, r broker.Receiver) error {
	return r.Close(ctx)
}

// scopeOp runs one scan or drain on r. It reports done when the overall
// operation is satisfied and no further scope should be opened.
type scopeOp func(ctx context.Context, r broker.Receiver) (done bool, err error)

type driverState int

const (
	stateTryDirect driverState = iota
	stateAcceptSession
	stateDraining
	stateDone
)

func (s driverState) String() string {
	switch s {
	case stateTryDirect:
		return "try_direct"
	case stateAcceptSession:
		return "accept_session"
	case stateDraining:
		return "draining"
	default:
		return "done"
	}
}

// sessionDriver runs op on a plain receiver and falls back to a session
// sweep when the entity requires sessions.
type sessionDriver struct {
	transport     broker.Transport
	entity        broker.Entity
	subQueue      broker.SubQueue
	acceptTimeout time.Duration
	maxSessions   int
	logger        *slog.Logger
}

func (s *Service) newDriver(entity broker.Entity, q broker.SubQueue, acceptTimeout time.Duration, maxSessions int) *sessionDriver {
	return &sessionDriver{
		transport:     s.transport,
		entity:        entity,
		subQueue:      q,
		acceptTimeout: acceptTimeout,
		maxSessions:   maxSessions,
		logger:        s.logger,
	}
}

func (d *sessionDriver) run(ctx context.Context, op scopeOp) error {
	var (
		src      scopeSource = &directScope{transport: d.transport, entity: d.entity, subQueue: d.subQueue}
		scope    broker.Receiver
		sessions int
	)

	state := stateTryDirect
	for state != stateDone {
		next := stateDone
		switch state {
		case stateTryDirect:
			r, err := src.openScope(ctx)
			if err == nil {
				_, err = d.runScope(ctx, src, r, op)
			}
			switch {
			case err == nil:
			case errors.Is(err, broker.ErrSessionRequired):
				src = &sessionSweep{
					transport:     d.transport,
					entity:        d.entity,
					acceptTimeout: d.acceptTimeout,
					maxSessions:   d.maxSessions,
					logger:        d.logger,
				}
				next = stateAcceptSession
			default:
				return err
			}

		case stateAcceptSession:
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				r   broker.Receiver
				err error
			)
			if sessions == 0 {
				r, err = src.openScope(ctx)
			} else {
				r, err = src.nextScope(ctx)
			}
			switch {
			case err == nil:
				scope = r
				sessions++
				d.logger.Debug("session_accepted",
					slog.String("entity", d.entity.Path()),
					slog.String("session_id", r.SessionID()),
					slog.Int("sessions", sessions),
				)
				next = stateDraining
			case errors.Is(err, errNoMoreScopes):
			default:
				return err
			}

		case stateDraining:
			done, err := d.runScope(ctx, src, scope, op)
			scope = nil
			if err != nil {
				return err
			}
			if !done {
				next = stateAcceptSession
			}
		}

		d.logger.Debug("session_driver_transition",
			slog.String("entity", d.entity.Path()),
			slog.String("sub_queue", d.subQueue.String()),
			slog.String("from", state.String()),
			slog.String("to", next.String()),
		)
		state = next
	}
	return nil
}

// runScope runs op on r and always releases r, even when ctx is cancelled.
func (d *sessionDriver) runScope(ctx context.Context, src scopeSource, r broker.Receiver, op scopeOp) (bool, error) {
	done, err := op(ctx, r)
	closeErr := src.closeScope(context.WithoutCancel(ctx), r)
	if err != nil {
		return done, err
	}
	return done, closeErr
}
