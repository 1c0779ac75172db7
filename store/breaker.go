package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Breaker guards a Store with a circuit breaker. Backend failures and an open
// breaker both surface as ErrStorageUnavailable. ErrNotFound, ErrCorruptRecord
// and caller cancellation do not count as failures.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the breaker. Zero values take the defaults.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// NewBreaker wraps next. log may be nil.
func NewBreaker(next Store, s BreakerSettings, log logrus.FieldLogger) *Breaker {
	if s.MaxRequests == 0 {
		s.MaxRequests = 100
	}
	if s.Interval == 0 {
		s.Interval = 5 * time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 3 * time.Second
	}
	if s.MinRequests == 0 {
		s.MinRequests = 3
	}
	if s.FailureRatio == 0 {
		s.FailureRatio = 0.6
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrCorruptRecord) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("Storage circuit breaker changed state")
			}
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Mark(errors.Wrapf(err, "failed to %s", op), ErrStorageUnavailable)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, errors.Mark(errors.Wrapf(err, "failed to %s", op), ErrStorageUnavailable)
}

func (b *Breaker) Save(ctx context.Context, r *Record) error {
	_, err := b.execute("save record", func() (interface{}, error) {
		return nil, b.next.Save(ctx, r)
	})
	return err
}

func (b *Breaker) Load(ctx context.Context, id string) (*Record, error) {
	v, err := b.execute("load record", func() (interface{}, error) {
		return b.next.Load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (b *Breaker) Delete(ctx context.Context, id string) error {
	_, err := b.execute("delete record", func() (interface{}, error) {
		return nil, b.next.Delete(ctx, id)
	})
	return err
}

// List passes corrupt records through to the caller without counting them
// against the backend.
func (b *Breaker) List(ctx context.Context) ([]*Record, error) {
	var corrupt error
	v, err := b.execute("list records", func() (interface{}, error) {
		recs, err := b.next.List(ctx)
		if errors.Is(err, ErrCorruptRecord) {
			corrupt = err
			return recs, nil
		}
		return recs, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Record), corrupt
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
