package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/mock/gomock"
)

func TestBreakerMapsBackendFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockStore(ctrl)
	b := NewBreaker(next, BreakerSettings{}, nil)

	boom := errors.New("connection refused")
	next.EXPECT().Load(gomock.Any(), "p").Return(nil, boom)

	_, err := b.Load(context.Background(), "p")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Load() error = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Load() error = %v, want it to wrap the backend error", err)
	}
}

func TestBreakerPassesNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockStore(ctrl)
	b := NewBreaker(next, BreakerSettings{MinRequests: 1, FailureRatio: 0.1}, nil)

	next.EXPECT().Load(gomock.Any(), "missing").Return(nil, notFound("missing")).Times(5)
	for i := 0; i < 5; i++ {
		_, err := b.Load(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("Load() error = %v, want ErrNotFound only", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockStore(ctrl)
	b := NewBreaker(next, BreakerSettings{Timeout: time.Minute}, nil)

	// Three failures trip the breaker; the fourth call never reaches the backend.
	next.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("disk I/O error")).Times(3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Save(ctx, testRecord("p")); !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("Save() #%d error = %v, want ErrStorageUnavailable", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	err := b.Save(ctx, testRecord("p"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Save() open error = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Save() open error = %v, want ErrOpenState", err)
	}
}

func TestBreakerDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockStore(ctrl)
	b := NewBreaker(next, BreakerSettings{}, nil)

	ctx := context.Background()
	recs := []*Record{testRecord("a")}
	gomock.InOrder(
		next.EXPECT().List(ctx).Return(recs, nil),
		next.EXPECT().Delete(ctx, "a").Return(nil),
		next.EXPECT().Close().Return(nil),
	)

	got, err := b.List(ctx)
	if err != nil || len(got) != 1 {
		t.Errorf("List() = %v, %v, want one record", got, err)
	}
	if err := b.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBreakerPassesCorruptRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockStore(ctrl)
	b := NewBreaker(next, BreakerSettings{MinRequests: 1, FailureRatio: 0.1}, nil)

	ctx := context.Background()
	recs := []*Record{testRecord("a")}
	corrupt := errors.Wrap(errors.Mark(errors.New("bad json"), ErrCorruptRecord), "plugin broken")
	next.EXPECT().List(ctx).Return(recs, corrupt).Times(3)

	for i := 0; i < 3; i++ {
		got, err := b.List(ctx)
		if !errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("List() error = %v, want ErrCorruptRecord only", err)
		}
		if len(got) != 1 {
			t.Fatalf("List() = %d records, want 1", len(got))
		}
	}
	if st := b.State(); st != gobreaker.StateClosed {
		t.Errorf("State() = %v, want closed", st)
	}
}
