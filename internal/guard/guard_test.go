package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"cortex/internal/errdefs"
)

func staticVersion(v int) VersionFunc {
	return func(context.Context) (int, error) { return v, nil }
}

func TestCheckPassesWhileVersionMatches(t *testing.T) {
	g := New(3, staticVersion(3), NewSignal())
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckFailsOnVersionDrift(t *testing.T) {
	g := New(3, staticVersion(4), NewSignal())
	err := g.Check(context.Background())
	if !errors.Is(err, errdefs.ErrLockedState) {
		t.Fatalf("Check after drift = %v, want ErrLockedState", err)
	}
}

func TestCheckFailsOnceSignalFires(t *testing.T) {
	s := NewSignal()
	g := New(1, staticVersion(1), s)
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("Check before fire: %v", err)
	}
	s.Fire()
	err := g.Check(context.Background())
	if !errors.Is(err, errdefs.ErrLockedState) {
		t.Fatalf("Check after fire = %v, want ErrLockedState", err)
	}
}

func TestSignalFireIsIdempotent(t *testing.T) {
	s := NewSignal()
	s.Fire()
	s.Fire()
	if !s.Fired() {
		t.Fatal("Fired() = false after Fire")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Fire")
	}
}

func TestRaceReturnsResultWhenSignalSilent(t *testing.T) {
	got, err := Race(context.Background(), NewSignal(), func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if got != "ok" {
		t.Fatalf("Race = %q, want %q", got, "ok")
	}
}

func TestRaceAbortWinsOverLateSuccess(t *testing.T) {
	s := NewSignal()
	started := make(chan struct{})
	release := make(chan struct{})

	resultCh := make(chan error, 1)
	go func() {
		_, err := Race(context.Background(), s, func() (int, error) {
			close(started)
			<-release
			return 42, nil
		})
		resultCh <- err
	}()

	<-started
	s.Fire()
	close(release)

	err := <-resultCh
	if !errors.Is(err, errdefs.ErrLockedState) {
		t.Fatalf("Race after abort = %v, want ErrLockedState", err)
	}
}

func TestRaceHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Race(ctx, NewSignal(), func() (int, error) {
		<-release
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Race with canceled ctx = %v, want context.Canceled", err)
	}
}
