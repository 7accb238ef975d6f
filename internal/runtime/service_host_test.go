package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedService struct {
	name     string
	startErr error
	log      *eventLog
	errCh    chan error
}

func (s *scriptedService) Start(ctx context.Context) error {
	s.log.append("start:" + s.name)
	return s.startErr
}

func (s *scriptedService) Shutdown(ctx context.Context) error {
	s.log.append("stop:" + s.name)
	return nil
}

func (s *scriptedService) Errors() <-chan error {
	if s.errCh == nil {
		return nil
	}
	return s.errCh
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) append(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func register(t *testing.T, host *ServiceHost, svc *scriptedService) {
	t.Helper()
	if err := host.Register(svc.name, func(ctx context.Context) (Service, error) {
		return svc, nil
	}); err != nil {
		t.Fatalf("register %s: %v", svc.name, err)
	}
}

func TestStartOrderAndReverseStop(t *testing.T) {
	log := &eventLog{}
	host := NewServiceHost()
	register(t, host, &scriptedService{name: "a", log: log})
	register(t, host, &scriptedService{name: "b", log: log})
	register(t, host, &scriptedService{name: "c", log: log})

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := host.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	log := &eventLog{}
	host := NewServiceHost()
	register(t, host, &scriptedService{name: "a", log: log})
	register(t, host, &scriptedService{name: "b", log: log, startErr: errors.New("boom")})

	if err := host.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}

	got := log.snapshot()
	if got[len(got)-1] != "stop:a" {
		t.Fatalf("expected rollback of started services, got %v", got)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	host := NewServiceHost()
	log := &eventLog{}
	register(t, host, &scriptedService{name: "dup", log: log})
	if err := host.Register("dup", func(ctx context.Context) (Service, error) {
		return &scriptedService{name: "dup", log: log}, nil
	}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestServiceErrorsSurface(t *testing.T) {
	log := &eventLog{}
	svc := &scriptedService{name: "watched", log: log, errCh: make(chan error, 1)}
	host := NewServiceHost()
	register(t, host, svc)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer host.Stop(context.Background())

	svc.errCh <- errors.New("fatal")
	select {
	case err := <-host.Errors():
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for surfaced error")
	}
}

func TestLifecycleShutdownIdempotent(t *testing.T) {
	lc := NewLifecycle()
	lc.Shutdown()
	lc.Shutdown() // must not panic

	select {
	case <-lc.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}
