package moqt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestServerRunInvokesOnSessionThenCleansUp(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sawID string
	delivered := make(chan struct{})
	var served atomic.Bool

	srv := NewServer(ServerConfig{
		Accept: func(ctx context.Context) (Transport, error) {
			if served.CompareAndSwap(false, true) {
				return noopTransport{}, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
		OnSession: func(s *Session) {
			mu.Lock()
			sawID = s.ID()
			mu.Unlock()
			close(delivered)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("OnSession was never called")
	}

	mu.Lock()
	id := sawID
	mu.Unlock()
	if id == "" {
		t.Fatal("expected a non-empty session id")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v, want nil on context cancellation", err)
	}

	if sessions := srv.Sessions(); len(sessions) != 0 {
		t.Fatalf("sessions = %v, want empty after session ended", sessions)
	}
}

func TestServerRunWrapsAcceptError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("boom")
	srv := NewServer(ServerConfig{
		Accept: func(ctx context.Context) (Transport, error) {
			return nil, wantErr
		},
	})

	err := srv.Run(context.Background())
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapping %v", err, wantErr)
	}
}
