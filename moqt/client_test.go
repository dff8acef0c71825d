package moqt

import (
	"context"
	"errors"
	"testing"
)

type noopTransport struct{}

func (noopTransport) Control(ctx context.Context) (ControlStream, error) {
	return nil, errors.New("fake: no control stream")
}

func (noopTransport) OpenStream(ctx context.Context) (SendStream, error) {
	return nil, errors.New("fake: no streams")
}

func (noopTransport) AcceptStream(ctx context.Context) (RecvStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (noopTransport) SendDatagram(b []byte) error { return errors.New("fake: no datagrams") }

func (noopTransport) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (noopTransport) Status() ConnectionStatus { return ConnectionConnected }

func (noopTransport) Close(code uint64, reason string) error { return nil }

var _ Transport = noopTransport{}

func TestNewClientIsRoleClient(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{ID: "c1", Transport: noopTransport{}})
	if c.ID() != "c1" {
		t.Fatalf("ID() = %q, want c1", c.ID())
	}
	if c.role != RoleClient {
		t.Fatalf("role = %v, want RoleClient", c.role)
	}
}
