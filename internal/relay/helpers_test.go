package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

func setupRelayTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stubRelayer records messages and answers with err.
type stubRelayer struct {
	mu   sync.Mutex
	msgs []commloop.Message
	err  error
}

func (s *stubRelayer) Relay(ctx context.Context, msg commloop.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *stubRelayer) last(t *testing.T) commloop.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		t.Fatal("expected a relayed message")
	}
	return s.msgs[len(s.msgs)-1]
}

func (s *stubRelayer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// receivedFrame is what a test commloop backend saw.
type receivedFrame struct {
	Category string
	Subtopic string
	Cont     json.RawMessage
}

// startTestCommloop runs a real commloop.Backend on a loopback port.
func startTestCommloop(t *testing.T, secret string, status byte) (string, <-chan receivedFrame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	frames := make(chan receivedFrame, 16)
	backend := &commloop.Backend{
		Secret: []byte(secret),
		Handler: func(category, subtopic string, cont json.RawMessage) byte {
			frames <- receivedFrame{Category: category, Subtopic: subtopic, Cont: cont}
			return status
		},
		Logger: zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		backend.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), frames
}

func newTestDispatcher(t *testing.T, relayer Relayer) (*Dispatcher, *AuditLogger) {
	t.Helper()
	audit := NewAuditLogger(setupRelayTestDB(t), zap.NewNop())
	return NewDispatcher(relayer, audit, zap.NewNop()), audit
}
