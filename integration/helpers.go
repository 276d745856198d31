package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/config"
	"github.com/Bldg-7/webmommi/internal/relay"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

const (
	harnessToken    = "integration-token"
	harnessPassword = "commloop-pass"
	harnessHookKey  = "hook-secret"
)

// backendFrame is one authenticated message the fake MoMMI accepted.
type backendFrame struct {
	Type string
	Meta string
	Cont json.RawMessage
}

// mommiHarness stands in for the MoMMI bot: a real commloop listener whose
// status byte can be changed mid-test.
type mommiHarness struct {
	addr   string
	frames chan backendFrame

	mu     sync.Mutex
	status byte

	cancel context.CancelFunc
	done   chan struct{}
}

func newMoMMIHarness(t *testing.T) *mommiHarness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	m := &mommiHarness{
		addr:   ln.Addr().String(),
		frames: make(chan backendFrame, 64),
		done:   make(chan struct{}),
	}
	backend := &commloop.Backend{
		Secret: []byte(harnessPassword),
		Logger: zap.NewNop(),
		Handler: func(category, subtopic string, cont json.RawMessage) byte {
			m.frames <- backendFrame{Type: category, Meta: subtopic, Cont: cont}
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.status
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go func() {
		defer close(m.done)
		backend.Serve(ctx, ln)
	}()
	t.Cleanup(m.stop)
	return m
}

func (m *mommiHarness) setStatus(code byte) {
	m.mu.Lock()
	m.status = code
	m.mu.Unlock()
}

// stop shuts the listener so later relays fail to connect. Safe to call twice.
func (m *mommiHarness) stop() {
	m.cancel()
	<-m.done
}

func (m *mommiHarness) next(t *testing.T) backendFrame {
	t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("MoMMI never received a frame")
		return backendFrame{}
	}
}

// relayHarness runs the full webmommi server on a loopback port.
type relayHarness struct {
	srv     *relay.Server
	baseURL string
}

func newRelayHarness(t *testing.T, mommi *mommiHarness) *relayHarness {
	t.Helper()

	cfg := &config.RelayConfig{}
	cfg.Server.AuthToken = harnessToken
	cfg.Commloop.Enabled = true
	cfg.Commloop.Address = mommi.addr
	cfg.Commloop.Password = harnessPassword
	cfg.Commloop.DialTimeoutSeconds = 1
	cfg.Commloop.IOTimeoutSeconds = 2
	cfg.GitHub.WebhookSecret = harnessHookKey
	cfg.GitHub.DefaultMeta = "vgstation13"
	cfg.GitHub.DedupCacheSize = 100
	cfg.Audit.Enabled = true
	cfg.Audit.RetentionDays = 90

	db, err := storage.Open(filepath.Join(t.TempDir(), "webmommi.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dest, err := cfg.Destination()
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	relayer := commloop.NewRelayer(dest, cfg.Commloop.Client(), zap.NewNop())

	srv, err := relay.NewServer(cfg, db, relayer, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &relayHarness{
		srv:     srv,
		baseURL: fmt.Sprintf("http://%s", srv.Addr().String()),
	}
}
