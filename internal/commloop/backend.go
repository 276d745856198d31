package commloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler decides the status byte for a frame that passed authentication.
type Handler func(category, subtopic string, cont json.RawMessage) byte

// Backend is a minimal commloop server. It verifies tags the same way the
// real backend does and is meant for debugging relays and for tests.
type Backend struct {
	Secret  []byte
	Handler Handler
	MaxBody int
	Timeout time.Duration
	Logger  *zap.Logger

	wg sync.WaitGroup
}

// Serve accepts connections on ln until ctx is cancelled or ln fails.
func (b *Backend) Serve(ctx context.Context, ln net.Listener) error {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			b.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveConn(conn, logger)
		}()
	}
}

func (b *Backend) serveConn(conn net.Conn, logger *zap.Logger) {
	defer conn.Close()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	status := b.Process(conn, logger)
	if _, err := conn.Write([]byte{status}); err != nil {
		logger.Warn("write status failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
	}
}

// Process reads one frame from r and returns the status to answer with.
// Unreadable frames or a wrong magic are reported as bad identity bytes.
func (b *Backend) Process(r io.Reader, logger *zap.Logger) byte {
	if logger == nil {
		logger = zap.NewNop()
	}
	frame, err := ReadFrame(r, b.MaxBody)
	if err != nil {
		logger.Warn("read frame failed", zap.Error(err))
		return StatusIDBytes
	}
	if !frame.Verify(b.Secret) {
		logger.Warn("frame rejected", zap.Error(ErrTagMismatch))
		return StatusAuth
	}
	category, subtopic, cont, err := frame.Decode()
	if err != nil {
		logger.Warn("frame body rejected", zap.Error(err))
		return StatusJSON
	}
	if b.Handler == nil {
		return StatusOK
	}
	return b.Handler(category, subtopic, cont)
}
