package commloop

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 10 * time.Second
)

// Client sends frames to a commloop backend. Every Send uses its own
// connection; a Client holds no connection state and is safe for concurrent use.
type Client struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// NewClient creates a client. Non-positive timeouts select the defaults.
func NewClient(dialTimeout, ioTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	return &Client{DialTimeout: dialTimeout, IOTimeout: ioTimeout}
}

// Send dials addr, writes f, and returns the single status byte the backend
// answers with. It never retries. All failures are *TransportError.
func (c *Client) Send(ctx context.Context, addr string, f Frame) (byte, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.IOTimeout)
	if c.IOTimeout <= 0 {
		deadline = time.Time{}
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, &TransportError{Op: "deadline", Addr: addr, Err: err}
		}
	}

	// Unblock pending I/O if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	w := bufio.NewWriterSize(conn, f.Len())
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(f.Body)))
	for _, part := range [][]byte{Magic[:], f.Tag[:], length[:], f.Body} {
		if _, err := w.Write(part); err != nil {
			return 0, &TransportError{Op: "write", Addr: addr, Err: ctxErr(ctx, err)}
		}
	}
	if err := w.Flush(); err != nil {
		return 0, &TransportError{Op: "flush", Addr: addr, Err: ctxErr(ctx, err)}
	}

	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return 0, &TransportError{Op: "read", Addr: addr, Err: ctxErr(ctx, err)}
	}
	return status[0], nil
}

// ctxErr prefers the context's error when cancellation forced the deadline.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
