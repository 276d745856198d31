package commloop

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Destination is the backend address and shared secret. It is built once at
// startup and never mutated.
type Destination struct {
	Address string
	Secret  []byte
}

// Relayer encodes, sends and interprets one message per call.
type Relayer struct {
	dest   Destination
	client *Client
	logger *zap.Logger
}

// NewRelayer creates a Relayer for dest. A nil client uses default timeouts.
func NewRelayer(dest Destination, client *Client, logger *zap.Logger) *Relayer {
	if client == nil {
		client = NewClient(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	secret := make([]byte, len(dest.Secret))
	copy(secret, dest.Secret)
	return &Relayer{
		dest:   Destination{Address: dest.Address, Secret: secret},
		client: client,
		logger: logger,
	}
}

// Address returns the backend address.
func (r *Relayer) Address() string {
	return r.dest.Address
}

// Relay delivers msg. A nil error means the backend accepted it; otherwise the
// error is an encode error, a *TransportError or a *BackendError.
func (r *Relayer) Relay(ctx context.Context, msg Message) error {
	frame, err := Encode(r.dest.Secret, msg)
	if err != nil {
		return err
	}

	start := time.Now()
	code, err := r.client.Send(ctx, r.dest.Address, frame)
	if err != nil {
		r.logger.Debug("commloop send failed",
			zap.String("addr", r.dest.Address),
			zap.String("category", msg.Category),
			zap.Error(err),
		)
		return err
	}

	r.logger.Debug("commloop responded",
		zap.String("category", msg.Category),
		zap.String("subtopic", msg.Subtopic),
		zap.Uint8("status", code),
		zap.Int("frame_bytes", frame.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Err(code)
}

// Relay sends msg to dest with a default client.
func Relay(ctx context.Context, dest Destination, msg Message) error {
	return NewRelayer(dest, nil, nil).Relay(ctx, msg)
}
