package relay

import (
	"context"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/shared"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

// Source labels identify which trigger produced a relay.
const (
	SourceLegacy    = "http_legacy"
	SourceModern    = "http_modern"
	SourcePost      = "http_post"
	SourceSS14      = "http_ss14"
	SourceGitHub    = "github"
	SourceWebSocket = "websocket"
	SourceDiscord   = "discord"
)

// Relayer delivers one message to the commloop. *commloop.Relayer satisfies it.
type Relayer interface {
	Relay(ctx context.Context, msg commloop.Message) error
}

// Dispatcher is the single path every trigger takes to the commloop. It adds
// correlation-aware logging, metrics and the audit trail around a Relayer.
type Dispatcher struct {
	relayer Relayer
	audit   *AuditLogger
	metrics *Metrics
	logger  *zap.Logger
}

func NewDispatcher(relayer Relayer, audit *AuditLogger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		relayer: relayer,
		audit:   audit,
		metrics: GetMetrics(),
		logger:  logger,
	}
}

// Dispatch relays msg and returns the relayer's error unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, msg commloop.Message, remoteAddr string) error {
	start := time.Now()
	err := d.relayer.Relay(ctx, msg)
	elapsed := time.Since(start)
	outcome := commloop.Classify(err)

	d.metrics.RecordRelay(metricCategory(msg.Category), outcome, elapsed.Seconds())

	fields := []zap.Field{
		zap.String("source", source),
		zap.String("category", msg.Category),
		zap.String("subtopic", msg.Subtopic),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		d.metrics.RecordError("dispatcher", outcome)
		shared.LogErrorWithContext(ctx, d.logger, "relay failed", err, fields...)
	} else {
		shared.LogWithContext(ctx, d.logger, "relayed message", fields...)
	}

	rec := storage.RelayRecord{
		CorrelationID: shared.GetCorrelationID(ctx),
		Source:        source,
		Category:      msg.Category,
		Subtopic:      msg.Subtopic,
		Outcome:       outcome,
		DurationMs:    int(elapsed.Milliseconds()),
		RemoteAddr:    remoteAddr,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.audit.LogRelay(rec)

	return err
}

// metricCategory bounds label cardinality: callers choose categories freely.
func metricCategory(category string) string {
	switch category {
	case nudge.CategoryAdminHelp, nudge.CategoryServerStatus, nudge.CategoryGameNudge,
		nudge.CategorySS14, nudge.CategoryGitHubEvent:
		return category
	default:
		return "other"
	}
}
