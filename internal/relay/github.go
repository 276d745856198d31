package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/config"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

const (
	githubEventHeader     = "X-GitHub-Event"
	githubDeliveryHeader  = "X-GitHub-Delivery"
	githubSignatureHeader = "X-Hub-Signature-256"

	maxWebhookBodyBytes = 25 << 20
)

// GitHubPayload is the commloop content of a github_event message.
type GitHubPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// GitHubWebhook forwards GitHub deliveries to the commloop.
type GitHubWebhook struct {
	dispatcher  *Dispatcher
	secret      []byte
	defaultMeta string
	dedup       *deliveryDedupCache
	audit       *AuditLogger
	logger      *zap.Logger
	metrics     *Metrics
}

func NewGitHubWebhook(dispatcher *Dispatcher, cfg config.GitHubConfig, audit *AuditLogger, logger *zap.Logger) (*GitHubWebhook, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.DedupCacheSize
	if size <= 0 {
		size = 1000
	}
	dedup, err := newDeliveryDedupCache(size)
	if err != nil {
		return nil, err
	}

	recent, err := audit.RecentDeliveries(size)
	if err != nil {
		logger.Warn("failed to load recent github deliveries", zap.Error(err))
	}
	dedup.warm(recent)

	var secret []byte
	if cfg.WebhookSecret != "" {
		secret = []byte(cfg.WebhookSecret)
	}

	return &GitHubWebhook{
		dispatcher:  dispatcher,
		secret:      secret,
		defaultMeta: cfg.DefaultMeta,
		dedup:       dedup,
		audit:       audit,
		logger:      logger,
		metrics:     GetMetrics(),
	}, nil
}

func (g *GitHubWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(githubEventHeader)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		g.metrics.RecordWebhook(event, "too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
		return
	}

	if g.secret != nil {
		if err := VerifyGitHubSignature(g.secret, r.Header.Get(githubSignatureHeader), body); err != nil {
			g.metrics.RecordWebhook(event, "bad_signature")
			g.logger.Warn("rejected github delivery",
				zap.String("delivery", r.Header.Get(githubDeliveryHeader)),
				zap.Error(err),
			)
			writeError(w, http.StatusUnauthorized, err.Error(), "INVALID_SIGNATURE")
			return
		}
	}

	if event == "" {
		g.metrics.RecordWebhook("", "rejected")
		writeError(w, http.StatusBadRequest, "missing "+githubEventHeader+" header", "MISSING_EVENT")
		return
	}
	if event == "ping" {
		g.metrics.RecordWebhook(event, "pong")
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	data, err := webhookJSON(r.Header.Get("Content-Type"), body)
	if err != nil {
		g.metrics.RecordWebhook(event, "rejected")
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_JSON")
		return
	}

	delivery := r.Header.Get(githubDeliveryHeader)
	if !g.dedup.claim(delivery) {
		g.metrics.RecordWebhook(event, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	meta := r.PathValue("meta")
	if meta == "" {
		meta = g.defaultMeta
	}
	msg := commloop.Message{
		Category: nudge.CategoryGitHubEvent,
		Subtopic: meta,
		Payload:  GitHubPayload{Event: event, Data: data},
	}

	// GitHub hanging up must not abort a relay already under way.
	err = g.dispatcher.Dispatch(context.WithoutCancel(r.Context()), SourceGitHub, msg, r.RemoteAddr)
	g.dedup.finish(delivery, err == nil)
	if err != nil {
		g.metrics.RecordWebhook(event, commloop.Classify(err))
		writeRelayResult(w, err)
		return
	}

	g.audit.LogDelivery(storage.GitHubDelivery{
		DeliveryID: delivery,
		Event:      event,
		Repository: repositoryName(data),
	})
	g.metrics.RecordWebhook(event, "relayed")
	writeRelayResult(w, nil)
}

// webhookJSON extracts the event JSON from either delivery content type.
func webhookJSON(contentType string, body []byte) (json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, errors.New("invalid form body")
		}
		body = []byte(form.Get("payload"))
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON payload")
	}
	return json.RawMessage(body), nil
}

func repositoryName(data json.RawMessage) string {
	var probe struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Repository.FullName
}
