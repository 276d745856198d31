package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/shared"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AcceptedMessage is the body of every successful relay response.
const AcceptedMessage = "MoMMI successfully received the message."

const maxRequestBodyBytes = 1 << 20

type HTTPAPI struct {
	dispatcher    *Dispatcher
	auditLogger   *AuditLogger
	healthChecker *HealthChecker
	github        *GitHubWebhook
	stream        *NudgeStream
	authToken     string
	logger        *zap.Logger
	metrics       *Metrics
}

// NewHTTPAPI builds the routing layer. A nil dispatcher means no commloop is
// configured, and none of the relay routes are mounted.
func NewHTTPAPI(dispatcher *Dispatcher, authToken string, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		dispatcher: dispatcher,
		authToken:  authToken,
		logger:     logger,
		metrics:    GetMetrics(),
	}
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.healthChecker = hc
}

func (a *HTTPAPI) SetAuditLogger(al *AuditLogger) {
	a.auditLogger = al
}

func (a *HTTPAPI) SetGitHubWebhook(gh *GitHubWebhook) {
	a.github = gh
}

func (a *HTTPAPI) SetNudgeStream(s *NudgeStream) {
	a.stream = s
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /twohundred", a.handleTwoHundred)
	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /api/v1/relays", a.requireAuth(http.HandlerFunc(a.handleListRelays)))

	if a.dispatcher != nil {
		mux.HandleFunc("GET /discord", a.handleDiscord)
		mux.HandleFunc("GET /mommi/nudge", a.handleNudge)
		mux.HandleFunc("POST /mommi/nudge/{meta}", a.handlePostNudge)
		mux.HandleFunc("POST /mommi/ss14/{id}", a.handleSS14)
		if a.github != nil {
			mux.HandleFunc("POST /github", a.github.ServeHTTP)
			mux.HandleFunc("POST /github/{meta}", a.github.ServeHTTP)
		}
		if a.stream != nil {
			mux.HandleFunc("GET /ws/nudge", a.stream.ServeWS)
		}
	}

	return shared.CorrelationMiddleware(mux)
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r, false) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the bearer token, and the ?token= parameter when
// allowQuery is set (browsers cannot add headers to websocket upgrades).
func (a *HTTPAPI) authorized(r *http.Request, allowQuery bool) bool {
	return checkBearer(r, a.authToken, allowQuery)
}

func checkBearer(r *http.Request, expected string, allowQuery bool) bool {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" && allowQuery {
		token = r.URL.Query().Get("token")
	}
	return token != "" && expected != "" && token == expected
}

func (a *HTTPAPI) handleTwoHundred(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "hi BYOND!")
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}

	result := a.healthChecker.CheckLiveness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

func (a *HTTPAPI) handleListRelays(w http.ResponseWriter, r *http.Request) {
	if a.auditLogger == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not available", "SERVICE_UNAVAILABLE")
		return
	}

	q := r.URL.Query()
	filter := RelayFilter{
		Category: q.Get("category"),
		Outcome:  q.Get("outcome"),
		Source:   q.Get("source"),
		Limit:    parseIntParam(q.Get("limit"), 50),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	records, err := a.auditLogger.QueryRelays(filter)
	if err != nil {
		a.logger.Error("failed to query relay log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query relay log", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: records,
		Meta: &apiMeta{Total: len(records), Limit: filter.Limit},
	})
}

// handleDiscord serves both query shapes on one path: without meta the
// request is the legacy admin/server_status form.
func (a *HTTPAPI) handleDiscord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("meta") {
		req, err := legacyFromQuery(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
			return
		}
		a.relay(w, r, SourceLegacy, nudge.Normalize(req))
		return
	}
	a.handleNudge(w, r)
}

func (a *HTTPAPI) handleNudge(w http.ResponseWriter, r *http.Request) {
	req, err := modernFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}
	a.relay(w, r, SourceModern, nudge.Normalize(req))
}

type postNudgeBody struct {
	Pass    *string `json:"pass"`
	Secret  *string `json:"secret"`
	Content *string `json:"content"`
	Ping    *bool   `json:"ping"`
}

// validate requires the same fields as the query forms: a secret under
// either name, and content. Empty strings are allowed.
func (b postNudgeBody) validate() error {
	if b.Pass == nil && b.Secret == nil {
		return errors.New("missing field: pass")
	}
	if b.Content == nil {
		return errors.New("missing field: content")
	}
	return nil
}

func (a *HTTPAPI) handlePostNudge(w http.ResponseWriter, r *http.Request) {
	var body postNudgeBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_JSON")
		return
	}

	var secret string
	if body.Pass != nil && *body.Pass != "" {
		secret = *body.Pass
	} else if body.Secret != nil {
		secret = *body.Secret
	}
	req := nudge.PostRequest{
		Category: nudge.CategoryGameNudge,
		Subtopic: r.PathValue("meta"),
		Secret:   secret,
		Content:  *body.Content,
		Ping:     body.Ping,
	}
	a.relay(w, r, SourcePost, nudge.Normalize(req))
}

func (a *HTTPAPI) handleSS14(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	req := nudge.RawRequest{
		Category: nudge.CategorySS14,
		Subtopic: r.PathValue("id"),
		Body:     json.RawMessage(body),
	}
	a.relay(w, r, SourceSS14, nudge.Normalize(req))
}

func (a *HTTPAPI) relay(w http.ResponseWriter, r *http.Request, source string, msg commloop.Message) {
	a.logger.Debug("relay request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Any("query", RedactQuery(r.URL.Query())),
	)
	// The relay runs to completion even if the caller hangs up; only the
	// commloop client's timeouts bound it.
	err := a.dispatcher.Dispatch(context.WithoutCancel(r.Context()), source, msg, r.RemoteAddr)
	writeRelayResult(w, err)
}

// writeRelayResult maps a relay outcome to the HTTP response.
func writeRelayResult(w http.ResponseWriter, err error) {
	if err == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, AcceptedMessage)
		return
	}

	status, code := relayErrorStatus(err)
	writeError(w, status, err.Error(), code)
}

func relayErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, commloop.ErrTransport):
		return http.StatusServiceUnavailable, "COMMLOOP_UNREACHABLE"
	case errors.Is(err, commloop.ErrInvalidIdentity):
		return http.StatusBadGateway, "INVALID_IDENTITY"
	case errors.Is(err, commloop.ErrMalformedPayload):
		return http.StatusBadGateway, "MALFORMED_PAYLOAD"
	case errors.Is(err, commloop.ErrAuthenticationFailed):
		return http.StatusBadGateway, "COMMLOOP_AUTH_FAILED"
	case errors.Is(err, commloop.ErrUnknownBackend):
		return http.StatusBadGateway, "COMMLOOP_ERROR"
	case errors.Is(err, commloop.ErrInvalidMsg), errors.Is(err, commloop.ErrEncode):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

type queryValues interface {
	Get(key string) string
	Has(key string) bool
}

// requireNudgeParams rejects nudges without a secret or content before
// anything is relayed. Present but empty values pass.
func requireNudgeParams(q queryValues) error {
	if !q.Has("pass") && !q.Has("secret") {
		return errors.New("missing parameter: pass")
	}
	if !q.Has("content") {
		return errors.New("missing parameter: content")
	}
	return nil
}

func legacyFromQuery(q queryValues) (nudge.LegacyRequest, error) {
	if err := requireNudgeParams(q); err != nil {
		return nudge.LegacyRequest{}, err
	}
	admin, err := parseBoolParam(q, "admin")
	if err != nil {
		return nudge.LegacyRequest{}, err
	}
	ping, err := parseBoolParam(q, "ping")
	if err != nil {
		return nudge.LegacyRequest{}, err
	}
	return nudge.LegacyRequest{
		Admin:   admin,
		Secret:  secretParam(q),
		Content: q.Get("content"),
		Ping:    ping,
	}, nil
}

func modernFromQuery(q queryValues) (nudge.ModernRequest, error) {
	if err := requireNudgeParams(q); err != nil {
		return nudge.ModernRequest{}, err
	}
	ping, err := parseBoolParam(q, "ping")
	if err != nil {
		return nudge.ModernRequest{}, err
	}
	category := q.Get("category")
	if category == "" {
		category = nudge.CategoryGameNudge
	}
	return nudge.ModernRequest{
		Category: category,
		Subtopic: q.Get("meta"),
		Secret:   secretParam(q),
		Content:  q.Get("content"),
		Ping:     ping,
	}, nil
}

func secretParam(q queryValues) string {
	if s := q.Get("pass"); s != "" {
		return s
	}
	return q.Get("secret")
}

// parseBoolParam returns nil for an absent parameter.
func parseBoolParam(q queryValues, key string) (*bool, error) {
	if !q.Has(key) {
		return nil, nil
	}
	switch strings.ToLower(q.Get(key)) {
	case "true", "1":
		return nudge.Bool(true), nil
	case "false", "0":
		return nudge.Bool(false), nil
	default:
		return nil, fmt.Errorf("invalid boolean for %s: %q", key, q.Get(key))
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
