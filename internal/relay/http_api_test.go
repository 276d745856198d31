package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/shared"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

const testAuthToken = "test-token"

func newTestAPI(t *testing.T, relayer Relayer) (*HTTPAPI, *AuditLogger) {
	t.Helper()
	d, audit := newTestDispatcher(t, relayer)
	api := NewHTTPAPI(d, testAuthToken, zap.NewNop())
	api.SetAuditLogger(audit)
	return api, audit
}

func serve(api *HTTPAPI, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeAPIError(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, rr.Body.String())
	}
	return e
}

func TestTwoHundred(t *testing.T) {
	api := NewHTTPAPI(nil, testAuthToken, nil)
	rr := serve(api, httptest.NewRequest(http.MethodGet, "/twohundred", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hi BYOND!" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestRelayRoutesRequireCommloop(t *testing.T) {
	api := NewHTTPAPI(nil, testAuthToken, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/discord?admin=true&pass=s&content=hi", nil),
		httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=hi", nil),
		httptest.NewRequest(http.MethodPost, "/mommi/nudge/ooc", strings.NewReader(`{"pass":"s","content":"hi"}`)),
		httptest.NewRequest(http.MethodPost, "/mommi/ss14/lizard", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(`{}`)),
	} {
		rr := serve(api, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404 without commloop, got %d", req.Method, req.URL.Path, rr.Code)
		}
	}
}

func TestDiscordLegacyForm(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		category string
		ping     bool
	}{
		{name: "admin true", query: "admin=true&pass=s&content=hi", category: nudge.CategoryAdminHelp},
		{name: "admin absent ping set", query: "pass=s&content=hi&ping=1", category: nudge.CategoryServerStatus, ping: true},
		{name: "admin zero", query: "admin=0&pass=s&content=hi&ping=false", category: nudge.CategoryServerStatus},
		{name: "secret alias", query: "admin=1&secret=s&content=hi", category: nudge.CategoryAdminHelp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubRelayer{}
			api, _ := newTestAPI(t, stub)

			rr := serve(api, httptest.NewRequest(http.MethodGet, "/discord?"+tt.query, nil))
			if rr.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
			}
			if rr.Body.String() != AcceptedMessage {
				t.Fatalf("unexpected body %q", rr.Body.String())
			}

			msg := stub.last(t)
			if msg.Category != tt.category || msg.Subtopic != tt.category {
				t.Errorf("unexpected routing %q/%q", msg.Category, msg.Subtopic)
			}
			want := nudge.Payload{Secret: "s", Content: "hi", Ping: tt.ping}
			if msg.Payload != want {
				t.Errorf("expected payload %+v, got %+v", want, msg.Payload)
			}
		})
	}
}

func TestDiscordModernForm(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/discord?meta=ooc&pass=s&content=round+over", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := stub.last(t)
	if msg.Category != nudge.CategoryGameNudge || msg.Subtopic != "ooc" {
		t.Errorf("unexpected routing %q/%q", msg.Category, msg.Subtopic)
	}
	if msg.Payload != (nudge.Payload{Secret: "s", Content: "round over"}) {
		t.Errorf("unexpected payload %+v", msg.Payload)
	}
}

func TestNudgeQueryForm(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?category=adminhelp&meta=bans&pass=s&content=x&ping=TRUE", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := stub.last(t)
	if msg.Category != "adminhelp" || msg.Subtopic != "bans" {
		t.Errorf("unexpected routing %q/%q", msg.Category, msg.Subtopic)
	}
	if !msg.Payload.(nudge.Payload).Ping {
		t.Error("expected ping to be true")
	}
}

func TestNudgeInvalidBoolean(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=x&ping=maybe", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "INVALID_PARAMETER" {
		t.Errorf("expected INVALID_PARAMETER, got %q", e.Code)
	}
	if stub.count() != 0 {
		t.Error("nothing should be relayed for a bad request")
	}
}

func TestNudgeMissingMetaIsBadRequest(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?pass=s&content=x", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "BAD_REQUEST" {
		t.Errorf("expected BAD_REQUEST, got %q", e.Code)
	}
}

func TestPostNudge(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	req := httptest.NewRequest(http.MethodPost, "/mommi/nudge/adminhelp", strings.NewReader(`{"pass":"pw","content":"help me","ping":true}`))
	req.Header.Set("Content-Type", "application/json")
	rr := serve(api, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := stub.last(t)
	if msg.Category != nudge.CategoryGameNudge || msg.Subtopic != "adminhelp" {
		t.Errorf("unexpected routing %q/%q", msg.Category, msg.Subtopic)
	}
	if msg.Payload != (nudge.Payload{Secret: "pw", Content: "help me", Ping: true}) {
		t.Errorf("unexpected payload %+v", msg.Payload)
	}
}

func TestPostNudgeInvalidJSON(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodPost, "/mommi/nudge/ooc", strings.NewReader(`{"pass":`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "INVALID_JSON" {
		t.Errorf("expected INVALID_JSON, got %q", e.Code)
	}
}

func TestSS14RelaysBodyVerbatim(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	body := `{"type":"round_end","players":[1,2,3]}`
	rr := serve(api, httptest.NewRequest(http.MethodPost, "/mommi/ss14/lizard", strings.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := stub.last(t)
	if msg.Category != nudge.CategorySS14 || msg.Subtopic != "lizard" {
		t.Errorf("unexpected routing %q/%q", msg.Category, msg.Subtopic)
	}
	if string(msg.Payload.(json.RawMessage)) != body {
		t.Errorf("payload altered: %s", msg.Payload)
	}

	rr = serve(api, httptest.NewRequest(http.MethodPost, "/mommi/ss14/lizard", strings.NewReader(`not json`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
}

func TestRelayOutcomeStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "transport",
			err:    &commloop.TransportError{Op: "dial", Addr: "127.0.0.1:1", Err: errors.New("connection refused")},
			status: http.StatusServiceUnavailable,
			code:   "COMMLOOP_UNREACHABLE",
		},
		{name: "id bytes", err: commloop.Err(commloop.StatusIDBytes), status: http.StatusBadGateway, code: "INVALID_IDENTITY"},
		{name: "json", err: commloop.Err(commloop.StatusJSON), status: http.StatusBadGateway, code: "MALFORMED_PAYLOAD"},
		{name: "auth", err: commloop.Err(commloop.StatusAuth), status: http.StatusBadGateway, code: "COMMLOOP_AUTH_FAILED"},
		{name: "unknown", err: commloop.Err(200), status: http.StatusBadGateway, code: "COMMLOOP_ERROR"},
		{name: "encode", err: commloop.ErrEncode, status: http.StatusBadRequest, code: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, _ := newTestAPI(t, &stubRelayer{err: tt.err})

			rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=x", nil))
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if e := decodeAPIError(t, rr); e.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, e.Code)
			}
		})
	}
}

func TestCorrelationIDEchoedAndAudited(t *testing.T) {
	api, audit := newTestAPI(t, &stubRelayer{})

	req := httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=x", nil)
	req.Header.Set(shared.CorrelationHeader, "trace-42")
	rr := serve(api, req)

	if got := rr.Header().Get(shared.CorrelationHeader); got != "trace-42" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	records, err := audit.QueryRelays(RelayFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 || records[0].CorrelationID != "trace-42" {
		t.Fatalf("unexpected audit records %+v", records)
	}
}

func TestListRelaysRequiresAuth(t *testing.T) {
	api, audit := newTestAPI(t, &stubRelayer{})
	audit.LogRelay(storage.RelayRecord{Timestamp: time.Now().UTC(), Source: SourceSS14, Category: "ss14", Subtopic: "a", Outcome: "success"})
	audit.LogRelay(storage.RelayRecord{Timestamp: time.Now().UTC(), Source: SourceModern, Category: "gamenudge", Subtopic: "b", Outcome: "transport_failure"})

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/api/v1/relays", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/relays?outcome=transport_failure", nil)
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	rr = serve(api, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Data []storage.RelayRecord `json:"data"`
		Meta apiMeta               `json:"meta"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Meta.Total != 1 || len(resp.Data) != 1 || resp.Data[0].Subtopic != "b" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	api := NewHTTPAPI(nil, testAuthToken, nil)
	api.SetHealthChecker(NewHealthChecker(setupRelayTestDB(t), ""))

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without commloop, got %d", rr.Code)
	}

	rr = serve(api, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 liveness, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, &stubRelayer{})
	serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=x", nil))

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "webmommi_relays_total") {
		t.Error("expected relay counter in metrics output")
	}
}

// End to end through a real commloop backend: the frame reaching the
// backend must carry the normalized legacy message.
func TestLegacyNudgeReachesCommloop(t *testing.T) {
	addr, frames := startTestCommloop(t, "hunter2", commloop.StatusOK)
	relayer := commloop.NewRelayer(commloop.Destination{Address: addr, Secret: []byte("hunter2")}, nil, zap.NewNop())
	api, _ := newTestAPI(t, relayer)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/discord?admin=true&pass=s&content=hi", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case f := <-frames:
		if f.Category != "adminhelp" || f.Subtopic != "adminhelp" {
			t.Errorf("unexpected routing %q/%q", f.Category, f.Subtopic)
		}
		if string(f.Cont) != `{"pass":"s","content":"hi","ping":false}` {
			t.Errorf("unexpected cont %s", f.Cont)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the frame")
	}
}

func TestWrongPasswordReportsAuthFailure(t *testing.T) {
	addr, _ := startTestCommloop(t, "hunter2", commloop.StatusOK)
	relayer := commloop.NewRelayer(commloop.Destination{Address: addr, Secret: []byte("wrong")}, nil, zap.NewNop())
	api, _ := newTestAPI(t, relayer)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=x", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "COMMLOOP_AUTH_FAILED" {
		t.Errorf("expected COMMLOOP_AUTH_FAILED, got %q", e.Code)
	}
}

func TestNudgeRequiresPassAndContent(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
		code string
	}{
		{name: "legacy without pass or content", req: httptest.NewRequest(http.MethodGet, "/discord?admin=true", nil), code: "INVALID_PARAMETER"},
		{name: "legacy without content", req: httptest.NewRequest(http.MethodGet, "/discord?admin=true&pass=s", nil), code: "INVALID_PARAMETER"},
		{name: "modern without pass or content", req: httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=chan", nil), code: "INVALID_PARAMETER"},
		{name: "modern without pass", req: httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=chan&content=x", nil), code: "INVALID_PARAMETER"},
		{name: "discord modern without content", req: httptest.NewRequest(http.MethodGet, "/discord?meta=chan&pass=s", nil), code: "INVALID_PARAMETER"},
		{name: "post empty object", req: httptest.NewRequest(http.MethodPost, "/mommi/nudge/chan", strings.NewReader(`{}`)), code: "INVALID_JSON"},
		{name: "post without content", req: httptest.NewRequest(http.MethodPost, "/mommi/nudge/chan", strings.NewReader(`{"pass":"s"}`)), code: "INVALID_JSON"},
		{name: "post without pass", req: httptest.NewRequest(http.MethodPost, "/mommi/nudge/chan", strings.NewReader(`{"content":"x"}`)), code: "INVALID_JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubRelayer{}
			api, _ := newTestAPI(t, stub)

			rr := serve(api, tt.req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if e := decodeAPIError(t, rr); e.Code != tt.code {
				t.Errorf("expected %s, got %q", tt.code, e.Code)
			}
			if stub.count() != 0 {
				t.Errorf("nothing should be relayed, got %d", stub.count())
			}
		})
	}
}

func TestNudgeAcceptsEmptyPassAndContent(t *testing.T) {
	stub := &stubRelayer{}
	api, _ := newTestAPI(t, stub)

	rr := serve(api, httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=chan&pass=&content=", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = serve(api, httptest.NewRequest(http.MethodPost, "/mommi/nudge/chan", strings.NewReader(`{"secret":"s","content":""}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if msg := stub.last(t); msg.Payload != (nudge.Payload{Secret: "s"}) {
		t.Errorf("unexpected payload %+v", msg.Payload)
	}
}

// A caller that hangs up must not abort the relay: the frame still reaches
// the backend and the correlation id is kept.
func TestRelaySurvivesCallerHangup(t *testing.T) {
	addr, frames := startTestCommloop(t, "hunter2", commloop.StatusOK)
	relayer := commloop.NewRelayer(commloop.Destination{Address: addr, Secret: []byte("hunter2")}, nil, zap.NewNop())
	api, audit := newTestAPI(t, relayer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/mommi/nudge?meta=ooc&pass=s&content=hi", nil).WithContext(ctx)
	req.Header.Set(shared.CorrelationHeader, "hangup-1")

	rr := serve(api, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	select {
	case f := <-frames:
		if f.Subtopic != "ooc" {
			t.Errorf("unexpected subtopic %q", f.Subtopic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the frame")
	}

	records, err := audit.QueryRelays(RelayFilter{})
	if err != nil {
		t.Fatalf("query relays: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != "success" || records[0].CorrelationID != "hangup-1" {
		t.Fatalf("unexpected audit records %+v", records)
	}
}
