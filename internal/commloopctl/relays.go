package commloopctl

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Bldg-7/webmommi/internal/storage"
)

// ListRelays fetches recent relay log entries. Empty filters are omitted.
func ListRelays(client *HTTPClient, category, outcome, source string, limit int) ([]storage.RelayRecord, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if outcome != "" {
		q.Set("outcome", outcome)
	}
	if source != "" {
		q.Set("source", source)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/relays"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var records []storage.RelayRecord
	if err := ParseResponse(body, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadinessJSON mirrors the relay's /readyz body.
type ReadinessJSON struct {
	Status     string `json:"status"`
	Components map[string]struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"components"`
}

// Readiness queries /readyz. A not-ready relay answers 503, which is still
// decoded so the caller can show which component failed.
func Readiness(client *HTTPClient) (*ReadinessJSON, error) {
	status, body, err := client.do("/readyz")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, client.parseError(status, body)
	}
	var r ReadinessJSON
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
