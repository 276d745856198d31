package storage

import "time"

// RelayRecord is one row of relay_log: a single attempt to hand a message to
// the commloop, whatever its outcome.
type RelayRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Source        string    `json:"source"`
	Category      string    `json:"category"`
	Subtopic      string    `json:"subtopic"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int       `json:"duration_ms"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
}

// GitHubDelivery is one row of github_deliveries.
type GitHubDelivery struct {
	DeliveryID string
	Event      string
	Repository string
	ReceivedAt time.Time
}
