package relay

import (
	"database/sql"
	"time"

	"github.com/Bldg-7/webmommi/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type AuditLogger struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuditLogger(db *sql.DB, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{db: db, logger: logger}
}

// LogRelay stores one relay attempt. Storage failures are logged, never returned.
func (a *AuditLogger) LogRelay(rec storage.RelayRecord) {
	if a == nil || a.db == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := a.db.Exec(`
		INSERT INTO relay_log (id, timestamp, correlation_id, source, category, subtopic, outcome, error, duration_ms, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UTC().Format(timestampLayout), rec.CorrelationID, rec.Source, rec.Category,
		rec.Subtopic, rec.Outcome, rec.Error, rec.DurationMs, rec.RemoteAddr)
	if err != nil {
		a.logger.Warn("failed to write relay log entry",
			zap.String("category", rec.Category),
			zap.Error(err),
		)
	}
}

// RelayFilter narrows QueryRelays. Empty fields match everything.
type RelayFilter struct {
	Category string
	Outcome  string
	Source   string
	Limit    int
}

func (a *AuditLogger) QueryRelays(f RelayFilter) ([]storage.RelayRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `SELECT id, timestamp, correlation_id, source, category, subtopic, outcome, error, duration_ms, remote_addr FROM relay_log WHERE 1=1`
	args := make([]interface{}, 0, 4)
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]storage.RelayRecord, 0)
	for rows.Next() {
		var rec storage.RelayRecord
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.CorrelationID, &rec.Source, &rec.Category, &rec.Subtopic,
			&rec.Outcome, &rec.Error, &rec.DurationMs, &rec.RemoteAddr); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timestampLayout, ts); err == nil {
			rec.Timestamp = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (a *AuditLogger) PurgeOlderThan(retentionDays int) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timestampLayout)
	result, err := a.db.Exec("DELETE FROM relay_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := a.db.Exec("DELETE FROM github_deliveries WHERE received_at < ?", cutoff); err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LogDelivery records a GitHub delivery id so replays survive restarts.
func (a *AuditLogger) LogDelivery(d storage.GitHubDelivery) {
	if a == nil || a.db == nil || d.DeliveryID == "" {
		return
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	_, err := a.db.Exec(`INSERT OR IGNORE INTO github_deliveries (delivery_id, event, repository, received_at) VALUES (?, ?, ?, ?)`,
		d.DeliveryID, d.Event, d.Repository, d.ReceivedAt.UTC().Format(timestampLayout))
	if err != nil {
		a.logger.Warn("failed to record github delivery", zap.String("delivery_id", d.DeliveryID), zap.Error(err))
	}
}

// RecentDeliveries returns up to limit delivery ids, newest first.
func (a *AuditLogger) RecentDeliveries(limit int) ([]string, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	rows, err := a.db.Query(`SELECT delivery_id FROM github_deliveries ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
