package relay

import (
	"context"
	"database/sql"
	"time"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports on the database and the commloop destination.
// It never dials the commloop: a probe would be relayed as a real message.
type HealthChecker struct {
	db              *sql.DB
	commloopAddress string
}

func NewHealthChecker(db *sql.DB, commloopAddress string) *HealthChecker {
	return &HealthChecker{db: db, commloopAddress: commloopAddress}
}

// CheckLiveness always reports healthy while the process serves requests.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database": hc.checkDatabase(ctx),
		"commloop": hc.checkCommloop(),
	}

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "database not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status: StatusError,
			Error:  err.Error(),
		}
	}

	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkCommloop() ComponentHealth {
	if hc.commloopAddress == "" {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "commloop not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}
