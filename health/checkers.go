// Package health exposes the broker connectivity status for health
// reporting. Degraded-by-design modes (no broker configured) are healthy.
package health

import (
	"context"
	"time"

	"github.com/tilohq/eventbridge/internal/rabbitmq"
)

// Status is the externally reported broker status.
type Status string

const (
	StatusNotConfigured Status = "not_configured"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnected  Status = "disconnected"
	StatusError         Status = "error"
)

// Healthy reports whether the status is acceptable: connected, or running
// without a broker on purpose.
func (s Status) Healthy() bool {
	return s == StatusConnected || s == StatusNotConfigured
}

// CheckResult is one health check outcome.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Healthy   bool           `json:"healthy"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConnectionStatus is the slice of the connection manager the checker reads.
type ConnectionStatus interface {
	IsConfigured() bool
	State() rabbitmq.State
}

// BrokerChecker reports broker connectivity.
type BrokerChecker struct {
	conn ConnectionStatus
}

// NewBrokerChecker creates a checker over the connection manager.
func NewBrokerChecker(conn ConnectionStatus) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

// Status maps the connection lifecycle state to the reported status.
func (c *BrokerChecker) Status() Status {
	if !c.conn.IsConfigured() {
		return StatusNotConfigured
	}
	switch c.conn.State() {
	case rabbitmq.StateConnected:
		return StatusConnected
	case rabbitmq.StateConnecting:
		return StatusConnecting
	case rabbitmq.StateError:
		return StatusError
	default:
		return StatusDisconnected
	}
}

// Check produces a full check result.
func (c *BrokerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	status := c.Status()
	return CheckResult{
		Name:    c.Name(),
		Status:  status,
		Healthy: status.Healthy(),
		Details: map[string]any{
			"configured": c.conn.IsConfigured(),
			"state":      c.conn.State().String(),
		},
		Duration:  time.Since(start),
		Timestamp: start,
	}
}
