// Package bootstrap runs the long-lived parts of an orb process, such as
// the directory store, the communicator and the locator adapter, as
// services started in dependency order and stopped in reverse.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service represents a component managed by a Lifecycle
type Service interface {
	// Start starts the service
	Start(ctx context.Context) error

	// Stop stops the service
	Stop(ctx context.Context) error

	// Health returns the health status of the service
	Health(ctx context.Context) (HealthStatus, error)

	// Name returns the service name
	Name() string
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	// State indicates whether the service is healthy
	State HealthState `json:"state"`

	// Message provides additional information about the health status
	Message string `json:"message,omitempty"`

	// Data contains additional health information
	Data map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	// HealthUnknown indicates the health status is unknown
	HealthUnknown HealthState = "unknown"

	// HealthHealthy indicates the service is operational
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy indicates the service is failing but may recover
	HealthUnhealthy HealthState = "unhealthy"

	// HealthStopped indicates the service is not running
	HealthStopped HealthState = "stopped"
)

// Event types broadcast by a Lifecycle
const (
	EventRegistered  = "service.registered"
	EventStarting    = "service.starting"
	EventStarted     = "service.started"
	EventStartFailed = "service.start_failed"
	EventStopped     = "service.stopped"
	EventStopFailed  = "service.stop_failed"
)

// LifecycleEvent represents an event in the service lifecycle
type LifecycleEvent struct {
	Type      string    `json:"type"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     error     `json:"error,omitempty"`
}

// LifecycleError represents an error that occurred while starting or
// stopping a service
type LifecycleError struct {
	Operation string
	Service   string
	Err       error
}

func (e *LifecycleError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for service %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
