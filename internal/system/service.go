// Package system provides the lifecycle manager shared by every
// long-running component of the engine (the HTTP API, the refresh
// scheduler, the notify publisher). Services register before Start, are
// started in registration order, and stopped in reverse order on shutdown.
package system

import "context"

// Service is a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Descriptor advertises a service's identity for operational introspection.
type Descriptor struct {
	Name         string   `json:"name"`
	Layer        string   `json:"layer"`
	Capabilities []string `json:"capabilities,omitempty"`
}

const (
	LayerIngress     = "ingress"
	LayerEngine      = "engine"
	LayerObservation = "observation"
)

// DescriptorProvider is implemented by services that advertise a Descriptor.
type DescriptorProvider interface {
	Descriptor() Descriptor
}
