// Package system provides the lifecycle-management primitives shared by
// the long-running components: the ticket engine's reaper, the dispatch
// loop, and the HTTP service.
package system

import (
	"context"

	core "github.com/buildforge/controlplane/internal/app/core/service"
)

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer,
// capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// CollectDescriptors gathers descriptors from the provided services in
// registration order.
func CollectDescriptors(providers []DescriptorProvider) []core.Descriptor {
	out := make([]core.Descriptor, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		out = append(out, p.Descriptor())
	}
	return out
}

// NoopService is a convenient Service implementation for modules that do
// not require background processing.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (NoopService) Start(context.Context) error { return nil }

func (NoopService) Stop(context.Context) error { return nil }
