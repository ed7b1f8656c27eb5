package compute

import (
	"context"
	"fmt"

	gce "google.golang.org/api/compute/v1"
)

// GCE implements API against the Compute Engine v1 API using application
// default credentials.
type GCE struct {
	instances *gce.InstancesService
}

func NewGCE(ctx context.Context) (*GCE, error) {
	svc, err := gce.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return &GCE{instances: gce.NewInstancesService(svc)}, nil
}

func (g *GCE) Describe(ctx context.Context, inst Instance) (Status, error) {
	res, err := g.instances.Get(inst.Project, inst.Zone, inst.Name).Context(ctx).Do()
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("failed to describe instance %s: %w", inst, err)
	}
	return Status{
		State:      PowerState(res.Status),
		ExternalIP: externalIP(res),
	}, nil
}

// Start issues the start request without waiting for the zone operation to
// finish. Convergence is observed by polling Describe instead.
func (g *GCE) Start(ctx context.Context, inst Instance) error {
	if _, err := g.instances.Start(inst.Project, inst.Zone, inst.Name).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to start instance %s: %w", inst, err)
	}
	return nil
}

func (g *GCE) Stop(ctx context.Context, inst Instance) error {
	if _, err := g.instances.Stop(inst.Project, inst.Zone, inst.Name).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", inst, err)
	}
	return nil
}

// externalIP returns the first NAT IP across the instance's access configs,
// or empty when none is assigned.
func externalIP(res *gce.Instance) string {
	for _, nic := range res.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}
