package compute

import (
	"context"
	"fmt"
)

// PowerState is an instance power status as reported by the instance API.
// Only RUNNING and TERMINATED drive decisions; anything else is either
// unknown (empty, the instance could not be described) or an intermediate
// state the workflow refuses to act on.
type PowerState string

const (
	StateRunning    PowerState = "RUNNING"
	StateTerminated PowerState = "TERMINATED"
	StateUnknown    PowerState = ""
)

// Instance identifies a pre-existing build machine. The workflow only
// observes and toggles its power state; it never creates or destroys the
// instance resource itself.
type Instance struct {
	Project string
	Zone    string
	Name    string
}

func (i Instance) String() string {
	return fmt.Sprintf("%s/%s/%s", i.Project, i.Zone, i.Name)
}

// Status is a point-in-time observation of an instance.
type Status struct {
	State      PowerState
	ExternalIP string // empty unless RUNNING with a NAT IP assigned
}

// API is the minimal instance-management surface the lifecycle manager
// needs: describe, start and stop by project, zone and name.
type API interface {
	Describe(ctx context.Context, inst Instance) (Status, error)
	Start(ctx context.Context, inst Instance) error
	Stop(ctx context.Context, inst Instance) error
}
