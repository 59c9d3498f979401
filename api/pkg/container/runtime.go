package container

import (
	"context"
	"time"
)

// Internal container ports the emulator image exposes. Host-side ports are
// whatever the allocator handed the session; these are fixed by the image.
const (
	InternalConsolePort      = 5554
	InternalBridgeDevicePort = 5555
	InternalBridgeServerPort = 5037
	InternalScreenSharePort  = 5900
)

// CreateSpec describes one emulator container to launch.
type CreateSpec struct {
	Name         string
	Image        string
	Env          []string
	Privileged   bool
	PortBindings map[int]int // container port -> host port
}

// Info is the runtime's view of one container.
type Info struct {
	Ref            string
	Name           string
	Running        bool
	State          string
	Command        string
	PublishedPorts map[int]int // container port -> host port
}

// Runtime abstracts the container control plane so the controller and the
// discovery reconciler can be tested against a fake.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Stop(ctx context.Context, ref string, timeout time.Duration) error
	Remove(ctx context.Context, ref string) error
	Inspect(ctx context.Context, ref string) (Info, error)
	List(ctx context.Context) ([]Info, error)
}
