package container

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/system"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Controller drives emulator container lifecycle: create, readiness polling,
// and best-effort destruction.
type Controller struct {
	runtime Runtime
	cfg     config.Lifecycle
}

func NewController(runtime Runtime, cfg config.Lifecycle) *Controller {
	return &Controller{runtime: runtime, cfg: cfg}
}

// EmulatorSpec builds the container spec for one session: the image for the
// requested platform, environment encoding the device identity and enabled
// services, and the host port bindings for the session's leased ports.
func EmulatorSpec(cfg config.Runtime, platformVersion, deviceID, containerName string, ports types.SessionPorts) CreateSpec {
	image, platform := cfg.Image(platformVersion)
	return CreateSpec{
		Name:       containerName,
		Image:      image,
		Privileged: cfg.Privileged,
		Env: []string{
			"ANDROID_EMULATED_DEVICE=" + platform,
			"ANDROID_EMULATOR_WAIT_TIME=120",
			"ANDROID_EXTRA_OPTS=" + cfg.ExtraOpts + " -avd " + deviceID,
			"DEVICE_ID=" + deviceID,
			"DEVICE_PORT=" + strconv.Itoa(InternalConsolePort),
			"ENABLE_VNC=true",
			"VNC_PORT=" + strconv.Itoa(InternalScreenSharePort),
		},
		PortBindings: map[int]int{
			InternalConsolePort:      ports.Console,
			InternalBridgeDevicePort: ports.BridgeDevice,
			InternalBridgeServerPort: ports.BridgeServer,
			InternalScreenSharePort:  ports.ScreenShare,
		},
	}
}

// Create launches the container. Failures are provisioning errors.
func (c *Controller) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ref, err := c.runtime.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrProvision, err)
	}
	return ref, nil
}

// WaitReady polls until the console port accepts a TCP connection, bounded by
// the boot timeout. An emulator that spends the whole window booting fails
// provisioning rather than blocking the caller forever; device-level
// readiness is the bridge connect that follows.
func (c *Controller) WaitReady(ctx context.Context, consolePort int) error {
	err := system.WaitFor(ctx, "console port", c.cfg.BootTimeout, 2*time.Second, func(ctx context.Context) (bool, error) {
		conn, dialErr := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(consolePort)), time.Second)
		if dialErr != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrProvision, err)
	}
	return nil
}

// Destroy stops and removes the container, escalating from graceful stop to
// forced removal. It never returns an error; deletion must always succeed
// from the registry's perspective, so failures are logged and swallowed.
func (c *Controller) Destroy(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := c.runtime.Stop(ctx, ref, c.cfg.DestroyTimeout); err != nil {
		log.Warn().Err(err).Str("container_ref", ref).Msg("graceful stop failed, forcing removal")
	}
	if err := c.runtime.Remove(ctx, ref); err != nil {
		log.Warn().Err(err).Str("container_ref", ref).Msg("container removal failed")
		return
	}
	log.Info().Str("container_ref", ref).Msg("container destroyed")
}

// Inspect exposes the runtime view for health checks and discovery.
func (c *Controller) Inspect(ctx context.Context, ref string) (Info, error) {
	return c.runtime.Inspect(ctx, ref)
}

// List exposes the running container set for discovery.
func (c *Controller) List(ctx context.Context) ([]Info, error) {
	return c.runtime.List(ctx)
}
