package fleet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/container"
	"github.com/emufleet/emufleet/api/pkg/ports"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Containers is the container lifecycle surface the manager needs.
type Containers interface {
	Create(ctx context.Context, spec container.CreateSpec) (string, error)
	WaitReady(ctx context.Context, consolePort int) error
	Destroy(ctx context.Context, ref string)
	Inspect(ctx context.Context, ref string) (container.Info, error)
	List(ctx context.Context) ([]container.Info, error)
}

// Bridge is the debug-bridge surface the manager needs. Every call funnels
// through the multiplexer's global critical section.
type Bridge interface {
	Connect(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error)
	Disconnect(ctx context.Context, devicePort, serverPort int) error
	DeviceStatus(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error)
	GetProp(ctx context.Context, devicePort, serverPort int, prop string) (string, error)
	Screencap(ctx context.Context, devicePort, serverPort int) ([]byte, error)
}

// Proxies is the screen-share proxy surface the manager needs.
type Proxies interface {
	Ensure(ctx context.Context, sessionID string, screenSharePort int) (types.ProxyInfo, error)
	Stop(sessionID string)
	Info(sessionID string) (types.ProxyInfo, bool)
}

// Manager owns the session registry and coordinates the port allocator,
// container controller, bridge multiplexer, and proxy manager behind the
// HTTP facade.
type Manager struct {
	cfg        config.ServerConfig
	registry   *Registry
	ports      *ports.Allocator
	containers Containers
	bridge     Bridge
	proxies    Proxies
}

func NewManager(cfg config.ServerConfig, alloc *ports.Allocator, containers Containers, bridge Bridge, proxies Proxies) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		ports:      alloc,
		containers: containers,
		bridge:     bridge,
		proxies:    proxies,
	}
	if err := m.reserveStatic(); err != nil {
		return nil, err
	}
	return m, nil
}

// reserveStatic pre-reserves the static ports of every predefined container
// so the dynamic scanner and the static tables share one reservation
// authority and can never hand out the same port twice.
func (m *Manager) reserveStatic() error {
	for _, pc := range m.cfg.Predefined {
		owner := pc.SessionID()
		for tag, port := range map[types.PortTag]int{
			types.PortTagConsole:      pc.Ports.Console,
			types.PortTagBridgeDevice: pc.Ports.BridgeDevice,
			types.PortTagBridgeServer: pc.Ports.BridgeServer,
			types.PortTagScreenShare:  pc.Ports.ScreenShare,
		} {
			if port == 0 {
				continue
			}
			if err := m.ports.Reserve(tag, port, owner); err != nil {
				return fmt.Errorf("pre-reserving static port %d for %s: %w", port, owner, err)
			}
		}
	}
	return nil
}

// Create provisions a new emulator session: leases ports, launches the
// container, waits for the console to come up, then connects the debug
// bridge. A failed allocation or boot aborts the whole flow and releases
// every partially-acquired lease; a failed bridge connect leaves the session
// registered Degraded, to be recovered by reconnect or the health pass.
func (m *Manager) Create(ctx context.Context, req types.CreateEmulatorRequest) (*types.CreateEmulatorResponse, error) {
	id := uuid.NewString()
	deviceID := "emu-" + id[:8]
	_, platform := m.cfg.Runtime.Image(req.PlatformVersion)

	fail := func() {
		m.ports.ReleaseOwned(id)
		m.registry.Remove(id)
	}

	var sessionPorts types.SessionPorts
	for tag, dst := range map[types.PortTag]*int{
		types.PortTagConsole:      &sessionPorts.Console,
		types.PortTagBridgeDevice: &sessionPorts.BridgeDevice,
		types.PortTagBridgeServer: &sessionPorts.BridgeServer,
		types.PortTagScreenShare:  &sessionPorts.ScreenShare,
	} {
		port, err := m.ports.Allocate(tag, id)
		if err != nil {
			fail()
			return nil, err
		}
		*dst = port
	}

	containerName := fmt.Sprintf("emu_%s_%s", deviceID, id[:8])
	m.registry.Put(types.EmulatorSession{
		ID:              id,
		DeviceID:        deviceID,
		PlatformVersion: platform,
		ContainerName:   containerName,
		Ports:           sessionPorts,
		Status:          types.SessionStatusProvisioning,
		CreatedAt:       time.Now(),
	})

	log.Info().
		Str("session_id", id).
		Str("device_id", deviceID).
		Str("platform_version", platform).
		Interface("ports", sessionPorts).
		Msg("creating emulator")

	spec := container.EmulatorSpec(m.cfg.Runtime, platform, deviceID, containerName, sessionPorts)
	ref, err := m.containers.Create(ctx, spec)
	if err != nil {
		fail()
		return nil, err
	}
	m.registry.Update(id, func(s *types.EmulatorSession) {
		s.ContainerRef = ref
		s.Status = types.SessionStatusBooting
	})
	m.ports.MarkBound(id)

	if err := m.containers.WaitReady(ctx, sessionPorts.Console); err != nil {
		m.containers.Destroy(ctx, ref)
		fail()
		return nil, err
	}

	finalStatus := types.DeviceStatusAbsent
	status := types.SessionStatusRunning
	if req.MapBridgeServer == nil || *req.MapBridgeServer {
		deviceStatus, connErr := m.bridge.Connect(ctx, sessionPorts.BridgeDevice, sessionPorts.BridgeServer)
		finalStatus = deviceStatus
		if connErr != nil || deviceStatus != types.DeviceStatusDevice {
			// the session stays; reconnect or the health pass retries
			log.Warn().
				Err(connErr).
				Str("session_id", id).
				Str("device_status", string(deviceStatus)).
				Msg("initial bridge connect failed, session degraded")
			status = types.SessionStatusDegraded
		}
	}
	m.registry.Update(id, func(s *types.EmulatorSession) {
		s.Status = status
	})

	return &types.CreateEmulatorResponse{
		ID:                id,
		DeviceID:          deviceID,
		PlatformVersion:   platform,
		Ports:             sessionPorts,
		FinalDeviceStatus: finalStatus,
	}, nil
}

// Delete tears a session down: Terminating under the registry lock first,
// then external cleanup, then Gone. External failures are swallowed so a
// session can never get stuck unreachable in Terminating.
func (m *Manager) Delete(ctx context.Context, id string) error {
	session, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	if session.IsPredefined {
		return fmt.Errorf("%s: %w", id, types.ErrPredefinedImmutable)
	}
	m.registry.Update(id, func(s *types.EmulatorSession) {
		s.Status = types.SessionStatusTerminating
	})

	m.proxies.Stop(id)
	if err := m.bridge.Disconnect(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("bridge disconnect during delete failed")
	}
	m.containers.Destroy(ctx, session.ContainerRef)
	m.ports.ReleaseOwned(id)
	m.registry.Remove(id)

	log.Info().Str("session_id", id).Str("device_id", session.DeviceID).Msg("emulator deleted")
	return nil
}

// Get returns one session.
func (m *Manager) Get(id string) (types.EmulatorSession, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return types.EmulatorSession{}, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return session, nil
}

// List returns a summary of every session.
func (m *Manager) List() map[string]types.SessionSummary {
	out := make(map[string]types.SessionSummary)
	for _, session := range m.registry.List() {
		out[session.ID] = types.SessionSummary{
			DeviceID:        session.DeviceID,
			PlatformVersion: session.PlatformVersion,
			Status:          session.Status,
			Ports:           session.Ports,
			IsPredefined:    session.IsPredefined,
			ContainerName:   session.ContainerName,
		}
	}
	return out
}

// Reconnect re-runs the bridge connect sequence for a session. An
// unauthorized device leaves the status untouched and reports a kind the
// caller can distinguish from the retryable ones.
func (m *Manager) Reconnect(ctx context.Context, id string) (*types.ReconnectResponse, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	deviceStatus, err := m.bridge.Connect(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	resp := &types.ReconnectResponse{FinalDeviceStatus: deviceStatus}
	switch {
	case err == nil:
		m.registry.Update(id, func(s *types.EmulatorSession) {
			s.Status = types.SessionStatusRunning
			s.AutoReconnectTried = false
		})
		resp.Status = types.SessionStatusRunning
	case errors.Is(err, types.ErrDeviceUnauthorized):
		resp.Status = session.Status
		resp.ErrorKind = types.ErrorKind(err)
	default:
		m.registry.Update(id, func(s *types.EmulatorSession) {
			s.Status = types.SessionStatusDegraded
		})
		resp.Status = types.SessionStatusDegraded
		resp.ErrorKind = types.ErrorKind(err)
	}
	return resp, nil
}

// Status reports the combined container and device view of a session.
func (m *Manager) Status(ctx context.Context, id string) (*types.SessionStatusResponse, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	resp := &types.SessionStatusResponse{
		ID:             session.ID,
		DeviceID:       session.DeviceID,
		Status:         session.Status,
		ContainerState: "unknown",
		Ports:          session.Ports,
	}
	if info, err := m.containers.Inspect(ctx, session.ContainerRef); err == nil {
		resp.ContainerState = info.State
	}

	deviceStatus, err := m.bridge.DeviceStatus(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	if err != nil {
		deviceStatus = types.DeviceStatusAbsent
	}
	resp.DeviceStatus = deviceStatus

	if deviceStatus == types.DeviceStatusDevice {
		if out, err := m.bridge.GetProp(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer, "sys.boot_completed"); err == nil {
			resp.BootCompleted = strings.TrimSpace(out) == "1"
		}
		if out, err := m.bridge.GetProp(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer, "ro.build.version.release"); err == nil {
			resp.ReportedVersion = strings.TrimSpace(out)
		}
	}
	return resp, nil
}

// Screenshot captures the device framebuffer as a base64 data URL.
func (m *Manager) Screenshot(ctx context.Context, id string) (*types.ScreenshotResponse, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	deviceStatus, err := m.bridge.DeviceStatus(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBridgeUnavailable, err)
	}
	switch deviceStatus {
	case types.DeviceStatusDevice:
	case types.DeviceStatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", id, types.ErrDeviceUnauthorized)
	default:
		return nil, fmt.Errorf("device is %s: %w", deviceStatus, types.ErrBridgeUnavailable)
	}

	png, err := m.bridge.Screencap(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBridgeUnavailable, err)
	}
	return &types.ScreenshotResponse{
		Screenshot: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ProxyInfo ensures a screen-share proxy is running for the session and
// returns its WebSocket endpoint.
func (m *Manager) ProxyInfo(ctx context.Context, id string) (*types.ProxyInfoResponse, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	info, err := m.proxies.Ensure(ctx, id, session.Ports.ScreenShare)
	if err != nil {
		return nil, err
	}
	m.registry.Update(id, func(s *types.EmulatorSession) {
		s.Ports.ScreenProxy = info.BoundPort
	})
	return &types.ProxyInfoResponse{
		WSURL:     fmt.Sprintf("ws://%s:%d", m.cfg.ScreenShare.PublicHost, info.BoundPort),
		BoundPort: info.BoundPort,
	}, nil
}

// StopProxy stops a session's screen-share proxy, if any.
func (m *Manager) StopProxy(id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	m.proxies.Stop(id)
	m.registry.Update(id, func(s *types.EmulatorSession) {
		s.Ports.ScreenProxy = 0
	})
	return nil
}
