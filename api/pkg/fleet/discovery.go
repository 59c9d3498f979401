package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/container"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Reconcile scans running containers, adopts externally-started emulators
// matching the predefined name table, and drives sessions whose container
// vanished to Gone. Adoption is keyed by container ref, so re-running against
// an unchanged container set produces zero new sessions.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	infos, err := m.containers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	running := make(map[string]container.Info)
	var adopted []string
	for _, info := range infos {
		if !info.Running {
			continue
		}
		running[info.Ref] = info

		if isDormant(info) {
			log.Debug().Str("container_name", info.Name).Msg("skipping dormant prototype container")
			continue
		}
		pc, ok := matchPredefined(m.cfg.Predefined, info.Name)
		if !ok {
			continue
		}
		if owner, owned := m.registry.ByContainerRef(info.Ref); owned && owner.Status != types.SessionStatusGone {
			// already ours; a conflict is logged, never surfaced as an error
			log.Debug().
				Str("container_name", info.Name).
				Str("session_id", owner.ID).
				Msg("container already owned by a session")
			continue
		}

		id := m.adopt(ctx, info, pc)
		adopted = append(adopted, id)
	}

	m.sweepGone(running)
	return adopted, nil
}

// adopt synthesizes a session for an externally-started container. The
// initial bridge connect is best-effort: on failure the session registers
// Degraded and the normal reconnect/health path keeps retrying.
func (m *Manager) adopt(ctx context.Context, info container.Info, pc config.PredefinedContainer) string {
	id := pc.SessionID()
	sessionPorts := adoptedPorts(info, pc)
	m.reserveAdoptedPorts(id, sessionPorts)

	session := types.EmulatorSession{
		ID:              id,
		DeviceID:        pc.DeviceID,
		PlatformVersion: pc.PlatformVersion,
		ContainerRef:    info.Ref,
		ContainerName:   info.Name,
		Ports:           sessionPorts,
		Status:          types.SessionStatusDegraded,
		IsPredefined:    true,
		CreatedAt:       time.Now(),
	}

	deviceStatus, err := m.bridge.Connect(ctx, sessionPorts.BridgeDevice, sessionPorts.BridgeServer)
	if err == nil && deviceStatus == types.DeviceStatusDevice {
		session.Status = types.SessionStatusRunning
	} else {
		log.Warn().
			Err(err).
			Str("session_id", id).
			Str("device_status", string(deviceStatus)).
			Msg("initial bridge connect for adopted container failed, registering degraded")
	}

	m.registry.Put(session)
	log.Info().
		Str("session_id", id).
		Str("container_name", info.Name).
		Interface("ports", sessionPorts).
		Msg("adopted externally-started container")
	return id
}

// reserveAdoptedPorts leases the container's observed ports under the
// session's ownership. Static pre-reservations from startup already carry
// the same owner, so re-reserving them is a no-op.
func (m *Manager) reserveAdoptedPorts(id string, sessionPorts types.SessionPorts) {
	for tag, port := range map[types.PortTag]int{
		types.PortTagConsole:      sessionPorts.Console,
		types.PortTagBridgeDevice: sessionPorts.BridgeDevice,
		types.PortTagBridgeServer: sessionPorts.BridgeServer,
		types.PortTagScreenShare:  sessionPorts.ScreenShare,
	} {
		if port == 0 {
			continue
		}
		if err := m.ports.Reserve(tag, port, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Int("port", port).Msg("adopted port already leased")
		}
	}
	m.ports.MarkBound(id)
}

// sweepGone marks sessions whose container vanished outside the API and
// purges Gone sessions past the grace window. Terminating sessions belong to
// a concurrent delete and are left alone.
func (m *Manager) sweepGone(running map[string]container.Info) {
	now := time.Now()
	for _, session := range m.registry.List() {
		switch session.Status {
		case types.SessionStatusTerminating, types.SessionStatusProvisioning:
			continue
		case types.SessionStatusGone:
			if !session.GoneSince.IsZero() && now.Sub(session.GoneSince) > m.cfg.Lifecycle.GonePurgeGrace {
				m.registry.Remove(session.ID)
				log.Info().Str("session_id", session.ID).Msg("purged gone session")
			}
			continue
		}
		if _, alive := running[session.ContainerRef]; alive {
			continue
		}

		log.Info().
			Str("session_id", session.ID).
			Str("container_ref", session.ContainerRef).
			Msg("container vanished, session gone")
		m.proxies.Stop(session.ID)
		if !session.IsPredefined {
			// static leases stay reserved so a restarted compose container
			// can never collide with a dynamic allocation
			m.ports.ReleaseOwned(session.ID)
		}
		m.registry.Update(session.ID, func(s *types.EmulatorSession) {
			s.Status = types.SessionStatusGone
			s.GoneSince = now
		})
	}
}

func isDormant(info container.Info) bool {
	return strings.HasPrefix(info.Command, "sleep ") && strings.Contains(info.Command, "infinity")
}

func matchPredefined(table []config.PredefinedContainer, name string) (config.PredefinedContainer, bool) {
	for _, pc := range table {
		if pc.ExactMatch {
			if name == pc.NamePattern {
				return pc, true
			}
			continue
		}
		if strings.Contains(name, pc.NamePattern) {
			return pc, true
		}
	}
	return config.PredefinedContainer{}, false
}

// adoptedPorts prefers the container's published mappings and falls back to
// the static table for anything unpublished.
func adoptedPorts(info container.Info, pc config.PredefinedContainer) types.SessionPorts {
	sessionPorts := pc.Ports
	if port, ok := info.PublishedPorts[container.InternalConsolePort]; ok {
		sessionPorts.Console = port
	}
	if port, ok := info.PublishedPorts[container.InternalBridgeDevicePort]; ok {
		sessionPorts.BridgeDevice = port
	}
	if port, ok := info.PublishedPorts[container.InternalBridgeServerPort]; ok {
		sessionPorts.BridgeServer = port
	}
	if port, ok := info.PublishedPorts[container.InternalScreenSharePort]; ok {
		sessionPorts.ScreenShare = port
	}
	return sessionPorts
}
