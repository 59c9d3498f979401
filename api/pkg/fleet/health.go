package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/types"
)

// RunBackground drives the periodic reconcile and health loops until the
// context is cancelled.
func (m *Manager) RunBackground(ctx context.Context) {
	reconcileTicker := time.NewTicker(m.cfg.Lifecycle.ReconcileInterval)
	defer reconcileTicker.Stop()
	healthTicker := time.NewTicker(m.cfg.Lifecycle.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				log.Warn().Err(err).Msg("reconcile pass failed")
			}
		case <-healthTicker.C:
			m.healthPass(ctx)
		}
	}
}

// healthPass probes every settled session and moves it between Running and
// Degraded based on what the container runtime and debug bridge report. A
// device that fell off the bridge gets exactly one automatic reconnect
// attempt; after that recovery is left to an explicit reconnect call, so a
// persistently broken emulator cannot monopolize the bridge mutex.
func (m *Manager) healthPass(ctx context.Context) {
	for _, session := range m.registry.List() {
		switch session.Status {
		case types.SessionStatusProvisioning, types.SessionStatusBooting,
			types.SessionStatusTerminating, types.SessionStatusGone:
			continue
		}

		status := m.checkSession(ctx, session)
		m.registry.Update(session.ID, func(s *types.EmulatorSession) {
			// delete may have won the race while we probed
			if s.Status == types.SessionStatusTerminating || s.Status == types.SessionStatusGone {
				return
			}
			if s.Status != status {
				log.Info().
					Str("session_id", s.ID).
					Str("from", string(s.Status)).
					Str("to", string(status)).
					Msg("health transition")
			}
			s.Status = status
			if status == types.SessionStatusRunning {
				s.AutoReconnectTried = false
			}
			s.LastHealthCheck = time.Now()
		})
	}
}

func (m *Manager) checkSession(ctx context.Context, session types.EmulatorSession) types.SessionStatus {
	if session.ContainerRef != "" {
		info, err := m.containers.Inspect(ctx, session.ContainerRef)
		if err != nil || !info.Running {
			log.Warn().
				Err(err).
				Str("session_id", session.ID).
				Str("container_ref", session.ContainerRef).
				Msg("container not running, session degraded")
			return types.SessionStatusDegraded
		}
	}

	deviceStatus, err := m.bridge.DeviceStatus(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	if err != nil {
		log.Debug().Err(err).Str("session_id", session.ID).Msg("device status probe failed")
		return types.SessionStatusDegraded
	}

	switch deviceStatus {
	case types.DeviceStatusDevice:
		return types.SessionStatusRunning
	case types.DeviceStatusUnauthorized:
		// reconnecting cannot fix an authorization failure
		return types.SessionStatusDegraded
	}

	if session.AutoReconnectTried {
		return types.SessionStatusDegraded
	}
	m.registry.Update(session.ID, func(s *types.EmulatorSession) {
		s.AutoReconnectTried = true
	})

	log.Info().
		Str("session_id", session.ID).
		Str("device_status", string(deviceStatus)).
		Msg("device lost, attempting automatic reconnect")
	reconnected, err := m.bridge.Connect(ctx, session.Ports.BridgeDevice, session.Ports.BridgeServer)
	if err == nil && reconnected == types.DeviceStatusDevice {
		return types.SessionStatusRunning
	}
	if errors.Is(err, types.ErrDeviceUnauthorized) {
		log.Warn().Str("session_id", session.ID).Msg("device unauthorized during automatic reconnect")
	}
	return types.SessionStatusDegraded
}
