package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/system"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Mux serializes access to the single local debug-bridge daemon. The daemon
// exposes exactly one addressable server per control port on the host, so
// every stop/start/connect sequence runs under one global mutex; two callers
// can never interleave a server switch with a connect targeting the wrong
// port. All bridge traffic goes through here, never through ad-hoc CLI calls.
type Mux struct {
	mu     sync.Mutex
	cfg    config.Bridge
	runner Runner
	// active is the server port currently bound, 0 if unknown.
	active int
}

func New(cfg config.Bridge) *Mux {
	return NewWithRunner(cfg, newExecRunner(cfg.Binary, cfg.CommandTimeout))
}

func NewWithRunner(cfg config.Bridge, runner Runner) *Mux {
	return &Mux{cfg: cfg, runner: runner}
}

// SwitchTo stops any currently-bound local server and starts a new one bound
// to serverPort, returning once it accepts commands.
func (m *Mux) SwitchTo(ctx context.Context, serverPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchToLocked(ctx, serverPort)
}

func (m *Mux) switchToLocked(ctx context.Context, serverPort int) error {
	if _, err := m.runner.Run(ctx, serverPort, "kill-server"); err != nil {
		// no server to kill is the common case
		log.Debug().Err(err).Int("server_port", serverPort).Msg("kill-server reported an error")
	}
	m.active = 0

	if _, err := m.runner.Run(ctx, serverPort, "start-server"); err != nil {
		return fmt.Errorf("starting bridge server on %d: %w: %v", serverPort, types.ErrBridgeUnavailable, err)
	}

	err := system.WaitFor(ctx, "bridge server", m.cfg.SwitchTimeout, 500*time.Millisecond, func(ctx context.Context) (bool, error) {
		_, probeErr := m.runner.Run(ctx, serverPort, "devices")
		return probeErr == nil, nil
	})
	if err != nil {
		return err
	}

	m.active = serverPort
	log.Info().Int("server_port", serverPort).Msg("bridge server switched")
	return nil
}

// Connect switches the local server to serverPort and connects the loopback
// forward of devicePort, as one critical section. Up to ConnectAttempts
// passes with fixed backoff; each pass re-probes device status first so a
// device that recovered on its own needs no restart, and an unauthorized
// device aborts immediately rather than being retried forever.
func (m *Mux) Connect(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serial := fmt.Sprintf("localhost:%d", devicePort)
	final := types.DeviceStatusAbsent

	err := retry.Do(func() error {
		if status, probeErr := m.deviceStatusLocked(ctx, devicePort, serverPort); probeErr == nil {
			final = status
			switch status {
			case types.DeviceStatusDevice:
				return nil
			case types.DeviceStatusUnauthorized:
				return retry.Unrecoverable(fmt.Errorf("%s: %w", serial, types.ErrDeviceUnauthorized))
			}
		}

		if err := m.switchToLocked(ctx, serverPort); err != nil {
			return err
		}
		if _, err := m.runner.Run(ctx, serverPort, "connect", serial); err != nil {
			return err
		}

		status, err := m.deviceStatusLocked(ctx, devicePort, serverPort)
		if err != nil {
			return err
		}
		final = status
		switch status {
		case types.DeviceStatusDevice:
			return nil
		case types.DeviceStatusUnauthorized:
			return retry.Unrecoverable(fmt.Errorf("%s: %w", serial, types.ErrDeviceUnauthorized))
		default:
			return fmt.Errorf("device %s is %s", serial, status)
		}
	},
		retry.Attempts(m.cfg.ConnectAttempts),
		retry.Delay(m.cfg.ConnectBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Uint("attempt", n+1).
				Str("serial", serial).
				Int("server_port", serverPort).
				Msg("retrying bridge connect")
		}),
	)
	if err != nil {
		if errors.Is(err, types.ErrDeviceUnauthorized) {
			return types.DeviceStatusUnauthorized, err
		}
		return final, fmt.Errorf("connect %s via server %d: %w: %v", serial, serverPort, types.ErrBridgeUnavailable, err)
	}
	return final, nil
}

// Disconnect drops the loopback forward for devicePort. Best-effort; a
// missing device is not an error worth surfacing.
func (m *Mux) Disconnect(ctx context.Context, devicePort, serverPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	serial := fmt.Sprintf("localhost:%d", devicePort)
	if _, err := m.runner.Run(ctx, serverPort, "disconnect", serial); err != nil {
		return fmt.Errorf("disconnect %s: %w", serial, err)
	}
	return nil
}

// DeviceStatus probes the bridge view of the device behind devicePort.
func (m *Mux) DeviceStatus(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceStatusLocked(ctx, devicePort, serverPort)
}

func (m *Mux) deviceStatusLocked(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error) {
	out, err := m.runner.Run(ctx, serverPort, "devices")
	if err != nil {
		return types.DeviceStatusAbsent, err
	}
	return statusFor(parseDevices(string(out)), devicePort), nil
}

// Devices returns the raw device-list text for the server on serverPort.
func (m *Mux) Devices(ctx context.Context, serverPort int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.runner.Run(ctx, serverPort, "devices")
	if err != nil {
		return "", fmt.Errorf("listing devices on server %d: %w", serverPort, err)
	}
	return string(out), nil
}

// KillServer stops the server on serverPort.
func (m *Mux) KillServer(ctx context.Context, serverPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runner.Run(ctx, serverPort, "kill-server"); err != nil {
		return fmt.Errorf("kill-server on %d: %w", serverPort, err)
	}
	if m.active == serverPort {
		m.active = 0
	}
	return nil
}

// StartServer brings up a server on serverPort without connecting anything.
func (m *Mux) StartServer(ctx context.Context, serverPort int) error {
	return m.SwitchTo(ctx, serverPort)
}

// GetProp reads a system property from the device behind devicePort.
func (m *Mux) GetProp(ctx context.Context, devicePort, serverPort int, prop string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serial := fmt.Sprintf("localhost:%d", devicePort)
	out, err := m.runner.Run(ctx, serverPort, "-s", serial, "shell", "getprop", prop)
	if err != nil {
		return "", fmt.Errorf("getprop %s on %s: %w", prop, serial, err)
	}
	return string(out), nil
}

// Screencap captures a PNG framebuffer dump from the device.
func (m *Mux) Screencap(ctx context.Context, devicePort, serverPort int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serial := fmt.Sprintf("localhost:%d", devicePort)
	out, err := m.runner.Run(ctx, serverPort, "-s", serial, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap on %s: %w", serial, err)
	}
	return out, nil
}
