package screenproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/ports"
	"github.com/emufleet/emufleet/api/pkg/system"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Prober reports whether host:port accepts a TCP connection.
type Prober func(host string, port int, timeout time.Duration) bool

// Manager owns the screen-share proxy processes, at most one per session.
// All operations run under one mutex: ensure is rare and cheap relative to
// proxy lifetime, and the lock is what makes concurrent ensure calls for the
// same session converge on a single process.
type Manager struct {
	mu      sync.Mutex
	cfg     config.ScreenShare
	alloc   *ports.Allocator
	spawner Spawner
	probe   Prober
	procs   map[string]*proxyProc
}

type proxyProc struct {
	handle     Handle
	boundPort  int
	targetPort int
	state      types.ProxyState
}

func NewManager(cfg config.ScreenShare, alloc *ports.Allocator) *Manager {
	return NewManagerWith(cfg, alloc, &execSpawner{binary: cfg.WebsockifyBinary}, TCPProbe)
}

func NewManagerWith(cfg config.ScreenShare, alloc *ports.Allocator, spawner Spawner, probe Prober) *Manager {
	return &Manager{
		cfg:     cfg,
		alloc:   alloc,
		spawner: spawner,
		probe:   probe,
		procs:   make(map[string]*proxyProc),
	}
}

func TCPProbe(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ensure returns the live proxy for a session, spawning one if needed. A
// repeated call while a proxy is active returns the existing endpoint; a
// dead proxy is reaped and replaced. The screen-share backend is probed
// before anything is spawned so an unreachable backend fails fast instead of
// producing a bridge process that can never connect.
func (m *Manager) Ensure(ctx context.Context, sessionID string, screenSharePort int) (types.ProxyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.procs[sessionID]; ok {
		if existing.handle.Alive() {
			return m.infoLocked(sessionID, existing), nil
		}
		log.Info().Str("session_id", sessionID).Int("bound_port", existing.boundPort).Msg("reaping dead screen proxy")
		m.releaseLocked(sessionID, existing)
	}

	if !m.probe("localhost", screenSharePort, m.cfg.ProbeTimeout) {
		return types.ProxyInfo{}, fmt.Errorf("%w: screen share port %d is not accepting connections", types.ErrProxyUnavailable, screenSharePort)
	}

	boundPort, err := m.alloc.Allocate(types.PortTagScreenProxy, sessionID)
	if err != nil {
		return types.ProxyInfo{}, err
	}

	handle, err := m.spawner.Spawn(boundPort, "localhost", screenSharePort)
	if err != nil {
		m.alloc.Release(boundPort)
		return types.ProxyInfo{}, fmt.Errorf("%w: %v", types.ErrProxyUnavailable, err)
	}

	proc := &proxyProc{
		handle:     handle,
		boundPort:  boundPort,
		targetPort: screenSharePort,
		state:      types.ProxyStateStarting,
	}
	m.procs[sessionID] = proc

	err = system.WaitFor(ctx, "screen proxy", m.cfg.SpawnTimeout, 250*time.Millisecond, func(ctx context.Context) (bool, error) {
		if !handle.Alive() {
			return false, fmt.Errorf("proxy process exited during startup")
		}
		return m.probe("localhost", boundPort, time.Second), nil
	})
	if err != nil {
		m.stopLocked(sessionID, proc)
		return types.ProxyInfo{}, fmt.Errorf("%w: %v", types.ErrProxyUnavailable, err)
	}

	proc.state = types.ProxyStateActive
	m.alloc.MarkBound(sessionID)
	log.Info().
		Str("session_id", sessionID).
		Int("bound_port", boundPort).
		Int("target_port", screenSharePort).
		Int("pid", handle.PID()).
		Msg("screen proxy started")
	return m.infoLocked(sessionID, proc), nil
}

// Stop terminates a session's proxy and releases its port. Idempotent.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.procs[sessionID]
	if !ok {
		return
	}
	m.stopLocked(sessionID, proc)
}

func (m *Manager) stopLocked(sessionID string, proc *proxyProc) {
	if proc.handle.Alive() {
		if err := proc.handle.Terminate(); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("terminating screen proxy failed")
		}
		if err := proc.handle.Wait(m.cfg.StopTimeout); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("screen proxy did not exit, killing")
			_ = proc.handle.Kill()
		}
	}
	proc.state = types.ProxyStateDead
	m.releaseLocked(sessionID, proc)
	log.Info().Str("session_id", sessionID).Int("bound_port", proc.boundPort).Msg("screen proxy stopped")
}

func (m *Manager) releaseLocked(sessionID string, proc *proxyProc) {
	m.alloc.Release(proc.boundPort)
	delete(m.procs, sessionID)
}

// Info returns the live proxy for a session, if one exists.
func (m *Manager) Info(sessionID string) (types.ProxyInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.procs[sessionID]
	if !ok {
		return types.ProxyInfo{}, false
	}
	if !proc.handle.Alive() {
		m.releaseLocked(sessionID, proc)
		return types.ProxyInfo{}, false
	}
	return m.infoLocked(sessionID, proc), true
}

func (m *Manager) infoLocked(sessionID string, proc *proxyProc) types.ProxyInfo {
	return types.ProxyInfo{
		SessionID:  sessionID,
		PID:        proc.handle.PID(),
		BoundPort:  proc.boundPort,
		TargetPort: proc.targetPort,
		State:      proc.state,
	}
}

// StopAll terminates every proxy, for shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, proc := range m.procs {
		m.stopLocked(sessionID, proc)
	}
}
