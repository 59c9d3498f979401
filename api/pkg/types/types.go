package types

import "time"

// SessionStatus is the lifecycle state of a managed emulator session.
type SessionStatus string

const (
	SessionStatusProvisioning SessionStatus = "provisioning"
	SessionStatusBooting      SessionStatus = "booting"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusDegraded     SessionStatus = "degraded"
	SessionStatusTerminating  SessionStatus = "terminating"
	SessionStatusGone         SessionStatus = "gone"
)

// PortTag identifies one of the reserved port ranges. Every allocated or
// statically reserved port belongs to exactly one tag.
type PortTag string

const (
	PortTagConsole      PortTag = "console"
	PortTagBridgeDevice PortTag = "bridge_device"
	PortTagBridgeServer PortTag = "bridge_server"
	PortTagScreenShare  PortTag = "screen_share"
	PortTagScreenProxy  PortTag = "screen_proxy"
)

// AllPortTags lists every range tag, in allocation order.
var AllPortTags = []PortTag{
	PortTagConsole,
	PortTagBridgeDevice,
	PortTagBridgeServer,
	PortTagScreenShare,
	PortTagScreenProxy,
}

// SessionPorts holds the host-side ports bound to one session.
type SessionPorts struct {
	Console      int `json:"console"`
	BridgeDevice int `json:"bridge_device"`
	BridgeServer int `json:"bridge_server"`
	ScreenShare  int `json:"screen_share"`
	ScreenProxy  int `json:"screen_proxy,omitempty"`
}

// EmulatorSession is the registry entry for one managed emulator instance.
type EmulatorSession struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"device_id"`
	PlatformVersion string        `json:"platform_version"`
	ContainerRef    string        `json:"container_ref"`
	ContainerName   string        `json:"container_name"`
	Ports           SessionPorts  `json:"ports"`
	Status          SessionStatus `json:"status"`
	IsPredefined    bool          `json:"is_predefined"`
	CreatedAt       time.Time     `json:"created_at"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`

	// AutoReconnectTried gates the one-shot automatic reconnect the health
	// pass issues for an offline or absent device.
	AutoReconnectTried bool `json:"-"`
	// GoneSince is set when reconciliation observes the container has
	// vanished; the session is purged once the grace window elapses.
	GoneSince time.Time `json:"-"`
}

// LeaseState tracks a port lease through its life.
type LeaseState string

const (
	LeaseStateFree     LeaseState = "free"
	LeaseStateReserved LeaseState = "reserved"
	LeaseStateBound    LeaseState = "bound"
)

// PortLease records ownership of one (range, port) pair.
type PortLease struct {
	Port  int        `json:"port"`
	Tag   PortTag    `json:"tag"`
	Owner string     `json:"owner"`
	State LeaseState `json:"state"`
}

// DeviceStatus is the debug-bridge view of a device.
type DeviceStatus string

const (
	DeviceStatusDevice       DeviceStatus = "device"
	DeviceStatusOffline      DeviceStatus = "offline"
	DeviceStatusUnauthorized DeviceStatus = "unauthorized"
	DeviceStatusAbsent       DeviceStatus = "absent"
)

// ProxyState tracks a spawned screen-share proxy process.
type ProxyState string

const (
	ProxyStateStarting ProxyState = "starting"
	ProxyStateActive   ProxyState = "active"
	ProxyStateDead     ProxyState = "dead"
)

// ProxyInfo describes a live screen-share proxy process.
type ProxyInfo struct {
	SessionID  string     `json:"session_id"`
	PID        int        `json:"pid"`
	BoundPort  int        `json:"bound_port"`
	TargetPort int        `json:"target_port"`
	State      ProxyState `json:"state"`
}
