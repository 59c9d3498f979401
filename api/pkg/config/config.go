package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/emufleet/emufleet/api/pkg/types"
)

type ServerConfig struct {
	WebServer   WebServer
	Ports       PortRanges
	Runtime     Runtime
	Bridge      Bridge
	ScreenShare ScreenShare
	Lifecycle   Lifecycle

	// Predefined containers are configured in code, not env; the table is
	// small and changes with the compose file it mirrors.
	Predefined []PredefinedContainer `ignored:"true"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Ports.Validate(); err != nil {
		return ServerConfig{}, err
	}
	cfg.Predefined = DefaultPredefinedContainers()
	return cfg, nil
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"5000"`
}

// PortRange is one reserved [Low, High] interval.
type PortRange struct {
	Low  int
	High int
}

func (r PortRange) Size() int {
	return r.High - r.Low + 1
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// PortRanges configures the reserved interval for each port class. The
// ranges must be pairwise disjoint so a port number identifies its range.
type PortRanges struct {
	ConsoleLow       int `envconfig:"PORT_CONSOLE_LOW" default:"5554"`
	ConsoleHigh      int `envconfig:"PORT_CONSOLE_HIGH" default:"5853"`
	ScreenShareLow   int `envconfig:"PORT_SCREEN_SHARE_LOW" default:"5900"`
	ScreenShareHigh  int `envconfig:"PORT_SCREEN_SHARE_HIGH" default:"6079"`
	BridgeDeviceLow  int `envconfig:"PORT_BRIDGE_DEVICE_LOW" default:"6100"`
	BridgeDeviceHigh int `envconfig:"PORT_BRIDGE_DEVICE_HIGH" default:"6399"`
	BridgeServerLow  int `envconfig:"PORT_BRIDGE_SERVER_LOW" default:"6400"`
	BridgeServerHigh int `envconfig:"PORT_BRIDGE_SERVER_HIGH" default:"6699"`
	ScreenProxyLow   int `envconfig:"PORT_SCREEN_PROXY_LOW" default:"6700"`
	ScreenProxyHigh  int `envconfig:"PORT_SCREEN_PROXY_HIGH" default:"6999"`
}

// Table returns the configured range per tag.
func (p PortRanges) Table() map[types.PortTag]PortRange {
	return map[types.PortTag]PortRange{
		types.PortTagConsole:      {Low: p.ConsoleLow, High: p.ConsoleHigh},
		types.PortTagScreenShare:  {Low: p.ScreenShareLow, High: p.ScreenShareHigh},
		types.PortTagBridgeDevice: {Low: p.BridgeDeviceLow, High: p.BridgeDeviceHigh},
		types.PortTagBridgeServer: {Low: p.BridgeServerLow, High: p.BridgeServerHigh},
		types.PortTagScreenProxy:  {Low: p.ScreenProxyLow, High: p.ScreenProxyHigh},
	}
}

func (p PortRanges) Validate() error {
	table := p.Table()
	for tag, r := range table {
		if r.Low <= 0 || r.High < r.Low {
			return fmt.Errorf("port range %s [%d, %d] is invalid", tag, r.Low, r.High)
		}
	}
	for tagA, a := range table {
		for tagB, b := range table {
			if tagA == tagB {
				continue
			}
			if a.Low <= b.High && b.Low <= a.High {
				return fmt.Errorf("port ranges %s and %s overlap", tagA, tagB)
			}
		}
	}
	return nil
}

type Runtime struct {
	// Images maps platform version to emulator image name.
	Images          map[string]string `envconfig:"EMULATOR_IMAGES" default:"11:qemu-emulator,14:qemu-emulator-android14"`
	DefaultPlatform string            `envconfig:"EMULATOR_DEFAULT_PLATFORM" default:"11"`
	Privileged      bool              `envconfig:"EMULATOR_PRIVILEGED" default:"true"`
	ExtraOpts       string            `envconfig:"EMULATOR_EXTRA_OPTS" default:"-gpu swiftshader_indirect -no-snapshot -noaudio -no-boot-anim"`
}

// Image resolves the emulator image for a platform version, falling back to
// the default platform for unknown versions.
func (r Runtime) Image(platformVersion string) (string, string) {
	if image, ok := r.Images[platformVersion]; ok {
		return image, platformVersion
	}
	return r.Images[r.DefaultPlatform], r.DefaultPlatform
}

type Bridge struct {
	Binary          string        `envconfig:"ADB_BINARY" default:"adb"`
	CommandTimeout  time.Duration `envconfig:"ADB_COMMAND_TIMEOUT" default:"30s"`
	SwitchTimeout   time.Duration `envconfig:"ADB_SWITCH_TIMEOUT" default:"15s"`
	ConnectAttempts uint          `envconfig:"ADB_CONNECT_ATTEMPTS" default:"3"`
	ConnectBackoff  time.Duration `envconfig:"ADB_CONNECT_BACKOFF" default:"2s"`
}

type ScreenShare struct {
	WebsockifyBinary string        `envconfig:"WEBSOCKIFY_BINARY" default:"websockify"`
	PublicHost       string        `envconfig:"SCREEN_SHARE_PUBLIC_HOST" default:"localhost"`
	ProbeTimeout     time.Duration `envconfig:"SCREEN_SHARE_PROBE_TIMEOUT" default:"3s"`
	SpawnTimeout     time.Duration `envconfig:"SCREEN_PROXY_SPAWN_TIMEOUT" default:"5s"`
	StopTimeout      time.Duration `envconfig:"SCREEN_PROXY_STOP_TIMEOUT" default:"5s"`
}

type Lifecycle struct {
	BootTimeout       time.Duration `envconfig:"EMULATOR_BOOT_TIMEOUT" default:"180s"`
	DestroyTimeout    time.Duration `envconfig:"EMULATOR_DESTROY_TIMEOUT" default:"10s"`
	GonePurgeGrace    time.Duration `envconfig:"SESSION_GONE_PURGE_GRACE" default:"60s"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	HealthInterval    time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
}

// PredefinedContainer describes an externally-started (compose-managed)
// emulator container the Discovery Reconciler may adopt. Its static host
// ports are pre-reserved in the allocator at startup so the dynamic scanner
// can never hand them out.
type PredefinedContainer struct {
	NamePattern     string
	ExactMatch      bool
	PlatformVersion string
	DeviceID        string
	Ports           types.SessionPorts
}

// SessionID returns the deterministic session id used when this container is
// adopted. Deterministic ids keep static lease ownership and repeated
// discovery passes keyed to the same session.
func (p PredefinedContainer) SessionID() string {
	return "existing-" + p.DeviceID
}

func DefaultPredefinedContainers() []PredefinedContainer {
	return []PredefinedContainer{
		{
			NamePattern:     "qemu-emulator-1",
			PlatformVersion: "11",
			DeviceID:        "android11_main",
			Ports: types.SessionPorts{
				Console:      5554,
				BridgeDevice: 5555,
				BridgeServer: 5037,
				ScreenShare:  5901,
			},
		},
		{
			NamePattern:     "qemu-emulator14-1",
			PlatformVersion: "14",
			DeviceID:        "android14_main",
			Ports: types.SessionPorts{
				Console:      6654,
				BridgeDevice: 6655,
				BridgeServer: 6037,
				ScreenShare:  5902,
			},
		},
	}
}
