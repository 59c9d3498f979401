package types

// Request and response bodies for the HTTP surface.

type CreateEmulatorRequest struct {
	PlatformVersion string `json:"platform_version"`
	// MapBridgeServer controls whether the container's internal bridge
	// server port is published to the host. Defaults to true.
	MapBridgeServer *bool `json:"map_bridge_server,omitempty"`
}

type CreateEmulatorResponse struct {
	ID                string       `json:"id"`
	DeviceID          string       `json:"device_id"`
	PlatformVersion   string       `json:"platform_version"`
	Ports             SessionPorts `json:"ports"`
	FinalDeviceStatus DeviceStatus `json:"final_device_status"`
}

type SessionSummary struct {
	DeviceID        string        `json:"device_id"`
	PlatformVersion string        `json:"platform_version"`
	Status          SessionStatus `json:"status"`
	Ports           SessionPorts  `json:"ports"`
	IsPredefined    bool          `json:"is_predefined"`
	ContainerName   string        `json:"container_name"`
}

type ReconnectResponse struct {
	Status            SessionStatus `json:"status"`
	FinalDeviceStatus DeviceStatus  `json:"final_device_status"`
	// ErrorKind is set when the connect attempt failed; "unauthorized"
	// requires user action on the device, the rest are retryable.
	ErrorKind string `json:"error_kind,omitempty"`
}

type SessionStatusResponse struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"device_id"`
	Status          SessionStatus `json:"status"`
	ContainerState  string        `json:"container_state"`
	DeviceStatus    DeviceStatus  `json:"device_status"`
	BootCompleted   bool          `json:"boot_completed"`
	ReportedVersion string        `json:"reported_version,omitempty"`
	Ports           SessionPorts  `json:"ports"`
}

type ScreenshotResponse struct {
	Screenshot string `json:"screenshot"`
}

type ProxyInfoResponse struct {
	WSURL     string `json:"ws_url"`
	BoundPort int    `json:"bound_port"`
}

type DiscoverResponse struct {
	DiscoveredSessions []string `json:"discovered_sessions"`
}

type BridgeCommandRequest struct {
	ServerPort int `json:"server_port"`
	DevicePort int `json:"device_port,omitempty"`
}

type BridgeCommandResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
