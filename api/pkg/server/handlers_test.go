package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/types"
)

type fakeFleet struct {
	createResp  *types.CreateEmulatorResponse
	createErr   error
	deleteErr   error
	deleted     []string
	sessions    map[string]types.EmulatorSession
	summaries   map[string]types.SessionSummary
	statusResp  *types.SessionStatusResponse
	statusErr   error
	reconnect   *types.ReconnectResponse
	screenshot  *types.ScreenshotResponse
	shotErr     error
	proxyResp   *types.ProxyInfoResponse
	proxyErr    error
	stoppedWS   []string
	reconciled  []string
	reconcilErr error
}

func (f *fakeFleet) Create(_ context.Context, _ types.CreateEmulatorRequest) (*types.CreateEmulatorResponse, error) {
	return f.createResp, f.createErr
}

func (f *fakeFleet) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFleet) Get(id string) (types.EmulatorSession, error) {
	session, ok := f.sessions[id]
	if !ok {
		return types.EmulatorSession{}, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return session, nil
}

func (f *fakeFleet) List() map[string]types.SessionSummary {
	return f.summaries
}

func (f *fakeFleet) Reconnect(context.Context, string) (*types.ReconnectResponse, error) {
	return f.reconnect, nil
}

func (f *fakeFleet) Status(context.Context, string) (*types.SessionStatusResponse, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeFleet) Screenshot(context.Context, string) (*types.ScreenshotResponse, error) {
	return f.screenshot, f.shotErr
}

func (f *fakeFleet) ProxyInfo(context.Context, string) (*types.ProxyInfoResponse, error) {
	return f.proxyResp, f.proxyErr
}

func (f *fakeFleet) StopProxy(id string) error {
	f.stoppedWS = append(f.stoppedWS, id)
	return nil
}

func (f *fakeFleet) Reconcile(context.Context) ([]string, error) {
	return f.reconciled, f.reconcilErr
}

type fakeBridgeAdmin struct {
	devicesOut string
	devicesErr error
	connected  []int
	killed     []int
	started    []int
}

func (f *fakeBridgeAdmin) Devices(_ context.Context, _ int) (string, error) {
	return f.devicesOut, f.devicesErr
}

func (f *fakeBridgeAdmin) Connect(_ context.Context, devicePort, _ int) (types.DeviceStatus, error) {
	f.connected = append(f.connected, devicePort)
	return types.DeviceStatusDevice, nil
}

func (f *fakeBridgeAdmin) Disconnect(context.Context, int, int) error { return nil }

func (f *fakeBridgeAdmin) KillServer(_ context.Context, serverPort int) error {
	f.killed = append(f.killed, serverPort)
	return nil
}

func (f *fakeBridgeAdmin) StartServer(_ context.Context, serverPort int) error {
	f.started = append(f.started, serverPort)
	return nil
}

func newTestServer(fleet *fakeFleet, bridge *fakeBridgeAdmin) *httptest.Server {
	apiServer := NewServer(config.WebServer{Host: "127.0.0.1", Port: 0}, fleet, bridge)
	return httptest.NewServer(apiServer.Router())
}

func decodeErrorKind(t *testing.T, res *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind      string `json:"kind"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body.Error.Kind
}

func TestCreateEmulatorEndpoint(t *testing.T) {
	fleet := &fakeFleet{
		createResp: &types.CreateEmulatorResponse{
			ID:                "abc",
			DeviceID:          "emu-abc",
			PlatformVersion:   "11",
			FinalDeviceStatus: types.DeviceStatusDevice,
		},
	}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/emulators", "application/json", bytes.NewBufferString(`{"platform_version":"11"}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	var created types.CreateEmulatorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	assert.Equal(t, "abc", created.ID)
}

func TestCreateEmulatorEmptyBody(t *testing.T) {
	fleet := &fakeFleet{createResp: &types.CreateEmulatorResponse{ID: "abc"}}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/emulators", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestCreateEmulatorExhausted(t *testing.T) {
	fleet := &fakeFleet{createErr: fmt.Errorf("range console: %w", types.ErrAllocationExhausted)}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/emulators", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "allocation_exhausted", decodeErrorKind(t, res))
}

func TestListEmulatorsEndpoint(t *testing.T) {
	fleet := &fakeFleet{summaries: map[string]types.SessionSummary{
		"abc": {DeviceID: "emu-abc", Status: types.SessionStatusRunning},
	}}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/v1/emulators")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	var listed map[string]types.SessionSummary
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	assert.Contains(t, listed, "abc")
}

func TestDeleteEmulatorEndpoint(t *testing.T) {
	fleet := &fakeFleet{}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/emulators/abc", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, []string{"abc"}, fleet.deleted)
}

func TestDeleteEmulatorNotFound(t *testing.T) {
	fleet := &fakeFleet{deleteErr: fmt.Errorf("nope: %w", types.ErrNotFound)}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/emulators/nope", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeErrorKind(t, res))
}

func TestDeletePredefinedEmulator(t *testing.T) {
	fleet := &fakeFleet{deleteErr: fmt.Errorf("static: %w", types.ErrPredefinedImmutable)}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/emulators/existing-android11_main", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "predefined_immutable", decodeErrorKind(t, res))
}

func TestScreenshotUnauthorizedMapsToConflict(t *testing.T) {
	fleet := &fakeFleet{shotErr: fmt.Errorf("device: %w", types.ErrDeviceUnauthorized)}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/v1/emulators/abc/screenshot")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeErrorKind(t, res))
}

func TestProxyInfoUnavailableMapsTo503(t *testing.T) {
	fleet := &fakeFleet{proxyErr: fmt.Errorf("backend: %w", types.ErrProxyUnavailable)}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/v1/emulators/abc/proxy")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "proxy_unavailable", decodeErrorKind(t, res))
}

func TestDiscoverEndpoint(t *testing.T) {
	fleet := &fakeFleet{reconciled: []string{"existing-android11_main"}}
	ts := newTestServer(fleet, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/discover", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	var body types.DiscoverResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, []string{"existing-android11_main"}, body.DiscoveredSessions)
}

func TestBridgeDevicesRequiresServerPort(t *testing.T) {
	ts := newTestServer(&fakeFleet{}, &fakeBridgeAdmin{devicesOut: "List of devices attached\n"})
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/v1/bridge/devices")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res2, err := http.Get(ts.URL + "/api/v1/bridge/devices?server_port=6400")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)

	var body types.BridgeCommandResponse
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Contains(t, body.Output, "List of devices")
}

func TestBridgeConnectEndpoint(t *testing.T) {
	bridge := &fakeBridgeAdmin{}
	ts := newTestServer(&fakeFleet{}, bridge)
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/bridge/connect", "application/json",
		bytes.NewBufferString(`{"server_port":6400,"device_port":6100}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []int{6100}, bridge.connected)

	var body types.BridgeCommandResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "device", body.Output)
}

func TestBridgeConnectValidation(t *testing.T) {
	ts := newTestServer(&fakeFleet{}, &fakeBridgeAdmin{})
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"missing server port", `{"device_port":6100}`},
		{"missing device port", `{"server_port":6400}`},
		{"garbage", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := http.Post(ts.URL+"/api/v1/bridge/connect", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		})
	}
}

func TestBridgeKillServerEndpoint(t *testing.T) {
	bridge := &fakeBridgeAdmin{}
	ts := newTestServer(&fakeFleet{}, bridge)
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/v1/bridge/kill-server", "application/json",
		bytes.NewBufferString(`{"server_port":6400}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []int{6400}, bridge.killed)
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(&fakeFleet{}, &fakeBridgeAdmin{})
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
