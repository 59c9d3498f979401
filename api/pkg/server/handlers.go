package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/emufleet/emufleet/api/pkg/system"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// createEmulator provisions a new emulator session. An empty body is valid
// and means "default platform, bridge server mapped".
func (apiServer *FleetAPIServer) createEmulator(_ http.ResponseWriter, req *http.Request) (*types.CreateEmulatorResponse, error) {
	var createReq types.CreateEmulatorRequest
	if err := json.NewDecoder(req.Body).Decode(&createReq); err != nil && !errors.Is(err, io.EOF) {
		return nil, system.NewHTTPError400("invalid request body: " + err.Error())
	}
	return apiServer.fleet.Create(req.Context(), createReq)
}

func (apiServer *FleetAPIServer) listEmulators(_ http.ResponseWriter, _ *http.Request) (map[string]types.SessionSummary, error) {
	return apiServer.fleet.List(), nil
}

// deleteEmulator is not wrapped: success is a bodiless 204.
func (apiServer *FleetAPIServer) deleteEmulator(res http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := apiServer.fleet.Delete(req.Context(), id); err != nil {
		system.WriteError(res, err)
		return
	}
	res.WriteHeader(http.StatusNoContent)
}

func (apiServer *FleetAPIServer) emulatorStatus(_ http.ResponseWriter, req *http.Request) (*types.SessionStatusResponse, error) {
	return apiServer.fleet.Status(req.Context(), mux.Vars(req)["id"])
}

func (apiServer *FleetAPIServer) reconnectEmulator(_ http.ResponseWriter, req *http.Request) (*types.ReconnectResponse, error) {
	return apiServer.fleet.Reconnect(req.Context(), mux.Vars(req)["id"])
}

func (apiServer *FleetAPIServer) emulatorScreenshot(_ http.ResponseWriter, req *http.Request) (*types.ScreenshotResponse, error) {
	return apiServer.fleet.Screenshot(req.Context(), mux.Vars(req)["id"])
}

func (apiServer *FleetAPIServer) emulatorProxyInfo(_ http.ResponseWriter, req *http.Request) (*types.ProxyInfoResponse, error) {
	return apiServer.fleet.ProxyInfo(req.Context(), mux.Vars(req)["id"])
}

func (apiServer *FleetAPIServer) stopEmulatorProxy(res http.ResponseWriter, req *http.Request) {
	if err := apiServer.fleet.StopProxy(mux.Vars(req)["id"]); err != nil {
		system.WriteError(res, err)
		return
	}
	res.WriteHeader(http.StatusNoContent)
}

func (apiServer *FleetAPIServer) discoverEmulators(_ http.ResponseWriter, req *http.Request) (*types.DiscoverResponse, error) {
	adopted, err := apiServer.fleet.Reconcile(req.Context())
	if err != nil {
		return nil, err
	}
	if adopted == nil {
		adopted = []string{}
	}
	return &types.DiscoverResponse{DiscoveredSessions: adopted}, nil
}

func (apiServer *FleetAPIServer) bridgeDevices(_ http.ResponseWriter, req *http.Request) (*types.BridgeCommandResponse, error) {
	serverPort, err := strconv.Atoi(req.URL.Query().Get("server_port"))
	if err != nil || serverPort <= 0 {
		return nil, system.NewHTTPError400("server_port query parameter is required")
	}
	out, err := apiServer.bridge.Devices(req.Context(), serverPort)
	if err != nil {
		return &types.BridgeCommandResponse{Error: err.Error()}, nil
	}
	return &types.BridgeCommandResponse{Success: true, Output: out}, nil
}

func (apiServer *FleetAPIServer) bridgeConnect(_ http.ResponseWriter, req *http.Request) (*types.BridgeCommandResponse, error) {
	cmdReq, err := decodeBridgeCommand(req)
	if err != nil {
		return nil, err
	}
	if cmdReq.DevicePort <= 0 {
		return nil, system.NewHTTPError400("device_port is required")
	}
	status, err := apiServer.bridge.Connect(req.Context(), cmdReq.DevicePort, cmdReq.ServerPort)
	if err != nil {
		return nil, err
	}
	return &types.BridgeCommandResponse{Success: true, Output: string(status)}, nil
}

func (apiServer *FleetAPIServer) bridgeDisconnect(_ http.ResponseWriter, req *http.Request) (*types.BridgeCommandResponse, error) {
	cmdReq, err := decodeBridgeCommand(req)
	if err != nil {
		return nil, err
	}
	if cmdReq.DevicePort <= 0 {
		return nil, system.NewHTTPError400("device_port is required")
	}
	if err := apiServer.bridge.Disconnect(req.Context(), cmdReq.DevicePort, cmdReq.ServerPort); err != nil {
		return &types.BridgeCommandResponse{Error: err.Error()}, nil
	}
	return &types.BridgeCommandResponse{Success: true}, nil
}

func (apiServer *FleetAPIServer) bridgeKillServer(_ http.ResponseWriter, req *http.Request) (*types.BridgeCommandResponse, error) {
	cmdReq, err := decodeBridgeCommand(req)
	if err != nil {
		return nil, err
	}
	if err := apiServer.bridge.KillServer(req.Context(), cmdReq.ServerPort); err != nil {
		return &types.BridgeCommandResponse{Error: err.Error()}, nil
	}
	return &types.BridgeCommandResponse{Success: true}, nil
}

func (apiServer *FleetAPIServer) bridgeStartServer(_ http.ResponseWriter, req *http.Request) (*types.BridgeCommandResponse, error) {
	cmdReq, err := decodeBridgeCommand(req)
	if err != nil {
		return nil, err
	}
	if err := apiServer.bridge.StartServer(req.Context(), cmdReq.ServerPort); err != nil {
		return nil, err
	}
	return &types.BridgeCommandResponse{Success: true}, nil
}

func decodeBridgeCommand(req *http.Request) (types.BridgeCommandRequest, error) {
	var cmdReq types.BridgeCommandRequest
	if err := json.NewDecoder(req.Body).Decode(&cmdReq); err != nil {
		return cmdReq, system.NewHTTPError400("invalid request body: " + err.Error())
	}
	if cmdReq.ServerPort <= 0 {
		return cmdReq, system.NewHTTPError400("server_port is required")
	}
	return cmdReq, nil
}
