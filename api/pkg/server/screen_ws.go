package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/system"
)

var screenUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// the screen stream is same-host tooling traffic, not a browser origin
	// we can enumerate up front
	CheckOrigin: func(*http.Request) bool { return true },
}

// screenWebsocket bridges a WebSocket client to the session's raw screen-share
// TCP endpoint, an in-process alternative to the external proxy processes for
// clients that reach the API directly.
func (apiServer *FleetAPIServer) screenWebsocket(res http.ResponseWriter, req *http.Request) {
	session, err := apiServer.fleet.Get(mux.Vars(req)["id"])
	if err != nil {
		system.WriteError(res, err)
		return
	}
	if session.Ports.ScreenShare == 0 {
		system.WriteError(res, system.NewHTTPError400("session has no screen share port"))
		return
	}

	backendAddr := net.JoinHostPort("localhost", strconv.Itoa(session.Ports.ScreenShare))
	backend, err := net.DialTimeout("tcp", backendAddr, 5*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Str("backend", backendAddr).Msg("screen backend unreachable")
		system.WriteError(res, system.NewHTTPError500("screen share backend unreachable"))
		return
	}

	wsConn, err := screenUpgrader.Upgrade(res, req, nil)
	if err != nil {
		backend.Close()
		log.Warn().Err(err).Str("session_id", session.ID).Msg("websocket upgrade failed")
		return
	}

	log.Info().Str("session_id", session.ID).Str("backend", backendAddr).Msg("screen websocket connected")
	relayScreen(wsConn, backend)
	log.Info().Str("session_id", session.ID).Msg("screen websocket closed")
}

// relayScreen pumps bytes both ways until either side closes. Each direction
// runs in its own goroutine; the first error tears both connections down,
// which unblocks the other side's read.
func relayScreen(wsConn *websocket.Conn, backend net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := backend.Read(buf)
			if err != nil {
				return
			}
			if err := wsConn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := backend.Write(data); err != nil {
				return
			}
		}
	}()

	<-done
	wsConn.Close()
	backend.Close()
	<-done
}
