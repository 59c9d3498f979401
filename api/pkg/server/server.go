package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/system"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// Fleet is the session-management surface the HTTP facade exposes.
type Fleet interface {
	Create(ctx context.Context, req types.CreateEmulatorRequest) (*types.CreateEmulatorResponse, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (types.EmulatorSession, error)
	List() map[string]types.SessionSummary
	Reconnect(ctx context.Context, id string) (*types.ReconnectResponse, error)
	Status(ctx context.Context, id string) (*types.SessionStatusResponse, error)
	Screenshot(ctx context.Context, id string) (*types.ScreenshotResponse, error)
	ProxyInfo(ctx context.Context, id string) (*types.ProxyInfoResponse, error)
	StopProxy(id string) error
	Reconcile(ctx context.Context) ([]string, error)
}

// BridgeAdmin exposes raw debug-bridge operations for operators. Everything
// still funnels through the multiplexer's critical section.
type BridgeAdmin interface {
	Devices(ctx context.Context, serverPort int) (string, error)
	Connect(ctx context.Context, devicePort, serverPort int) (types.DeviceStatus, error)
	Disconnect(ctx context.Context, devicePort, serverPort int) error
	KillServer(ctx context.Context, serverPort int) error
	StartServer(ctx context.Context, serverPort int) error
}

// FleetAPIServer is the HTTP facade over the fleet manager.
type FleetAPIServer struct {
	Cfg    config.WebServer
	fleet  Fleet
	bridge BridgeAdmin
	router *mux.Router
}

func NewServer(cfg config.WebServer, fleet Fleet, bridge BridgeAdmin) *FleetAPIServer {
	apiServer := &FleetAPIServer{
		Cfg:    cfg,
		fleet:  fleet,
		bridge: bridge,
	}
	apiServer.router = apiServer.registerRoutes()
	return apiServer
}

// Router exposes the handler tree, mainly for httptest.
func (apiServer *FleetAPIServer) Router() http.Handler {
	return apiServer.router
}

func (apiServer *FleetAPIServer) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	subRouter := router.PathPrefix(system.APISubPath).Subrouter()

	subRouter.HandleFunc("/emulators", system.WrapperWithConfig(apiServer.createEmulator, system.WrapperConfig{
		SuccessCode: http.StatusCreated,
	})).Methods(http.MethodPost)
	subRouter.HandleFunc("/emulators", system.Wrapper(apiServer.listEmulators)).Methods(http.MethodGet)
	subRouter.HandleFunc("/emulators/{id}", apiServer.deleteEmulator).Methods(http.MethodDelete)
	subRouter.HandleFunc("/emulators/{id}/status", system.Wrapper(apiServer.emulatorStatus)).Methods(http.MethodGet)
	subRouter.HandleFunc("/emulators/{id}/reconnect", system.Wrapper(apiServer.reconnectEmulator)).Methods(http.MethodPost)
	subRouter.HandleFunc("/emulators/{id}/screenshot", system.Wrapper(apiServer.emulatorScreenshot)).Methods(http.MethodGet)
	subRouter.HandleFunc("/emulators/{id}/proxy", system.Wrapper(apiServer.emulatorProxyInfo)).Methods(http.MethodGet)
	subRouter.HandleFunc("/emulators/{id}/proxy", apiServer.stopEmulatorProxy).Methods(http.MethodDelete)
	subRouter.HandleFunc("/emulators/{id}/screen", apiServer.screenWebsocket).Methods(http.MethodGet)

	subRouter.HandleFunc("/discover", system.Wrapper(apiServer.discoverEmulators)).Methods(http.MethodPost)

	subRouter.HandleFunc("/bridge/devices", system.Wrapper(apiServer.bridgeDevices)).Methods(http.MethodGet)
	subRouter.HandleFunc("/bridge/connect", system.Wrapper(apiServer.bridgeConnect)).Methods(http.MethodPost)
	subRouter.HandleFunc("/bridge/disconnect", system.Wrapper(apiServer.bridgeDisconnect)).Methods(http.MethodPost)
	subRouter.HandleFunc("/bridge/kill-server", system.Wrapper(apiServer.bridgeKillServer)).Methods(http.MethodPost)
	subRouter.HandleFunc("/bridge/start-server", system.Wrapper(apiServer.bridgeStartServer)).Methods(http.MethodPost)

	return router
}

// ListenAndServe serves until the context is cancelled, then drains.
func (apiServer *FleetAPIServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", apiServer.Cfg.Host, apiServer.Cfg.Port),
		WriteTimeout:      time.Minute,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: time.Minute,
		IdleTimeout:       time.Minute,
		Handler:           apiServer.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("fleet api listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
