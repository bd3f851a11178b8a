package webservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"

	"github.com/jeremyhahn/go-signature-trust/pkg/config"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/middleware"

	v1 "github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1"
)

const (
	BASE_URI = "/api/v1"

	HTTP_SERVER_READ_TIMEOUT  = 5 * time.Second
	HTTP_SERVER_WRITE_TIMEOUT = 30 * time.Second
	HTTP_SERVER_IDLE_TIMEOUT  = 120 * time.Second
)

var ErrBindPort = errors.New("webserver: unable to bind to web service address")

type WebServer struct {
	config     config.WebService
	logger     *logging.Logger
	httpServer *http.Server
	router     *mux.Router
	endpoints  []string
	mu         sync.Mutex
	listener   net.Listener
}

func NewWebServer(
	logger *logging.Logger,
	config config.WebService,
	routerParams *v1.RouterParams) *WebServer {

	if config.ReadTimeout == 0 {
		config.ReadTimeout = HTTP_SERVER_READ_TIMEOUT
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = HTTP_SERVER_WRITE_TIMEOUT
	}
	router := mux.NewRouter().StrictSlash(true)
	endpoints := v1.NewRouterV1(routerParams).RegisterRoutes(router, BASE_URI)

	n := negroni.New(
		negroni.NewRecovery(),
		middleware.NewCORS(middleware.CORSOptions{AllowedOrigins: config.AllowedOrigins}),
	)
	n.UseHandler(router)

	return &WebServer{
		config:    config,
		logger:    logger.With("component", "webserver"),
		router:    router,
		endpoints: endpoints,
		httpServer: &http.Server{
			Handler:      n,
			IdleTimeout:  HTTP_SERVER_IDLE_TIMEOUT,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
	}
}

// Returns the root handler, including the middleware chain
func (server *WebServer) Handler() http.Handler {
	return server.httpServer.Handler
}

func (server *WebServer) Endpoints() []string {
	return server.endpoints
}

// Listens on the configured address and serves until Shutdown
func (server *WebServer) Run() error {
	listener, err := net.Listen("tcp", server.config.Listen)
	if err != nil {
		return errors.Join(ErrBindPort, err)
	}
	server.mu.Lock()
	server.listener = listener
	server.mu.Unlock()

	server.logger.Info("webserver: starting web services",
		"address", listener.Addr().String(), "endpoints", len(server.endpoints))
	for _, endpoint := range server.endpoints {
		server.logger.Debug("webserver: endpoint registered", "endpoint", endpoint)
	}
	if err := server.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Returns the bound address once Run is listening
func (server *WebServer) Addr() net.Addr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.listener == nil {
		return nil
	}
	return server.listener.Addr()
}

func (server *WebServer) Shutdown(ctx context.Context) error {
	server.logger.Info("webserver: shutting down")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.httpServer.Shutdown(ctx)
}
