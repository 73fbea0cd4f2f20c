// Package web serves the HTTP API of the hardware interface: mode changes, discrete moves, joint
// commands and status, with status also pushed over a websocket.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/control"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/spatialmath"
)

// debugHeader marks a request for debug logging along its whole path, whatever the log level.
const debugHeader = "X-Debug-Log"

// Robot is the hardware interface as seen by the API. *omnicore.Hardware implements it.
type Robot interface {
	Mode() omnicore.Mode
	Status() omnicore.Status
	Joints() []referenceframe.Joint
	RequestStreamingMode(ctx context.Context) error
	RequestFreeDriveMode(ctx context.Context) error
	RequestIdleMode(ctx context.Context) error
	RequestPointToPointMove(ctx context.Context, pose spatialmath.Pose) error
	RequestLinearMove(ctx context.Context, pose spatialmath.Pose) error
	Reset()
}

// CommandTarget takes joint targets from the API. *control.JointGroupController implements it.
type CommandTarget interface {
	Joints() []string
	SetTarget(values []float64) error
	ClearTarget()
}

// LoopStats reports control loop counters. *control.Loop implements it.
type LoopStats interface {
	Stats() control.Stats
}

// Options configures a Server.
type Options struct {
	BindAddress    string
	AllowedOrigins []string
	// RequestTimeout bounds mode and move requests made through the API.
	RequestTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	robot   Robot
	target  CommandTarget
	loop    LoopStats
	hub     *StatusHub
	opts    Options
	logger  logging.Logger
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// NewServer returns a server for robot. target and loop may be nil, disabling joint commands and
// loop statistics.
func NewServer(robot Robot, target CommandTarget, loop LoopStats, opts Options, logger logging.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		robot:  robot,
		target: target,
		loop:   loop,
		hub:    NewStatusHub(logger.Sublogger("hub")),
		opts:   opts,
		logger: logger,
	}
	s.handler = s.initMux()
	return s
}

// Hub returns the websocket status hub. Register it as a status sink to feed it.
func (s *Server) Hub() *StatusHub {
	return s.hub
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) initMux() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/api/v1/status"), s.handleStatus)
	mux.Handle(pat.Get("/api/v1/status/ws"), s.hub)
	mux.HandleFunc(pat.Get("/api/v1/joints"), s.handleJoints)
	mux.HandleFunc(pat.Put("/api/v1/mode"), s.handleMode)
	mux.HandleFunc(pat.Post("/api/v1/moves"), s.handleMove)
	mux.HandleFunc(pat.Put("/api/v1/commands"), s.handleSetCommands)
	mux.HandleFunc(pat.Delete("/api/v1/commands"), s.handleClearCommands)
	mux.HandleFunc(pat.Post("/api/v1/reset"), s.handleReset)
	mux.Use(s.logRequests)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", debugHeader},
	})
	return corsHandler.Handler(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(debugHeader); key != "" {
			r = r.WithContext(logging.EnableDebugMode(r.Context(), key))
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.CDebugw(r.Context(), "api request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// Start listens on the bind address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("web server already started")
	}
	listener, err := net.Listen("tcp", s.opts.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.opts.BindAddress)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveDone = make(chan struct{})
	httpServer, done := s.httpServer, s.serveDone
	goutils.PanicCapturingGo(func() {
		defer close(done)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("web server stopped", "error", err)
		}
	})
	s.logger.Infow("serving API", "address", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close disconnects websocket clients and shuts the server down, waiting up to ctx for requests
// in flight.
func (s *Server) Close(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	httpServer, done := s.httpServer, s.serveDone
	s.httpServer = nil
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	err := httpServer.Shutdown(ctx)
	<-done
	return err
}
