// Package server wires the proxy, its shared state and the control API into
// one runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/control"
	"github.com/funnyzak/mitmtap/internal/forwarder"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/mitm"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/printer"
	"github.com/funnyzak/mitmtap/internal/proxy"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/internal/storage"
)

// Extra time granted to the control API after the proxy grace period.
const controlShutdownTimeout = 5 * time.Second

// Server owns every long-lived component of the application
type Server struct {
	config     *config.Config
	logger     logger.Logger
	store      storage.Store
	state      *state.State
	terminator *mitm.Terminator
	pipeline   *pipeline.Pipeline
	listener   *proxy.Listener
	hub        *control.WebsocketHub
	ctrl       *control.Controller
	controlSrv *http.Server

	ready       chan struct{}
	mu          sync.RWMutex
	controlAddr string
}

// New builds the application from cfg. cfg must already be validated.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	store, err := storage.New(&cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	st := state.New(store, log)
	mode, err := state.ParseMode(cfg.Proxy.Mode)
	if err != nil {
		store.Close()
		return nil, err
	}
	st.SetMode(mode)
	st.SetDomain(cfg.Proxy.Domain)

	terminator := newTerminator(&cfg.TLS, log)

	hub := control.NewWebsocketHub(log, control.OriginChecker(cfg.Control.CORSOrigins))
	observers := []pipeline.Observer{hub}
	if !cfg.Output.Silence {
		observers = append(observers, printer.New(log, &cfg.Output))
	}
	p := pipeline.New(st, log, pipeline.Options{MaxBodyBytes: cfg.Proxy.MaxBodyBytes}, observers...)

	listener := proxy.New(st, p, log, proxy.Options{
		Transport:     forwarder.NewTransport(forwarder.OptionsFromConfig(cfg.Proxy.Upstream)),
		Terminator:    terminator,
		ShutdownGrace: cfg.Proxy.ShutdownGrace,
	})

	ctrl := control.NewController(st, listener, cfg.Proxy.Host, cfg.Proxy.Port, log)
	ctrl.OnChange(hub.BroadcastState)
	api := control.NewAPI(ctrl, hub, &cfg.Control, log)

	return &Server{
		config:     cfg,
		logger:     log,
		store:      store,
		state:      st,
		terminator: terminator,
		pipeline:   p,
		listener:   listener,
		hub:        hub,
		ctrl:       ctrl,
		controlSrv: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          logger.StdLogger(log, "control"),
		},
		ready: make(chan struct{}),
	}, nil
}

// newTerminator loads the root CA. Without one, HTTPS interception is off and
// plain HTTP keeps working.
func newTerminator(cfg *config.TLSConfig, log logger.Logger) *mitm.Terminator {
	if !cfg.Enable {
		log.Info("TLS interception disabled by configuration")
		return nil
	}
	signer, err := mitm.LoadCASigner(cfg.CACert, cfg.CAKey, cfg.LeafValidity)
	if err != nil {
		if errors.Is(err, mitm.ErrCAUnavailable) {
			log.Warn("Root CA not found, HTTPS interception disabled", "ca_cert", cfg.CACert, "ca_key", cfg.CAKey)
		} else {
			log.Error("Failed to load root CA, HTTPS interception disabled", "error", err)
		}
		return nil
	}
	log.Info("Root CA loaded", "subject", signer.Certificate().Subject.CommonName)
	return mitm.NewTerminator(signer, cfg.CacheLeafCerts, log)
}

// Start runs the server until SIGINT or SIGTERM
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves the control API, starts the proxy when configured to, and blocks
// until ctx is done. Every component is shut down before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ControlAddr())
	if err != nil {
		s.closeStore()
		return fmt.Errorf("control api listen on %s: %w", s.config.ControlAddr(), err)
	}

	s.mu.Lock()
	s.controlAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("Control API listening", "addr", ln.Addr().String())

	if s.config.Proxy.AutoStart {
		// A busy proxy port is not fatal; the proxy can be started later through the API.
		if err := s.ctrl.Start(); err != nil {
			s.logger.Error("Failed to start proxy", "error", err)
		}
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.controlSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

// Ready is closed once the control API is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ControlAddr returns the bound control API address, empty before Run.
func (s *Server) ControlAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controlAddr
}

// ProxyAddr returns the bound proxy address, empty while stopped.
func (s *Server) ProxyAddr() string {
	return s.listener.Addr()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down")

	grace := s.config.Proxy.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+controlShutdownTimeout)
	defer cancel()

	if err := s.ctrl.Stop(ctx); err != nil && !errors.Is(err, proxy.ErrNotRunning) {
		s.logger.Error("Proxy forced to stop", "error", err)
	}

	s.hub.Close()
	err := s.controlSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Control API forced to shutdown", "error", err)
	}

	s.pipeline.Wait()
	s.closeStore()
	s.logger.Info("Server exited")
	return err
}

func (s *Server) closeStore() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
	}
}
