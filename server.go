package tabkeeper

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/httpapi"
	"pkt.systems/tabkeeper/internal/eventbus"
	"pkt.systems/tabkeeper/internal/leaverule"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

// Server composes the session manager with its transports.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
}

// ServerDeps captures optional dependencies used to build the server.
type ServerDeps struct {
	// Adapter overrides the backend selected by Service.Backend.
	Adapter   *persist.Adapter
	EventSink core.EventSink
	Hooks     core.Hooks
	Logger    pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableJournal bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithEventJournal logs every tab event of every storage key.
func WithEventJournal() ServerOption {
	return func(o *serverOptions) { o.enableJournal = true }
}

// New constructs a composable tabkeeper server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableJournal {
		return nil, errors.New("no services enabled")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	hooks := deps.Hooks
	if hooks.LeaveChecker == nil && cfg.Service.LeaveRule != "" {
		checker, err := leaverule.Compile(cfg.Service.LeaveRule)
		if err != nil {
			return nil, err
		}
		hooks.LeaveChecker = checker
	}

	var hub *httpapi.Hub
	var bus *eventbus.Bus
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HubHistory)
	}
	if options.enableJournal {
		bus = eventbus.New(logger)
	}
	sinks := make([]core.EventSink, 0, 3)
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if bus != nil {
		sinks = append(sinks, bus)
	}
	var sink core.EventSink
	switch len(sinks) {
	case 0:
	case 1:
		sink = sinks[0]
	default:
		sink = eventFanout{sinks: sinks}
	}

	manager, err := core.NewManager(cfg.Service, core.ManagerDeps{
		Adapter:   deps.Adapter,
		EventSink: sink,
		Hooks:     hooks,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, manager, hub)
	}
	return &compositeServer{
		cfg:     cfg,
		options: options,
		manager: manager,
		httpSrv: httpSrv,
		bus:     bus,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	manager sessionManager
	httpSrv *httpapi.Server
	bus     *eventbus.Bus
	logger  pslog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	errCh    chan error
	httpDone chan struct{}
	started  bool
	closed   bool
}

type sessionManager interface {
	Unload(ctx context.Context)
	Close(ctx context.Context) error
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"journal", s.options.enableJournal,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"backend", s.cfg.Service.Backend,
		"tab_limit", s.cfg.Service.TabLimit,
	)
	if s.options.enableJournal && s.bus != nil {
		ready := make(chan struct{})
		go runJournal(s.ctx, s.bus, ready)
		<-ready
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		httpDone := make(chan struct{})
		s.mu.Lock()
		s.httpDone = httpDone
		s.mu.Unlock()
		go func() {
			defer close(httpDone)
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop shuts the transports down, then snapshots and disposes every
// session and releases the storage backend. Sessions are unloaded even when
// ctx expires while waiting for the HTTP server.
func (s *compositeServer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	closed := s.closed
	httpDone := s.httpDone
	s.closed = true
	log := s.logger
	s.mu.Unlock()
	if !started || closed {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	var stopErr error
	if httpDone != nil {
		select {
		case <-httpDone:
		case <-ctx.Done():
			stopErr = ctx.Err()
			log.Warn("server stop timed out", "err", stopErr)
		}
	}
	if s.manager != nil {
		closeCtx := context.WithoutCancel(ctx)
		s.manager.Unload(closeCtx)
		if err := s.manager.Close(closeCtx); err != nil {
			log.Warn("server session close failed", "err", err)
		} else {
			log.Info("server session close ok")
		}
	}
	if stopErr == nil {
		log.Info("server stopped")
	}
	return stopErr
}
