package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/config"
	"meshrelay/internal/connmgr"
	"meshrelay/internal/httpapi"
	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
	"meshrelay/internal/runtime/supervisor"
	"meshrelay/internal/storage"
	"meshrelay/internal/transport/telegram"
	"meshrelay/internal/transport/ws"
	logx "meshrelay/pkg/logx"
)

type App struct {
	cfgm     *config.ConfigManager
	settings config.Settings
	logLevel string // command-line override, survives reloads

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics
	store   storage.Store
	b       *broadcast.Broadcaster
	mgr     *connmgr.Manager
	inbound ws.Inbound

	sup *supervisor.Supervisor
	srv *http.Server
	ln  net.Listener
}

type Option func(*App)

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option {
	return func(a *App) { a.logLevel = strings.TrimSpace(level) }
}

// WithInbound sets the sink for frames read from nodes. The default logs
// them at debug level.
func WithInbound(in ws.Inbound) Option {
	return func(a *App) { a.inbound = in }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewConfigManager(cfgPath)}
	for _, o := range opts {
		o(a)
	}

	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if a.logLevel != "" && !logx.ValidLevel(a.logLevel) {
		return nil, fmt.Errorf("invalid log level %q", a.logLevel)
	}
	a.settings = s

	logSvc, log := logx.New(a.logConfig(s))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	if s.Logging.Alert.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:    s.TelegramToken,
			ChatID:   s.TelegramChatID,
			ThreadID: s.TelegramThreadID,
		})
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		logSvc.SetAlertSender(tg)
		a.log.Info("telegram alerts enabled", logx.Int64("chat_id", s.TelegramChatID))
	}

	a.metrics = metrics.New()

	if s.StorageDriver != "none" {
		st, err := storage.Open(storage.Config{
			Driver:      s.StorageDriver,
			Path:        s.StoragePath,
			BusyTimeout: s.StorageBusyTimeout,
			Retain:      s.StorageRetain,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", s.StorageDriver), logx.String("path", s.StoragePath))
	}

	a.b = broadcast.New(
		broadcast.WithLogger(log.With(logx.String("comp", "broadcast"))),
		broadcast.WithMetrics(a.metrics),
		broadcast.WithGlobalBuffer(s.GlobalBuffer),
	)
	a.mgr = connmgr.New(a.b,
		connmgr.WithLogger(log.With(logx.String("comp", "connmgr"))),
		connmgr.WithMetrics(a.metrics),
		connmgr.WithLocation(s.Location),
		connmgr.WithSendTimeout(s.SendTimeout),
	)
	if a.inbound == nil {
		inLog := log.With(logx.String("comp", "inbound"))
		a.inbound = ws.InboundFunc(func(_ context.Context, key broadcast.ConnectionKey, m message.Message) error {
			inLog.Debug("inbound frame", logx.Stringer("key", key), logx.Stringer("msg", m))
			return nil
		})
	}
	return a, nil
}

func (a *App) logConfig(s config.Settings) logx.Config {
	c := s.Logging
	if a.logLevel != "" {
		c.Level = a.logLevel
	}
	return c
}

func schedule(s config.Settings) connmgr.Schedule {
	return connmgr.Schedule{
		ReportInterval:    s.ReportInterval,
		ReportBatch:       s.ReportBatch,
		ReportMessages:    s.ReportMessages,
		KeepAliveInterval: s.KeepAliveInterval,
		SendTimeout:       s.SendTimeout,
	}
}

func (a *App) Broadcaster() *broadcast.Broadcaster { return a.b }

// Addr is the listener address once started.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	s := a.settings
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	a.ln = ln

	wsHandler := ws.NewHandler(a.sup.Context(), a.b, ws.Options{
		SocketBuffer:      s.SocketBuffer,
		IdleTimeout:       s.IdleTimeout,
		WriteTimeout:      s.WriteTimeout,
		InboundRatePerSec: s.InboundRatePerSec,
		InboundBurst:      s.InboundBurst,
		MaxMessageBytes:   s.MaxMessageBytes,
		Inbound:           a.inbound,
		Logger:            a.log.With(logx.String("comp", "ws")),
		Metrics:           a.metrics,
	})
	a.srv = &http.Server{
		Handler: httpapi.NewRouter(httpapi.Deps{
			Broadcaster: a.b,
			Manager:     a.mgr,
			Supervisor:  a.sup,
			Store:       a.store,
			Metrics:     a.metrics,
			WSPath:      s.WSPath,
			WSHandler:   wsHandler,
			Pprof:       s.Pprof,
			Logger:      a.log.With(logx.String("comp", "http")),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sup.GoForever("http.serve", func(c context.Context) error {
		err := a.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) && c.Err() != nil {
			return nil
		}
		return err
	})
	a.log.Info("listening", logx.String("addr", ln.Addr().String()), logx.String("ws_path", s.WSPath))

	// Selections are recorded only when a store is configured.
	var rec connmgr.Recorder
	if a.store != nil {
		rec = a.store
	}
	if err := a.mgr.CronReports(s.ReportInterval, s.ReportMessages, s.ReportBatch, rec); err != nil {
		return err
	}
	if err := a.mgr.KeepAlive(s.KeepAliveInterval); err != nil {
		return err
	}
	a.sup.GoForever("connmgr", a.mgr.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifyReady()
	return nil
}

// reloadLoop applies hot-reloadable sections and warns about the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config change summary", fields...)
		if len(restart) > 0 {
			a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
		}

		s, err := config.Resolve(newCfg)
		if err != nil {
			// The validator already rejected this; keep the running settings.
			a.log.Warn("reloaded config invalid; keeping previous", logx.Err(err))
			continue
		}
		// Re-registering resets the schedules' next run, so only on change.
		if slices.Contains(sections, "logging") {
			a.logs.Apply(a.logConfig(s))
		}
		if slices.Contains(sections, "manager") {
			a.mgr.Apply(schedule(s))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	err := a.sup.Err()
	if err != nil {
		a.log.Error("stopped after fatal error", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	a.logs.Close()
	return err
}

// boundedContext derives a context with timeout max that never outlives
// parent's own deadline.
func boundedContext(parent context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, max)
}
