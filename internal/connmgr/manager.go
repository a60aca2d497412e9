package connmgr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
	"meshrelay/internal/storage"
	logx "meshrelay/pkg/logx"
)

const (
	scheduleReports   = "reports"
	scheduleKeepAlive = "keepalive"
)

// Recorder receives the list of connections chosen by each report tick.
// storage.Store satisfies it.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec storage.DispatchRecord) error
}

var ErrAlreadyRunning = errors.New("connmgr: already running")

type entryDef struct {
	name    string
	every   time.Duration
	job     func(ctx context.Context)
	entryID cron.EntryID
}

// EntryInfo describes one registered schedule.
type EntryInfo struct {
	Name  string        `json:"name"`
	Every time.Duration `json:"every"`
	Next  time.Time     `json:"next,omitzero"`
	Prev  time.Time     `json:"prev,omitzero"`
}

type Manager struct {
	b       *broadcast.Broadcaster
	log     logx.Logger
	metrics *metrics.Metrics
	loc     *time.Location

	mu       sync.Mutex
	c        *cron.Cron
	runCtx   context.Context
	defs     map[string]*entryDef
	reports  reportCfg
	recorder Recorder

	fatal chan error
}

type reportCfg struct {
	messages    []message.Message
	batch       int
	sendTimeout time.Duration
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithSendTimeout bounds the private sends of each report tick.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reports.sendTimeout = d
		}
	}
}

// WithLocation sets the cron location (only affects Entries' timestamps).
func WithLocation(loc *time.Location) Option { return func(m *Manager) { m.loc = loc } }

func New(b *broadcast.Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		b:     b,
		defs:  map[string]*entryDef{},
		fatal: make(chan error, 1),
		reports: reportCfg{
			messages:    DefaultReportMessages(),
			batch:       DefaultReportBatch,
			sendTimeout: DefaultSendTimeout,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	return m
}

func (m *Manager) Broadcaster() *broadcast.Broadcaster { return m.b }

// CronReports registers the fairness-rotated report schedule. recorder may be
// nil; when set it gets every non-empty selection.
func (m *Manager) CronReports(every time.Duration, msgs []message.Message, batch int, recorder Recorder) error {
	if every <= 0 {
		return fmt.Errorf("report interval must be > 0")
	}
	if batch <= 0 {
		return fmt.Errorf("report batch must be > 0")
	}
	if len(msgs) == 0 {
		return fmt.Errorf("report messages required")
	}
	for i, msg := range msgs {
		if !msg.Kind.Valid() {
			return fmt.Errorf("report message %d: %w", i, message.ErrUnknownKind)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports.messages = append([]message.Message(nil), msgs...)
	m.reports.batch = batch
	m.recorder = recorder
	m.upsertLocked(scheduleReports, every, m.reportTick)
	return nil
}

// KeepAlive registers the liveness schedule.
func (m *Manager) KeepAlive(every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("keepalive interval must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(scheduleKeepAlive, every, m.keepAliveTick)
	return nil
}

// Apply replaces both schedules. Safe to call while running. A schedule that
// fails validation is logged and the previous registration stays in place.
func (m *Manager) Apply(s Schedule) {
	s = s.withDefaults()
	m.mu.Lock()
	rec := m.recorder
	m.mu.Unlock()

	if err := m.CronReports(s.ReportInterval, s.ReportMessages, s.ReportBatch, rec); err != nil {
		m.log.Warn("report schedule not applied", logx.Err(err))
		return
	}
	if err := m.KeepAlive(s.KeepAliveInterval); err != nil {
		m.log.Warn("keepalive schedule not applied", logx.Err(err))
		return
	}
	m.mu.Lock()
	m.reports.sendTimeout = s.SendTimeout
	m.mu.Unlock()
	m.log.Info("schedule applied",
		logx.Duration("report_interval", s.ReportInterval),
		logx.Int("report_batch", s.ReportBatch),
		logx.Duration("keepalive_interval", s.KeepAliveInterval),
	)
}

// Run starts triggering and blocks until ctx ends (nil) or a tick panics
// (non-nil error).
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.c != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	cl := logx.CronLogger{L: m.log}
	c := cron.New(
		cron.WithLocation(m.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	m.c = c
	m.runCtx = ctx
	for _, d := range m.defs {
		m.addLocked(d)
	}
	c.Start()
	m.log.Info("connection manager started", logx.Int("schedules", len(m.defs)))
	m.mu.Unlock()

	var err error
	select {
	case <-ctx.Done():
	case err = <-m.fatal:
	}

	m.mu.Lock()
	m.c = nil
	m.runCtx = nil
	for _, d := range m.defs {
		d.entryID = 0
	}
	m.mu.Unlock()
	<-c.Stop().Done()

	if err != nil {
		m.log.Error("connection manager stopped", logx.Err(err))
		return err
	}
	m.log.Info("connection manager stopped")
	return nil
}

// Entries lists the registered schedules with their next/previous run.
func (m *Manager) Entries() []EntryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EntryInfo, 0, len(m.defs))
	for _, name := range []string{scheduleReports, scheduleKeepAlive} {
		d, ok := m.defs[name]
		if !ok {
			continue
		}
		info := EntryInfo{Name: d.name, Every: d.every}
		if m.c != nil && d.entryID != 0 {
			e := m.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (m *Manager) upsertLocked(name string, every time.Duration, job func(ctx context.Context)) {
	if old, ok := m.defs[name]; ok && m.c != nil && old.entryID != 0 {
		m.c.Remove(old.entryID)
	}
	d := &entryDef{name: name, every: every, job: job}
	m.defs[name] = d
	if m.c != nil {
		m.addLocked(d)
	}
	m.log.Debug("schedule registered", logx.String("name", name), logx.Duration("every", every))
}

// addLocked registers d with the running cron. Call with m.mu held.
func (m *Manager) addLocked(d *entryDef) {
	ctx := m.runCtx
	name, job := d.name, d.job
	d.entryID = m.c.Schedule(everySchedule{every: d.every}, cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("schedule tick panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				select {
				case m.fatal <- fmt.Errorf("%s tick panicked: %v", name, r):
				default:
				}
			}
		}()
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}))
}

func (m *Manager) reportTick(ctx context.Context) {
	m.mu.Lock()
	cfg := m.reports
	rec := m.recorder
	m.mu.Unlock()

	m.metrics.Tick(scheduleReports)
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, cfg.sendTimeout)
	selected := m.b.DeliverRotated(sendCtx, cfg.messages, cfg.batch)
	cancel()

	m.log.Info("report requests queued",
		logx.Int("selected", len(selected)),
		logx.Int("queue_len", m.b.QueueLen()),
		logx.Any("messages", message.Names(cfg.messages)),
		logx.Duration("took", time.Since(start)),
	)

	if rec == nil || len(selected) == 0 {
		return
	}
	keys := make([]string, len(selected))
	for i, k := range selected {
		keys[i] = k.String()
	}
	err := rec.RecordDispatch(ctx, storage.DispatchRecord{
		At:       start,
		Schedule: scheduleReports,
		Messages: message.Names(cfg.messages),
		Selected: keys,
	})
	if err != nil {
		m.log.Warn("dispatch record failed", logx.Err(err))
	}
}

func (m *Manager) keepAliveTick(_ context.Context) {
	m.metrics.Tick(scheduleKeepAlive)
	n, err := m.b.Broadcast(message.Ping())
	if errors.Is(err, broadcast.ErrNoReceivers) {
		m.log.Debug("keepalive skipped: no receivers")
		return
	}
	m.log.Debug("keepalive sent", logx.Int("receivers", n))
}
