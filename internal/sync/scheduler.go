package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/app"
	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// SyncState represents the current state of an integration's cycles.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// CycleKind tells fetch cycles from mirror cycles.
type CycleKind string

const (
	CycleFetch  CycleKind = "fetch"
	CycleMirror CycleKind = "mirror"
)

// SyncStatus holds the sync state for a single integration.
type SyncStatus struct {
	IntegrationID string
	Type          model.IntegrationType
	Name          string
	State         SyncState
	LastSync      time.Time
	NewIncidents  int
	Mirrored      int
	Error         error
}

// SyncResultMsg is a tea.Msg sent when a cycle completes.
type SyncResultMsg struct {
	IntegrationID string
	Kind          CycleKind
	NewIncidents  int
	Mirrored      int
	Error         error

	// AuthError is set when the remote rejected the configured credentials.
	AuthError bool
}

// Runner executes fetch and mirror cycles. *app.App implements it.
type Runner interface {
	Fetch(ctx context.Context, id string) (app.FetchReport, error)
	MirrorIn(ctx context.Context, id string) (app.MirrorReport, error)
}

// cycleTimeout bounds a single fetch or mirror cycle.
const cycleTimeout = 2 * time.Minute

const (
	defaultSchedule       = "@every 1m"
	defaultMirrorSchedule = "@every 5m"
)

// Scheduler drives fetch and mirror cycles on per-integration cron
// schedules. A cycle never overlaps with itself; a trigger that arrives
// while the same cycle is running is skipped.
type Scheduler struct {
	runner   Runner
	cron     *cron.Cron
	log      *zap.SugaredLogger
	now      func() time.Time
	statuses map[string]*SyncStatus
	resultCh chan SyncResultMsg
	mu       gosync.Mutex
	running  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for LastSync.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler running cycles through runner.
func New(runner Runner, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	log = logging.OrNop(log)
	cl := cronLogger{log: log}
	s := &Scheduler{
		runner: runner,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:      log,
		now:      time.Now,
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan SyncResultMsg, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register schedules the cycles of one integration: fetch on Schedule,
// and mirror-in on MirrorSchedule when incoming mirroring is on.
func (s *Scheduler) Register(cfg model.IntegrationConfig) error {
	fetchSpec := cfg.Schedule
	if fetchSpec == "" {
		fetchSpec = defaultSchedule
	}
	if _, err := s.cron.AddFunc(fetchSpec, func() { s.runCycle(cfg.ID, CycleFetch) }); err != nil {
		return errors.Wrapf(err, "scheduling fetch for %s", cfg.ID)
	}

	if cast.ToBool(cfg.Setting("incoming_mirror")) {
		mirrorSpec := cfg.MirrorSchedule
		if mirrorSpec == "" {
			mirrorSpec = defaultMirrorSchedule
		}
		if _, err := s.cron.AddFunc(mirrorSpec, func() { s.runCycle(cfg.ID, CycleMirror) }); err != nil {
			return errors.Wrapf(err, "scheduling mirror for %s", cfg.ID)
		}
	}

	s.mu.Lock()
	s.statuses[cfg.ID] = &SyncStatus{
		IntegrationID: cfg.ID,
		Type:          model.IntegrationType(cfg.Type),
		Name:          cfg.Name,
		State:         SyncIdle,
	}
	s.mu.Unlock()

	s.log.Infow("integration scheduled",
		"integration", cfg.ID,
		"schedule", fetchSpec,
		"incoming_mirror", cast.ToBool(cfg.Setting("incoming_mirror")),
	)
	return nil
}

// RegisterAll registers every enabled integration.
func (s *Scheduler) RegisterAll(cfgs []model.IntegrationConfig) error {
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if err := s.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the cron loop and returns a tea.Cmd that waits for the
// first cycle result.
func (s *Scheduler) Start() tea.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.cron.Start()
	return s.waitForResult()
}

// Stop halts scheduling. The returned context is done once running
// cycles have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return s.cron.Stop()
}

// RefreshAll triggers an immediate run of every scheduled cycle. Cycles
// still running from an earlier trigger are skipped.
func (s *Scheduler) RefreshAll() tea.Cmd {
	for _, entry := range s.cron.Entries() {
		go entry.WrappedJob.Run()
	}
	return nil
}

// Statuses returns the current status of every registered integration,
// ordered by id.
func (s *Scheduler) Statuses() []SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		statuses = append(statuses, *st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].IntegrationID < statuses[j].IntegrationID
	})
	return statuses
}

// Results exposes cycle results for consumers outside Bubble Tea.
func (s *Scheduler) Results() <-chan SyncResultMsg {
	return s.resultCh
}

// WaitForNextResult returns a tea.Cmd that waits for the next cycle
// result. Call it after handling a SyncResultMsg to keep listening.
func (s *Scheduler) WaitForNextResult() tea.Cmd {
	return s.waitForResult()
}

func (s *Scheduler) waitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-s.resultCh
		if !ok {
			return nil
		}
		return result
	}
}

// runCycle performs one cycle and publishes its result.
func (s *Scheduler) runCycle(id string, kind CycleKind) {
	s.setStatus(id, func(st *SyncStatus) {
		st.State = SyncRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	msg := SyncResultMsg{IntegrationID: id, Kind: kind}
	switch kind {
	case CycleMirror:
		report, err := s.runner.MirrorIn(ctx, id)
		msg.Mirrored, msg.Error = report.Applied, err
	default:
		report, err := s.runner.Fetch(ctx, id)
		msg.NewIncidents, msg.Error = report.Created, err
	}

	if msg.Error != nil {
		msg.AuthError = source.IsUnauthorized(msg.Error)
		s.log.Warnw("cycle failed",
			"integration", id,
			"cycle", kind,
			"auth", msg.AuthError,
			"error", msg.Error,
		)
		s.setStatus(id, func(st *SyncStatus) {
			st.State = SyncError
			st.Error = msg.Error
		})
		s.sendResult(msg)
		return
	}

	s.setStatus(id, func(st *SyncStatus) {
		st.State = SyncIdle
		st.Error = nil
		st.LastSync = s.now()
		if kind == CycleFetch {
			st.NewIncidents = msg.NewIncidents
		} else {
			st.Mirrored = msg.Mirrored
		}
	})
	s.sendResult(msg)
}

func (s *Scheduler) setStatus(id string, update func(*SyncStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[id]
	if !ok {
		return
	}
	update(status)
}

// sendResult publishes a result without blocking the scheduler.
func (s *Scheduler) sendResult(msg SyncResultMsg) {
	select {
	case s.resultCh <- msg:
	default:
		s.log.Debugw("dropping cycle result, no listener", "integration", msg.IntegrationID)
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(fmt.Sprintf("cron: %s", msg), append(keysAndValues, "error", err)...)
}
