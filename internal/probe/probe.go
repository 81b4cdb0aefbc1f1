// Package probe runs scheduled health checks over every registered connection key
// and the registry maintenance job.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/casedesk/internal/config"
	"github.com/saltyorg/casedesk/internal/database"
	"github.com/saltyorg/casedesk/internal/dbsession"
)

// Session is the coordinator session probes run on, kept apart from request sessions
const Session = "probe"

// ResultStore persists probe results
type ResultStore interface {
	RecordProbeResult(r *database.ProbeResult) error
	PruneProbeResults(cutoff time.Time) (int64, error)
}

// Maintainer is the registry maintenance surface
type Maintainer interface {
	Optimize() error
	Vacuum() error
}

// Config controls scheduling and probe behaviour
type Config struct {
	ProbeEnabled        bool
	ProbeSchedule       string
	MaintenanceEnabled  bool
	MaintenanceSchedule string
	Timeout             time.Duration
	ResetBroken         bool
	Retention           time.Duration // 0 keeps results forever
	Vacuum              bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ProbeEnabled:        true,
		ProbeSchedule:       config.DefaultProbeSchedule,
		MaintenanceEnabled:  true,
		MaintenanceSchedule: config.DefaultMaintenanceSchedule,
		Timeout:             10 * time.Second,
		ResetBroken:         true,
		Retention:           7 * 24 * time.Hour,
	}
}

// ConfigFrom combines the file's schedules with the registry settings
func ConfigFrom(f *config.File, loader *config.Loader) Config {
	cfg := DefaultConfig()
	if f != nil {
		cfg.ProbeEnabled = f.Probe.IsEnabled()
		cfg.ProbeSchedule = f.Probe.Schedule
		cfg.MaintenanceEnabled = f.Maintenance.IsEnabled()
		cfg.MaintenanceSchedule = f.Maintenance.Schedule
	}
	if loader != nil {
		cfg.Timeout = loader.DurationSeconds("probe.timeout_seconds", 10)
		cfg.ResetBroken = loader.Bool("probe.reset_broken", true)
		cfg.Retention = time.Duration(loader.Int("probe.retention_days", 7)) * 24 * time.Hour
		cfg.Vacuum = loader.Bool("maintenance.vacuum_enabled", false)
	}
	return cfg
}

// Prober schedules probes and maintenance on a cron
type Prober struct {
	coord *dbsession.Coordinator
	store ResultStore
	maint Maintainer
	cfg   Config

	cron       *cron.Cron
	probeEntry cron.EntryID
	maintEntry cron.EntryID

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	latest  map[string]*database.ProbeResult
}

// New creates a prober. store and maint may be nil.
func New(coord *dbsession.Coordinator, store ResultStore, maint Maintainer, cfg Config) *Prober {
	logger := cronLogger{}
	return &Prober{
		coord:  coord,
		store:  store,
		maint:  maint,
		cfg:    cfg,
		cron:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		latest: make(map[string]*database.ProbeResult),
	}
}

// Start schedules the enabled jobs and starts the cron
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if p.cfg.ProbeEnabled {
		id, err := p.cron.AddFunc(p.cfg.ProbeSchedule, p.scheduledProbe)
		if err != nil {
			return fmt.Errorf("invalid probe schedule %q: %w", p.cfg.ProbeSchedule, err)
		}
		p.probeEntry = id
	}
	if p.cfg.MaintenanceEnabled && p.maint != nil {
		id, err := p.cron.AddFunc(p.cfg.MaintenanceSchedule, p.scheduledMaintenance)
		if err != nil {
			p.removeEntries()
			return fmt.Errorf("invalid maintenance schedule %q: %w", p.cfg.MaintenanceSchedule, err)
		}
		p.maintEntry = id
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.cron.Start()
	p.running = true

	log.Info().
		Bool("probe", p.cfg.ProbeEnabled).
		Str("probe_schedule", p.cfg.ProbeSchedule).
		Bool("maintenance", p.cfg.MaintenanceEnabled).
		Str("maintenance_schedule", p.cfg.MaintenanceSchedule).
		Msg("Prober started")
	return nil
}

// Stop cancels running probes and waits for jobs to finish
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.removeEntries()
	p.mu.Unlock()

	<-p.cron.Stop().Done()
	log.Info().Msg("Prober stopped")
}

// removeEntries drops scheduled jobs. Caller must hold p.mu.
func (p *Prober) removeEntries() {
	if p.probeEntry != 0 {
		p.cron.Remove(p.probeEntry)
		p.probeEntry = 0
	}
	if p.maintEntry != 0 {
		p.cron.Remove(p.maintEntry)
		p.maintEntry = 0
	}
}

// NextProbe returns when the next scheduled probe runs, zero when none is scheduled
func (p *Prober) NextProbe() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.probeEntry == 0 {
		return time.Time{}
	}
	return p.cron.Entry(p.probeEntry).Next
}

func (p *Prober) jobContext() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *Prober) scheduledProbe() {
	results := p.RunOnce(p.jobContext())

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	log.Debug().Int("keys", len(results)).Int("failed", failed).Msg("Scheduled probe complete")
}

func (p *Prober) scheduledMaintenance() {
	if err := p.RunMaintenance(); err != nil {
		log.Error().Err(err).Msg("Scheduled maintenance failed")
	}
}

// RunOnce probes every registered key in order
func (p *Prober) RunOnce(ctx context.Context) []*database.ProbeResult {
	keys, err := p.coord.ConnectionKeys()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list connection keys for probing")
		return nil
	}

	results := make([]*database.ProbeResult, 0, len(keys))
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		results = append(results, p.Probe(ctx, key))
	}
	return results
}

// Probe runs SELECT 1 inside a transaction on key's probe-session connection. A connection
// found broken is replaced so the next probe starts fresh.
func (p *Prober) Probe(ctx context.Context, key string) *database.ProbeResult {
	result := &database.ProbeResult{Key: key, CheckedAt: time.Now().UTC()}

	err := p.probe(ctx, key)
	result.LatencyMS = time.Since(result.CheckedAt).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("key", key).Msg("Connection probe failed")
	} else {
		result.OK = true
	}

	if p.cfg.ResetBroken && p.broken(key) {
		if _, rerr := p.coord.ResetConnection(key, Session); rerr != nil {
			log.Error().Err(rerr).Str("key", key).Msg("Failed to reset broken connection")
		} else {
			result.Reset = true
			log.Info().Str("key", key).Msg("Broken connection replaced")
		}
	}

	p.mu.Lock()
	p.latest[key] = result
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.RecordProbeResult(result); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to record probe result")
		}
	}
	return result
}

func (p *Prober) probe(ctx context.Context, key string) error {
	rec, err := p.coord.GetConnection(key, Session)
	if err != nil {
		return err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	return dbsession.Run(ctx, p.coord, rec, func(ctx context.Context) error {
		rows, err := rec.QueryContext(ctx, "SELECT 1")
		if err != nil {
			return err
		}
		defer rows.Close()

		var one int
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return errors.New("probe query returned no rows")
		}
		if err := rows.Scan(&one); err != nil {
			return err
		}
		return rows.Err()
	}, &dbsession.TransactionOptions{IsolationLevel: sql.LevelDefault, ExecuteRollbackAndCommit: true})
}

func (p *Prober) broken(key string) bool {
	rec, err := p.coord.GetConnection(key, Session)
	if err != nil {
		return false
	}
	return rec.Conn().State() == dbsession.StateBroken
}

// Results returns the latest in-memory result per key, ordered by key
func (p *Prober) Results() []*database.ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*database.ProbeResult, 0, len(p.latest))
	for _, r := range p.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LatestProbeResults lets a Prober stand in for the registry when results are not persisted
func (p *Prober) LatestProbeResults() ([]*database.ProbeResult, error) {
	return p.Results(), nil
}

// RunMaintenance optimizes the registry, optionally vacuums it, and prunes old results
func (p *Prober) RunMaintenance() error {
	var errs []error
	if p.maint != nil {
		if err := p.maint.Optimize(); err != nil {
			errs = append(errs, err)
		}
		if p.cfg.Vacuum {
			if err := p.maint.Vacuum(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if p.store != nil && p.cfg.Retention > 0 {
		removed, err := p.store.PruneProbeResults(time.Now().UTC().Add(-p.cfg.Retention))
		if err != nil {
			errs = append(errs, err)
		} else if removed > 0 {
			log.Info().Int64("removed", removed).Msg("Pruned old probe results")
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug().Bool("vacuum", p.cfg.Vacuum).Msg("Registry maintenance complete")
	return nil
}

// cronLogger routes cron's own logging through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
