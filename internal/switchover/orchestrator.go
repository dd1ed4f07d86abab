package switchover

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardline/failover/internal/apiclient"
	"github.com/wardline/failover/internal/auth"
	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/lifecycle"
	"github.com/wardline/failover/internal/metrics"
	"github.com/wardline/failover/internal/pool"
	"github.com/wardline/failover/internal/retry"
)

// fallbackTimeout bounds the rollback path independently of however
// much of the switch budget is left.
const fallbackTimeout = 30 * time.Second

// Directory resolves server ids to configured profiles.
type Directory interface {
	Profile(id string) (*domain.ServerProfile, bool)
}

// Options tune one switch request.
type Options struct {
	// FallbackEnabled rolls back to the original server when the
	// switch fails terminally.
	FallbackEnabled bool

	// CarryPreferences carries the outgoing server's preference
	// entries over to the new server, independently of whether the
	// prefs category is preserved on the outgoing one.
	CarryPreferences bool

	// Preserve controls which of the outgoing server's categories
	// survive the selective clear.
	Preserve lifecycle.Preserve
}

// DefaultOptions returns the options a user-initiated switch uses.
func DefaultOptions() Options {
	return Options{
		FallbackEnabled:  true,
		CarryPreferences: true,
		Preserve:         lifecycle.Preserve{Auth: true, Prefs: true, Templates: true, Offline: true},
	}
}

// Result is the caller-facing outcome of a switch.
type Result struct {
	SwitchSuccessful       bool              `json:"switch_successful"`
	FallbackUsed           bool              `json:"fallback_used"`
	AuthenticationRequired bool              `json:"authentication_required"`
	CacheBackupKey         string            `json:"cache_backup_key,omitempty"`
	Log                    *domain.SwitchLog `json:"log,omitempty"`
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Directory Directory
	Executor  *retry.Executor
	Pool      *pool.Pool
	Cache     *cache.Cache
	Lifecycle *lifecycle.Manager
	Auth      *auth.Manager
	Client    *apiclient.Client
	Journal   *Journal
}

// Orchestrator sequences a server switch through its phases: target
// validation, connectivity test, cache management, client
// reconfiguration and session re-establishment, with optional rollback
// to the original server on failure. One switch runs at a time.
//
// A timed-out attempt's goroutine may still be unwinding when the next
// attempt starts; attempts carry a generation number and stale ones
// stop touching the shared log and result. The run number does the
// same across whole Switch calls, so a goroutine that wakes up after
// finalization cannot start a fresh attempt against a closed log.
type Orchestrator struct {
	dir     Directory
	exec    *retry.Executor
	pool    *pool.Pool
	cache   *cache.Cache
	life    *lifecycle.Manager
	auth    *auth.Manager
	client  *apiclient.Client
	journal *Journal

	switching atomic.Bool

	mu  sync.Mutex
	run uint64
	gen uint64
}

// New creates an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		dir:     d.Directory,
		exec:    d.Executor,
		pool:    d.Pool,
		cache:   d.Cache,
		life:    d.Lifecycle,
		auth:    d.Auth,
		client:  d.Client,
		journal: d.Journal,
	}
}

// Switch moves the client from one server to another. The whole phase
// sequence runs under the switch retry policy; a retry restarts at
// target validation. On terminal failure the result is returned
// alongside the error so callers can inspect fallback state and the
// journaled log.
func (o *Orchestrator) Switch(ctx context.Context, fromID, toID string, opts Options) (*Result, error) {
	if toID == "" {
		return nil, fault.New(fault.KindConfig, "switch", "", "target server id is empty").Elevate()
	}
	if toID == fromID {
		return nil, fault.New(fault.KindConfig, "switch", toID, "already attached to this server").Elevate()
	}
	if !o.switching.CompareAndSwap(false, true) {
		return nil, fault.New(fault.KindConfig, "switch", toID, "another switch is already in progress").Elevate()
	}
	defer o.switching.Store(false)

	o.mu.Lock()
	o.run++
	runID := o.run
	o.mu.Unlock()

	start := time.Now()
	log := &domain.SwitchLog{
		ID:           uuid.NewString(),
		FromServerID: fromID,
		ToServerID:   toID,
		Status:       domain.SwitchStatusInProgress,
		StartedAt:    start,
	}
	result := &Result{Log: log}
	slog.Info("Server switch started", "from", fromID, "to", toID, "switch", log.ID)

	_, runErr := retry.Do(ctx, o.exec, retry.OpSwitch, "switch", toID, func(ctx context.Context) (struct{}, error) {
		gen, ok := o.beginAttempt(runID, log, result)
		if !ok {
			return struct{}{}, fault.New(fault.KindTimeout, "switch", toID, "attempt scheduled after the switch was finalized")
		}
		o.saveCurrent(ctx, gen, log)
		return struct{}{}, o.runSequence(ctx, gen, log, result, opts)
	})
	o.detachAttempts()

	if runErr == nil {
		o.finish(ctx, log, domain.SwitchStatusCompleted, nil, start)
		result.SwitchSuccessful = true
		slog.Info("Server switch completed",
			"from", fromID,
			"to", toID,
			"attempts", log.Attempts,
			"duration", log.Duration,
			"auth_required", result.AuthenticationRequired)
		return result, nil
	}

	ferr := fault.From(runErr, "switch", toID).Elevate()

	if !opts.FallbackEnabled || fromID == "" {
		o.finish(ctx, log, domain.SwitchStatusFailed, ferr, start)
		slog.Error("Server switch failed",
			"from", fromID, "to", toID, "attempts", log.Attempts, "error", ferr)
		return result, ferr
	}

	result.FallbackUsed = true
	log.FallbackUsed = true
	if fbErr := o.fallBack(ctx, fromID, result); fbErr != nil {
		o.finish(ctx, log, domain.SwitchStatusFallbackFailed, ferr, start)
		slog.Error("Fallback failed, no server confirmed reachable",
			"from", fromID, "to", toID, "switch_error", ferr, "fallback_error", fbErr)
		return result, ferr
	}
	o.finish(ctx, log, domain.SwitchStatusRolledBack, ferr, start)
	slog.Warn("Server switch failed, rolled back",
		"from", fromID, "to", toID, "attempts", log.Attempts, "error", ferr)
	return result, ferr
}

// runSequence executes one attempt of the full phase sequence.
func (o *Orchestrator) runSequence(ctx context.Context, gen uint64, log *domain.SwitchLog, result *Result, opts Options) error {
	// Phase 1: the target must be configured and structurally valid.
	rec := o.begin(ctx, gen, log, domain.PhaseValidateTarget)
	target, ok := o.dir.Profile(log.ToServerID)
	if !ok {
		return o.fail(ctx, gen, log, rec,
			fault.New(fault.KindConfig, "switch.validate", log.ToServerID, "target server is not configured"))
	}
	vr, err := o.cache.ValidateProfile(ctx, target)
	if err != nil {
		return o.fail(ctx, gen, log, rec, fault.From(err, "switch.validate", target.ID))
	}
	if !vr.Valid {
		return o.fail(ctx, gen, log, rec,
			fault.New(fault.KindValidation, "switch.validate", target.ID,
				"profile failed validation: "+strings.Join(vr.Errors, "; ")))
	}
	o.complete(ctx, gen, log, rec)

	// Phase 2: a fresh probe, never a cached verdict.
	rec = o.begin(ctx, gen, log, domain.PhaseTestConnectivity)
	status := o.pool.CheckServer(ctx, target)
	if err := o.cache.PutConnectivity(ctx, status); err != nil {
		slog.Warn("Caching probe result failed", "server", target.ID, "error", err)
	}
	if !status.Connected {
		return o.fail(ctx, gen, log, rec, pool.ProbeFault(status, "switch.connectivity"))
	}
	o.complete(ctx, gen, log, rec)

	// Phase 3: cache bookkeeping, strictly ordered.
	rec = o.begin(ctx, gen, log, domain.PhaseManageCache)
	if err := o.manageCache(ctx, gen, result, opts, target, log.FromServerID); err != nil {
		return o.fail(ctx, gen, log, rec, fault.From(err, "switch.cache", target.ID))
	}
	o.complete(ctx, gen, log, rec)

	// Phase 4: repoint the client and prove the route still works.
	rec = o.begin(ctx, gen, log, domain.PhaseReconfigureClient)
	o.client.Reconfigure(target)
	if verify := o.pool.CheckServer(ctx, target); !verify.Connected {
		cf := pool.ProbeFault(verify, "switch.reconfigure")
		cf.Message = "server unreachable after reconfiguration: " + cf.Message
		return o.fail(ctx, gen, log, rec, cf)
	}
	o.complete(ctx, gen, log, rec)

	// Phase 5: session re-establishment. A missing session succeeds
	// vacuously; a credential failure marks the result instead of
	// failing the switch.
	rec = o.begin(ctx, gen, log, domain.PhaseReestablishAuth)
	switch err := o.auth.Reestablish(ctx, target); {
	case err == nil:
		o.complete(ctx, gen, log, rec)
	case errors.Is(err, auth.ErrNoCredentials):
		o.skip(ctx, gen, log, rec)
		slog.Debug("No prior session to re-establish", "server", target.ID)
	default:
		fe := fault.From(err, "switch.auth", target.ID).Elevate()
		o.markAuthRequired(gen, result, rec, fe)
		o.complete(ctx, gen, log, rec)
		slog.Warn("Session not re-established, sign-in required",
			"server", target.ID, "severity", fe.Severity, "error", fe)
	}
	return nil
}

// manageCache runs the cache steps in their required order: schema
// gate, corruption scan, backup of the outgoing server, preference
// collection, selective clear, restore of the target's stored state,
// then the carried preferences. Any failure aborts the switch; partial
// mutation before the failure is tolerated.
func (o *Orchestrator) manageCache(
	ctx context.Context,
	gen uint64,
	result *Result,
	opts Options,
	target *domain.ServerProfile,
	fromID string,
) error {
	if _, err := o.life.EnsureVersion(ctx); err != nil {
		return err
	}
	if _, err := o.life.CorruptionScan(ctx); err != nil {
		return err
	}

	var carried map[string][]byte
	if fromID != "" {
		_, key, err := o.life.Backup(ctx, fromID)
		if err != nil {
			return err
		}
		o.setBackupKey(gen, result, key.String())

		if opts.CarryPreferences {
			// Collected before the clear; the carry does not depend on
			// the prefs category surviving it.
			if carried, err = o.life.Collect(ctx, fromID, kvstore.CategoryPrefs); err != nil {
				return err
			}
		}
		if _, err := o.life.SelectiveClear(ctx, fromID, lifecycle.ClearOptions{Keep: opts.Preserve}); err != nil {
			return err
		}
	}

	_, key, err := o.life.LatestBackup(ctx, target.ID)
	switch {
	case errors.Is(err, lifecycle.ErrNoBackup):
		// First visit to this server, nothing to restore.
	case err != nil:
		return err
	default:
		if _, err := o.life.Restore(ctx, key); err != nil {
			var fe *fault.Error
			if errors.As(err, &fe) && !fe.Retryable {
				// Stale or malformed backup: start clean rather than
				// fail the switch over recoverable state.
				slog.Info("Stored backup unusable, starting clean",
					"server", target.ID, "error", err)
			} else {
				return err
			}
		}
	}

	if len(carried) > 0 {
		// Applied after the restore so the session the user just left
		// wins over whatever the target had stored.
		if _, err := o.life.Apply(ctx, target.ID, kvstore.CategoryPrefs, carried); err != nil {
			return err
		}
	}
	return nil
}

// fallBack repoints the client at the original server and restores the
// backup taken during this switch, under its own timeout.
func (o *Orchestrator) fallBack(ctx context.Context, fromID string, result *Result) error {
	fbCtx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()

	prof, ok := o.dir.Profile(fromID)
	if !ok {
		return fault.New(fault.KindConfig, "fallback", fromID, "original server is not configured")
	}
	o.client.Reconfigure(prof)

	if result.CacheBackupKey == "" {
		// The failure happened before any cache mutation.
		return nil
	}
	key, err := kvstore.ParseKey(result.CacheBackupKey)
	if err != nil {
		return fault.Wrap(err, fault.KindCache, "fallback", fromID, "backup key is malformed")
	}
	if _, err := o.life.Restore(fbCtx, key); err != nil {
		return err
	}
	return nil
}

// beginAttempt bumps the generation, counts the attempt, and resets
// per-attempt state so a retried sequence journals fresh phases. An
// attempt whose run has already been finalized is refused.
func (o *Orchestrator) beginAttempt(runID uint64, log *domain.SwitchLog, result *Result) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if runID != o.run {
		return 0, false
	}
	o.gen++
	log.Attempts++
	log.Phases = make([]*domain.PhaseRecord, 0, len(domain.SwitchPhases))
	for _, p := range domain.SwitchPhases {
		log.Phases = append(log.Phases, &domain.PhaseRecord{Phase: p, Status: domain.PhaseStatusPending})
	}
	result.AuthenticationRequired = false
	result.CacheBackupKey = ""
	return o.gen, true
}

// detachAttempts invalidates any attempt goroutine that is still
// unwinding, and refuses any that has not started yet, so the log and
// result are safe to read and finalize.
func (o *Orchestrator) detachAttempts() {
	o.mu.Lock()
	o.run++
	o.gen++
	o.mu.Unlock()
}

func (o *Orchestrator) begin(ctx context.Context, gen uint64, log *domain.SwitchLog, phase domain.SwitchPhase) *domain.PhaseRecord {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		// Stale attempt: hand back a detached record.
		return &domain.PhaseRecord{Phase: phase}
	}
	rec := log.PhaseRecordFor(phase)
	rec.Status = domain.PhaseStatusInProgress
	rec.StartedAt = time.Now()
	o.mu.Unlock()
	o.saveCurrent(ctx, gen, log)
	return rec
}

func (o *Orchestrator) complete(ctx context.Context, gen uint64, log *domain.SwitchLog, rec *domain.PhaseRecord) {
	o.mu.Lock()
	if gen == o.gen {
		rec.Status = domain.PhaseStatusCompleted
		rec.FinishedAt = time.Now()
	}
	o.mu.Unlock()
	o.saveCurrent(ctx, gen, log)
}

func (o *Orchestrator) skip(ctx context.Context, gen uint64, log *domain.SwitchLog, rec *domain.PhaseRecord) {
	o.mu.Lock()
	if gen == o.gen {
		rec.Status = domain.PhaseStatusSkipped
		rec.FinishedAt = time.Now()
	}
	o.mu.Unlock()
	o.saveCurrent(ctx, gen, log)
}

// fail marks the running phase failed, closes the untouched phases as
// skipped, and hands the error back for the retry wrapper. A stale
// attempt's failure leaves the log alone.
func (o *Orchestrator) fail(ctx context.Context, gen uint64, log *domain.SwitchLog, rec *domain.PhaseRecord, err *fault.Error) error {
	o.mu.Lock()
	if gen == o.gen {
		rec.Status = domain.PhaseStatusFailed
		rec.FinishedAt = time.Now()
		rec.Error = err.Error()
		for _, r := range log.Phases {
			if r.Status == domain.PhaseStatusPending {
				r.Status = domain.PhaseStatusSkipped
			}
		}
	}
	o.mu.Unlock()
	o.saveCurrent(ctx, gen, log)
	return err
}

func (o *Orchestrator) markAuthRequired(gen uint64, result *Result, rec *domain.PhaseRecord, fe *fault.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		rec.Error = fe.Error()
		result.AuthenticationRequired = true
	}
}

func (o *Orchestrator) setBackupKey(gen uint64, result *Result, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		result.CacheBackupKey = key
	}
}

// finish closes the log exactly once and journals it. Every phase is
// forced to a terminal status: an abandoned attempt can leave a phase
// in progress, and the journal must never carry an open phase in a
// finalized log. Only called after detachAttempts, so once the lock is
// released nothing else mutates the log.
func (o *Orchestrator) finish(ctx context.Context, log *domain.SwitchLog, status domain.SwitchStatus, err *fault.Error, start time.Time) {
	o.mu.Lock()
	log.Status = status
	log.Success = status == domain.SwitchStatusCompleted
	log.FinishedAt = time.Now()
	log.Duration = log.FinishedAt.Sub(start)
	if err != nil {
		log.Error = err.Error()
	}
	for _, r := range log.Phases {
		switch r.Status {
		case domain.PhaseStatusInProgress:
			r.Status = domain.PhaseStatusFailed
			r.FinishedAt = log.FinishedAt
			if r.Error == "" && err != nil {
				r.Error = err.Error()
			}
		case domain.PhaseStatusPending:
			r.Status = domain.PhaseStatusSkipped
		}
	}
	o.mu.Unlock()

	if saveErr := o.journal.Save(ctx, log); saveErr != nil {
		slog.Warn("Journaling switch log failed", "switch", log.ID, "error", saveErr)
	}
	o.journal.Prune(ctx)
	metrics.SwitchesTotal.WithLabelValues(string(status)).Inc()
	metrics.SwitchDuration.Observe(log.Duration.Seconds())
}

// saveCurrent journals a consistent snapshot of the log, skipping the
// write when the attempt is stale. Journaling is best effort and never
// fails a switch.
func (o *Orchestrator) saveCurrent(ctx context.Context, gen uint64, log *domain.SwitchLog) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	snapshot := *log
	snapshot.Phases = make([]*domain.PhaseRecord, len(log.Phases))
	for i, r := range log.Phases {
		c := *r
		snapshot.Phases[i] = &c
	}
	o.mu.Unlock()

	if err := o.journal.Save(ctx, &snapshot); err != nil {
		slog.Warn("Journaling switch log failed", "switch", snapshot.ID, "error", err)
	}
}
