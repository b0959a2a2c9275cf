package kb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/locks"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Status is the projection state of a dataset alias.
type Status string

const (
	StatusUnknown                Status = "UNKNOWN"
	StatusPending                Status = "PENDING"
	StatusReady                  Status = "READY"
	StatusReadyEmpty             Status = "READY_EMPTY"
	StatusTimeout                Status = "TIMEOUT"
	StatusFatalError             Status = "FATAL_ERROR"
	StatusUserContextUnavailable Status = "USER_CONTEXT_UNAVAILABLE"
)

// Probe reasons.
const (
	ReasonReady    = "ready"
	ReasonNoRows   = "no_rows_in_dataset"
	ReasonPending  = "pending"
	ReasonNotFound = "not_found"
	ReasonFatal    = "fatal_error"
)

// probeBackoff is the wait sequence between projection probes.
var probeBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	8 * time.Second,
}

// ensureAttempts bounds heal-and-retry cycles in EnsureProjected.
const ensureAttempts = 3

// Rebuilder is the slice of the KB facade projection escalates to when
// aggressive rebuild is enabled and healing did not help.
type Rebuilder interface {
	RebuildDataset(ctx context.Context, alias, user string) error
}

// Projection drives per-dataset index builds (cognify), probes
// readiness and waits with backoff. Projection runs are serialized per
// alias through an in-process lock cache; probing stays concurrent.
type Projection struct {
	engine    engine.Engine
	registry  *Registry
	storage   *Storage
	lockCache *locks.LockCache

	aggressiveRebuild bool
	rebuilder         Rebuilder

	mu        sync.RWMutex
	projected map[string]bool
}

// NewProjection wires the projection service.
func NewProjection(eng engine.Engine, registry *Registry, storage *Storage, lockCache *locks.LockCache, aggressiveRebuild bool) *Projection {
	return &Projection{
		engine:            eng,
		registry:          registry,
		storage:           storage,
		lockCache:         lockCache,
		aggressiveRebuild: aggressiveRebuild,
		projected:         make(map[string]bool),
	}
}

// SetRebuilder attaches the full-rebuild escalation path. Wired by the
// facade after construction to avoid a circular constructor.
func (p *Projection) SetRebuilder(r Rebuilder) { p.rebuilder = r }

// IsProjected reports whether the alias is in the projected set.
func (p *Projection) IsProjected(alias string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.projected[CanonicalAlias(alias)]
}

// MarkProjected adds the alias to the projected set; future searches
// skip re-probing until a writer invalidates it.
func (p *Projection) MarkProjected(alias string) {
	p.mu.Lock()
	p.projected[CanonicalAlias(alias)] = true
	p.mu.Unlock()
}

// Invalidate drops the alias from the projected set (called by writers).
func (p *Projection) Invalidate(alias string) {
	p.mu.Lock()
	delete(p.projected, CanonicalAlias(alias))
	p.mu.Unlock()
}

// Probe ensures the dataset exists, resolves its identifier and counts
// rows with non-empty text. Returns (ready, reason).
func (p *Projection) Probe(ctx context.Context, alias, user string) (bool, string) {
	alias = CanonicalAlias(alias)

	if err := p.registry.EnsureExists(ctx, alias, user); err != nil {
		logging.Get(logging.CategoryProjection).Error("Probe(%s): ensure failed: %v", alias, err)
		return false, ReasonFatal
	}

	id, err := p.registry.DatasetID(ctx, alias, user)
	if err != nil {
		var probeErr *ProbeError
		if errors.As(err, &probeErr) {
			logging.Get(logging.CategoryProjection).Warn("Probe(%s): %v", alias, err)
		}
		return false, ReasonFatal
	}
	if id == "" {
		return false, ReasonNotFound
	}

	rows, err := p.registry.ListEntries(ctx, alias, user)
	if err != nil {
		return false, ReasonFatal
	}
	if len(rows) == 0 {
		return false, ReasonNoRows
	}

	valid := 0
	for _, row := range rows {
		if row.Indexed && strings.TrimSpace(row.Text) != "" {
			valid++
		}
	}
	if valid > 0 {
		return true, ReasonReady
	}
	return false, ReasonPending
}

// Wait polls Probe with the backoff sequence until the dataset turns
// READY / READY_EMPTY / terminal, or timeout elapses.
func (p *Projection) Wait(ctx context.Context, alias, user string, timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)

	for i := 0; ; i++ {
		ready, reason := p.Probe(ctx, alias, user)
		switch {
		case ready:
			return StatusReady
		case reason == ReasonNoRows:
			return StatusReadyEmpty
		case reason == ReasonFatal:
			return StatusFatalError
		}

		// pending / not_found: back off and retry within the budget
		wait := probeBackoff[minInt(i, len(probeBackoff)-1)]
		if timeout >= 0 && time.Now().Add(wait).After(deadline) {
			logging.ProjectionDebug("Wait(%s): timed out (last reason %s)", alias, reason)
			return StatusTimeout
		}
		select {
		case <-ctx.Done():
			return StatusTimeout
		case <-time.After(wait):
		}
	}
}

// Project runs cognify for the alias, serialized per alias. A missing
// content blob triggers a heal and one retry; if the failure persists
// and allowRebuild is set, the full rebuild path is invoked.
func (p *Projection) Project(ctx context.Context, alias, user string, allowRebuild bool) error {
	alias = CanonicalAlias(alias)

	mu := p.lockCache.Get("project:" + alias)
	mu.Lock()
	defer mu.Unlock()

	if err := p.registry.EnsureExists(ctx, alias, user); err != nil {
		return err
	}

	err := p.engine.Cognify(ctx, []string{alias}, user)
	if err != nil && engine.IsFileMissing(err) {
		logging.Projection("Project(%s): blob missing during cognify, healing", alias)
		p.storage.Heal(ctx, alias, user, nil, "cognify_file_missing")
		err = p.engine.Cognify(ctx, []string{alias}, user)
	}
	if err != nil && allowRebuild && p.rebuilder != nil {
		logging.Get(logging.CategoryProjection).Warn("Project(%s): cognify still failing (%v), rebuilding", alias, err)
		if rbErr := p.rebuilder.RebuildDataset(ctx, alias, user); rbErr != nil {
			return rbErr
		}
		err = p.engine.Cognify(ctx, []string{alias}, user)
	}
	if err != nil {
		return err
	}

	logging.ProjectionDebug("Project(%s): cognify complete", alias)
	return nil
}

// EnsureProjected drives the alias to READY or READY_EMPTY within the
// timeout, healing storage between attempts. The projected set keeps
// the result sticky until a writer invalidates it.
func (p *Projection) EnsureProjected(ctx context.Context, alias, user string, timeout time.Duration) Status {
	alias = CanonicalAlias(alias)
	if p.IsProjected(alias) {
		return StatusReady
	}

	timer := logging.StartTimer(logging.CategoryProjection, "EnsureProjected("+alias+")")
	defer timer.Stop()

	var status Status = StatusUnknown
	for attempt := 0; attempt < ensureAttempts; attempt++ {
		ready, reason := p.Probe(ctx, alias, user)
		if ready {
			p.MarkProjected(alias)
			return StatusReady
		}
		if reason == ReasonNoRows {
			p.MarkProjected(alias)
			return StatusReadyEmpty
		}
		if reason == ReasonFatal {
			return StatusFatalError
		}

		allowRebuild := p.aggressiveRebuild && attempt == ensureAttempts-1
		if err := p.Project(ctx, alias, user, allowRebuild); err != nil {
			logging.Get(logging.CategoryProjection).Warn("EnsureProjected(%s) attempt %d: project failed: %v", alias, attempt+1, err)
			p.storage.Heal(ctx, alias, user, nil, "ensure_projected")
			status = StatusFatalError
			continue
		}

		status = p.Wait(ctx, alias, user, timeout)
		switch status {
		case StatusReady, StatusReadyEmpty:
			p.MarkProjected(alias)
			return status
		case StatusFatalError:
			return status
		}

		// TIMEOUT: heal and try again
		p.storage.Heal(ctx, alias, user, nil, "ensure_projected_timeout")
	}
	return status
}
