package worker

import (
	"context"
	"time"
)

// SweepIdle stops running workers idle beyond cutoff. Candidates are
// queried from the repository snapshot outside any session lock; each is
// re-checked under its own per-session lock before acting, since its state
// may have changed between query and lock.
func (m *Manager) SweepIdle(ctx context.Context, now, cutoff time.Time, limit int) (actioned int, err error) {
	candidates, err := m.repo.ListIdleRunning(ctx, cutoff, limit)
	if err != nil {
		return 0, ErrStorageError(err)
	}
	if m.metrics != nil {
		m.metrics.SweepCandidates.Add(ctx, int64(len(candidates)))
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return actioned, ErrCanceled(ctx.Err())
		}
		stopped, err := m.sweepStopOne(ctx, c.SessionID, cutoff)
		if err != nil {
			m.logger.Error("sweep idle: stop failed", "session_id", c.SessionID, "error", err)
			continue
		}
		if stopped {
			actioned++
		}
	}
	if m.metrics != nil {
		m.metrics.SweepActions.Add(ctx, int64(actioned))
	}
	return actioned, nil
}

func (m *Manager) sweepStopOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return false, ErrStorageError(err)
	}
	// Re-check: still running and still idle past cutoff.
	if !ok || w.State != StateRunning || !w.LastActiveAt.Before(cutoff) {
		return false, nil
	}

	if w.ContainerID != "" {
		if err := retryTransient(ctx, func() error { return m.driver.Stop(ctx, w.ContainerID) }); err != nil {
			return false, err
		}
	}
	now := m.now()
	w.State = StateStopped
	w.StoppedAt = &now
	if err := m.save(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// SweepLongStopped deletes stopped workers older than cutoff.
func (m *Manager) SweepLongStopped(ctx context.Context, now, cutoff time.Time, limit int) (actioned int, err error) {
	candidates, err := m.repo.ListLongStopped(ctx, cutoff, limit)
	if err != nil {
		return 0, ErrStorageError(err)
	}
	if m.metrics != nil {
		m.metrics.SweepCandidates.Add(ctx, int64(len(candidates)))
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return actioned, ErrCanceled(ctx.Err())
		}
		deleted, err := m.sweepDeleteOne(ctx, c.SessionID, cutoff)
		if err != nil {
			m.logger.Error("sweep long-stopped: delete failed", "session_id", c.SessionID, "error", err)
			continue
		}
		if deleted {
			actioned++
		}
	}
	if m.metrics != nil {
		m.metrics.SweepActions.Add(ctx, int64(actioned))
	}
	return actioned, nil
}

func (m *Manager) sweepDeleteOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return false, ErrStorageError(err)
	}
	if !ok || w.State != StateStopped || w.StoppedAt == nil || !w.StoppedAt.Before(cutoff) {
		return false, nil
	}

	if w.ContainerID != "" {
		_ = m.driver.Remove(ctx, w.ContainerID)
	}
	w.State = StateDeleted
	w.ContainerID = ""
	if err := m.save(ctx, w); err != nil {
		return false, err
	}
	m.alerts.Notify(ctx, AlertEvent{Kind: AlertLongStoppedPurge, SessionID: sessionID, Detail: "stopped since before cutoff", At: m.now()})
	return true, nil
}

// SweepStaleSync re-runs workspace validation for sync-stale workers,
// updating lastSyncStatus to running at start and succeeded/failed at end
// so concurrent stale-sync sweeps do not double-dispatch. Runs are capped
// by limit.
func (m *Manager) SweepStaleSync(ctx context.Context, now, cutoff time.Time, limit int) (actioned int, err error) {
	candidates, err := m.repo.ListStaleSyncCandidates(ctx, cutoff, limit)
	if err != nil {
		return 0, ErrStorageError(err)
	}
	if m.metrics != nil {
		m.metrics.SweepCandidates.Add(ctx, int64(len(candidates)))
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return actioned, ErrCanceled(ctx.Err())
		}
		resynced, err := m.sweepStaleSyncOne(ctx, c.SessionID, cutoff)
		if err != nil {
			m.logger.Error("sweep stale-sync: resync failed", "session_id", c.SessionID, "error", err)
			continue
		}
		if resynced {
			actioned++
		}
	}
	if m.metrics != nil {
		m.metrics.SweepActions.Add(ctx, int64(actioned))
	}
	return actioned, nil
}

func (m *Manager) sweepStaleSyncOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return false, ErrStorageError(err)
	}
	stale := w.LastSyncAt == nil || w.LastSyncAt.Before(cutoff)
	if !ok || w.State == StateDeleted || w.LastSyncStatus == SyncRunning || !stale {
		return false, nil
	}
	if w.State != StateRunning || w.ContainerID == "" {
		// Nothing to validate against; leave untouched for the next pass.
		return false, nil
	}

	w.LastSyncStatus = SyncRunning
	if err := m.save(ctx, w); err != nil {
		return false, err
	}

	ok2, missing, verr := m.executor.ValidateWorkspace(ctx, w.SessionID, w.ContainerID, nil)
	now := m.now()
	w.LastSyncAt = &now
	if verr != nil || !ok2 {
		w.LastSyncStatus = SyncFailed
		if err := m.save(ctx, w); err != nil {
			return false, err
		}
		detail := "workspace validation reported missing paths"
		if verr != nil {
			detail = verr.Error()
		} else if len(missing) > 0 {
			detail = "missing: " + joinStrings(missing)
		}
		m.alerts.Notify(ctx, AlertEvent{Kind: AlertStaleSyncFailed, SessionID: sessionID, Detail: detail, At: now})
		return true, nil
	}

	w.LastSyncStatus = SyncSucceeded
	if err := m.save(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
