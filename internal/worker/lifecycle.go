package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/runfleet/fleetcore/internal/observability"
)

// Manager is the session worker lifecycle manager (component D): the state
// machine binding a session to a container through a ContainerDriver,
// ExecutorClient, and Repository. Manager is safe for concurrent use; it
// guarantees at most one in-flight transition per sessionId while allowing
// different sessions to proceed in parallel.
type Manager struct {
	repo     Repository
	driver   ContainerDriver
	executor ExecutorClient
	alerts   AlertSink
	logger   *slog.Logger

	tracer  trace.Tracer
	metrics *observability.Metrics

	locks *keyedMutex

	now func() time.Time
}

// Config holds Manager dependencies. Repo, Driver, and Executor are
// required; the rest default to no-op/noop implementations.
type Config struct {
	Repo     Repository
	Driver   ContainerDriver
	Executor ExecutorClient
	Alerts   AlertSink
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *observability.Metrics
}

// NewManager constructs a Manager from cfg.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = NoopAlertSink{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("fleetcore/worker")
	}
	return &Manager{
		repo:     cfg.Repo,
		driver:   cfg.Driver,
		executor: cfg.Executor,
		alerts:   alerts,
		logger:   logger,
		tracer:   tracer,
		metrics:  cfg.Metrics,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func (m *Manager) recordTransition(ctx context.Context, name string, from, to State, fn func() error) error {
	spanCtx, span := observability.StartSpan(ctx, m.tracer, "worker."+name,
		observability.AttrWorkerState.String(string(from)),
		observability.AttrWorkerStateTo.String(string(to)),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	if m.metrics != nil {
		m.metrics.TransitionDuration.Record(spanCtx, time.Since(start).Seconds())
		if err != nil {
			m.metrics.TransitionErrors.Add(spanCtx, 1)
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// EnsureRunning idempotently produces a worker in state running whose
// workspace matches plan.Fingerprint.
func (m *Manager) EnsureRunning(ctx context.Context, sessionID string, plan RestorePlan) (SessionWorker, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	var result SessionWorker
	err := m.recordTransition(ctx, "ensureRunning", "", StateRunning, func() error {
		w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
		if err != nil {
			return ErrStorageError(err)
		}
		if !ok {
			w = SessionWorker{SessionID: sessionID, State: StateProvisioning, LastSyncStatus: SyncNever}
		}

		switch w.State {
		case StateDeleted:
			return ErrWorkerDeleted(sessionID)

		case StateRunning:
			if bytesEqual(w.RestorePlanFingerprint, plan.Fingerprint) {
				w.LastActiveAt = m.now()
				if err := m.save(ctx, w); err != nil {
					return err
				}
				result = w
				return nil
			}
			next, err := m.resync(ctx, w, plan)
			if err != nil {
				return err
			}
			result = next
			return nil

		default: // provisioning, stopped, or newly created
			next, err := m.provisionFresh(ctx, w, plan)
			if err != nil {
				return err
			}
			result = next
			return nil
		}
	})
	return result, err
}

// provisionFresh allocates a new container and restores plan into it,
// rolling back on any failure.
func (m *Manager) provisionFresh(ctx context.Context, w SessionWorker, plan RestorePlan) (SessionWorker, error) {
	staleContainerID := w.ContainerID

	w.State = StateProvisioning
	w.ContainerID = ""
	if err := m.save(ctx, w); err != nil {
		return SessionWorker{}, err
	}

	if staleContainerID != "" {
		// Reaped from a prior stopped worker; never leave it running unowned.
		_ = m.driver.Stop(ctx, staleContainerID)
		_ = m.driver.Remove(ctx, staleContainerID)
	}

	var containerID string
	err := retryTransient(ctx, func() error {
		id, err := m.driver.CreateWorker(ctx)
		if err != nil {
			return err
		}
		containerID = id
		return nil
	})
	if err != nil {
		return m.failProvisioning(ctx, w, "", err)
	}

	if err := retryTransient(ctx, func() error { return m.driver.Start(ctx, containerID) }); err != nil {
		return m.failProvisioning(ctx, w, containerID, err)
	}

	if err := m.executor.RestoreWorkspace(ctx, w.SessionID, containerID, plan); err != nil {
		return m.failProvisioning(ctx, w, containerID, err)
	}

	ok, missing, err := m.executor.ValidateWorkspace(ctx, w.SessionID, containerID, plan.RequiredPaths)
	if err != nil {
		return m.failProvisioning(ctx, w, containerID, err)
	}
	if !ok {
		return m.failProvisioning(ctx, w, containerID, ErrWorkspaceInvalid(missing))
	}

	now := m.now()
	w.ContainerID = containerID
	w.State = StateRunning
	w.LastActiveAt = now
	w.StoppedAt = nil
	w.LastSyncAt = &now
	w.LastSyncStatus = SyncSucceeded
	w.RestorePlanFingerprint = append([]byte(nil), plan.Fingerprint...)

	if err := m.save(ctx, w); err != nil {
		// Best-effort rollback of the external side effect we just created.
		_ = m.driver.Stop(ctx, containerID)
		_ = m.driver.Remove(ctx, containerID)
		return SessionWorker{}, err
	}
	return w, nil
}

// failProvisioning removes the partial container (if any) and leaves the
// worker in stopped with lastSyncStatus=failed, then surfaces cause.
func (m *Manager) failProvisioning(ctx context.Context, w SessionWorker, containerID string, cause error) (SessionWorker, error) {
	if containerID != "" {
		_ = m.driver.Stop(ctx, containerID)
		_ = m.driver.Remove(ctx, containerID)
	}
	now := m.now()
	w.ContainerID = ""
	w.State = StateStopped
	w.StoppedAt = &now
	w.LastSyncAt = &now
	w.LastSyncStatus = SyncFailed

	if err := m.save(ctx, w); err != nil {
		m.logger.Error("save after provisioning failure also failed", "session_id", w.SessionID, "error", err)
	}
	m.alerts.Notify(ctx, AlertEvent{Kind: AlertForcedStop, SessionID: w.SessionID, Detail: cause.Error(), At: now})
	return SessionWorker{}, classifyFailure(cause)
}

// resync re-restores the workspace on a running worker whose requested plan
// fingerprint differs from the one last applied.
func (m *Manager) resync(ctx context.Context, w SessionWorker, plan RestorePlan) (SessionWorker, error) {
	now := m.now()
	w.LastSyncStatus = SyncRunning
	if err := m.save(ctx, w); err != nil {
		return SessionWorker{}, err
	}

	if err := m.executor.RestoreWorkspace(ctx, w.SessionID, w.ContainerID, plan); err != nil {
		return m.failRunningSync(ctx, w, err)
	}
	ok, missing, err := m.executor.ValidateWorkspace(ctx, w.SessionID, w.ContainerID, plan.RequiredPaths)
	if err != nil {
		return m.failRunningSync(ctx, w, err)
	}
	if !ok {
		return m.failRunningSync(ctx, w, ErrWorkspaceInvalid(missing))
	}

	w.LastActiveAt = now
	w.LastSyncAt = &now
	w.LastSyncStatus = SyncSucceeded
	w.RestorePlanFingerprint = append([]byte(nil), plan.Fingerprint...)
	if err := m.save(ctx, w); err != nil {
		return SessionWorker{}, err
	}
	return w, nil
}

func (m *Manager) failRunningSync(ctx context.Context, w SessionWorker, cause error) (SessionWorker, error) {
	now := m.now()
	if w.ContainerID != "" {
		_ = m.driver.Stop(ctx, w.ContainerID)
	}
	w.State = StateStopped
	w.StoppedAt = &now
	w.LastSyncAt = &now
	w.LastSyncStatus = SyncFailed
	if err := m.save(ctx, w); err != nil {
		m.logger.Error("save after resync failure also failed", "session_id", w.SessionID, "error", err)
	}
	m.alerts.Notify(ctx, AlertEvent{Kind: AlertForcedStop, SessionID: w.SessionID, Detail: cause.Error(), At: now})
	return SessionWorker{}, classifyFailure(cause)
}

// classifyFailure normalizes an internal cause into the public RestoreFailed/
// WorkspaceInvalid shape callers are contracted to receive.
func classifyFailure(cause error) error {
	var werr *Error
	if errors.As(cause, &werr) {
		switch werr.Kind {
		case KindWorkspaceInvalid, KindRestoreFailed:
			return werr
		}
	}
	return ErrRestoreFailed("workspace restore failed", cause)
}

// Stop transitions a worker to stopped, stopping its container if present.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	return m.recordTransition(ctx, "stop", "", StateStopped, func() error {
		w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
		if err != nil {
			return ErrStorageError(err)
		}
		if !ok {
			return nil
		}
		if w.State == StateDeleted {
			return ErrWorkerDeleted(sessionID)
		}
		if w.State == StateStopped {
			return nil
		}

		if w.ContainerID != "" {
			if err := retryTransient(ctx, func() error { return m.driver.Stop(ctx, w.ContainerID) }); err != nil {
				return err
			}
		}
		now := m.now()
		w.State = StateStopped
		w.StoppedAt = &now
		return m.save(ctx, w)
	})
}

// Delete terminally removes a worker. Idempotent after success.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	return m.recordTransition(ctx, "delete", "", StateDeleted, func() error {
		w, ok, err := m.repo.FindBySessionID(ctx, sessionID)
		if err != nil {
			return ErrStorageError(err)
		}
		if !ok || w.State == StateDeleted {
			return nil
		}

		if w.ContainerID != "" {
			_ = m.driver.Stop(ctx, w.ContainerID)
			_ = m.driver.Remove(ctx, w.ContainerID)
		}
		w.State = StateDeleted
		w.ContainerID = ""
		if w.StoppedAt == nil {
			now := m.now()
			w.StoppedAt = &now
		}
		return m.save(ctx, w)
	})
}

func (m *Manager) save(ctx context.Context, w SessionWorker) error {
	if err := m.repo.Save(ctx, w); err != nil {
		return ErrStorageError(err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
