package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// DefaultActionTimeout bounds a single handler call.
const DefaultActionTimeout = 300 * time.Second

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// Config controls execution policy.
type Config struct {
	RollbackEnabled bool
	ActionTimeout   time.Duration
}

// Store persists execution records. Optional.
type Store interface {
	PutExecution(ctx context.Context, execution models.HealingExecution) error
	GetExecution(ctx context.Context, id string) (models.HealingExecution, error)
}

// Executor runs plans against the handler registry. It exclusively owns the
// execution records it creates.
type Executor struct {
	cfg         Config
	registry    *Registry
	snapshotter Snapshotter
	store       Store
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time

	mu          sync.Mutex
	executions  map[string]*models.HealingExecution
	rollingBack map[string]struct{}
}

// Option customises an Executor.
type Option func(*Executor)

// WithStore persists every state change.
func WithStore(store Store) Option {
	return func(e *Executor) { e.store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New constructs an executor. snapshotter may be nil.
func New(cfg Config, registry *Registry, snapshotter Snapshotter, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	e := &Executor{
		cfg:         cfg,
		registry:    registry,
		snapshotter: snapshotter,
		logger:      logger,
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
		executions:  make(map[string]*models.HealingExecution),
		rollingBack: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutePlan attempts the plan's actions in rank order and stops at the
// first success. Cancelling ctx is honoured between steps only. Handler
// failures never escape: they are recorded on the returned executions.
func (e *Executor) ExecutePlan(ctx context.Context, plan models.HealingPlan) []models.HealingExecution {
	metrics.PlanStarted()
	defer metrics.PlanFinished()

	results := make([]models.HealingExecution, 0, len(plan.Actions))
	succeeded := false
	cancelled := false
	for _, action := range plan.Actions {
		exec := e.track(plan, action)

		if ctx.Err() != nil {
			results = append(results, e.cancel(ctx, exec))
			cancelled = true
			break
		}

		exec.MetricsBefore = e.snapshot(ctx, plan.ResourceID)
		if ctx.Err() != nil {
			results = append(results, e.cancel(ctx, exec))
			cancelled = true
			break
		}

		result := e.run(ctx, plan, exec)
		results = append(results, result)
		if result.Status == models.StatusSuccess {
			succeeded = true
			break
		}
	}

	outcome := metrics.OutcomeFailed
	switch {
	case succeeded:
		outcome = metrics.OutcomeSuccess
	case cancelled:
		outcome = metrics.OutcomeCancelled
	}
	metrics.ObservePlan(outcome)
	e.logger.Info("healing plan finished",
		slog.String("plan_id", plan.ID),
		slog.String("resource_id", plan.ResourceID),
		slog.String("outcome", outcome),
		slog.Int("attempts", len(results)))
	return results
}

func (e *Executor) track(plan models.HealingPlan, action models.Action) *models.HealingExecution {
	exec := &models.HealingExecution{
		ID:         e.newID(),
		PlanID:     plan.ID,
		ResourceID: plan.ResourceID,
		Action:     action,
		Status:     models.StatusPending,
	}
	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()
	return exec
}

func (e *Executor) cancel(ctx context.Context, exec *models.HealingExecution) models.HealingExecution {
	e.mu.Lock()
	e.transition(exec, models.StatusCancelled)
	exec.CompletedAt = e.now()
	exec.ErrorMessage = context.Cause(ctx).Error()
	out := exec.Clone()
	e.mu.Unlock()

	metrics.ObserveAction(exec.Action.Name(), 0, metrics.OutcomeCancelled)
	e.persist(ctx, out)
	return out
}

func (e *Executor) run(ctx context.Context, plan models.HealingPlan, exec *models.HealingExecution) models.HealingExecution {
	e.mu.Lock()
	e.transition(exec, models.StatusRunning)
	exec.StartedAt = e.now()
	running := exec.Clone()
	e.mu.Unlock()
	e.persist(ctx, running)

	result, err := e.invoke(ctx, plan, running)
	after := e.snapshot(context.WithoutCancel(ctx), plan.ResourceID)

	e.mu.Lock()
	exec.MetricsAfter = after
	exec.CompletedAt = e.now()
	if len(result.RollbackInfo) > 0 {
		exec.RollbackData = map[string]models.RollbackInfo{exec.Action.Name(): result.RollbackInfo}
	}
	switch {
	case err != nil:
		exec.ErrorMessage = err.Error()
		e.transition(exec, models.StatusFailed)
	case !result.Success:
		exec.ErrorMessage = result.Message
		if exec.ErrorMessage == "" {
			exec.ErrorMessage = "handler reported failure"
		}
		e.transition(exec, models.StatusFailed)
	default:
		exec.Success = true
		e.transition(exec, models.StatusSuccess)
	}
	out := exec.Clone()
	e.mu.Unlock()

	outcome := metrics.OutcomeSuccess
	if !out.Success {
		outcome = metrics.OutcomeFailed
		e.logger.Warn("healing action failed",
			slog.String("execution_id", out.ID),
			slog.String("action", out.Action.Name()),
			slog.String("resource_id", out.ResourceID),
			slog.String("error", out.ErrorMessage))
	}
	metrics.ObserveAction(out.Action.Name(), out.Duration(), outcome)
	e.persist(ctx, out)
	return out
}

// invoke dispatches to the handler under the action timeout. The handler
// context is detached from plan cancellation so a running step is never
// interrupted by it.
func (e *Executor) invoke(ctx context.Context, plan models.HealingPlan, exec models.HealingExecution) (result ActionResult, err error) {
	handler, ok := e.registry.Lookup(exec.Action)
	if !ok {
		return ActionResult{}, utils.NewKindError(utils.KindActionHandler, "executor."+exec.Action.Name(), "no handler registered", nil)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ActionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = utils.NewKindError(utils.KindActionHandler, "executor."+exec.Action.Name(), "handler panicked", fmt.Errorf("%v", r))
		}
	}()

	result, err = handler.Execute(callCtx, ActionRequest{
		ExecutionID: exec.ID,
		PlanID:      plan.ID,
		ResourceID:  exec.ResourceID,
		Action:      exec.Action,
		Parameters: map[string]string{
			"anomaly_id": plan.AnomalyID,
			"pattern":    plan.Pattern,
		},
	})
	if err != nil {
		err = utils.NewKindError(utils.KindActionHandler, "executor."+exec.Action.Name(), "handler failed", err)
	}
	return result, err
}

// Rollback reverses a failed execution using its captured rollback data. It
// returns false when rollback is disabled, no data was captured, the
// execution is not FAILED, or the handler errors.
func (e *Executor) Rollback(ctx context.Context, executionID string) bool {
	ok, err := e.rollback(ctx, executionID)
	if err != nil {
		e.logger.Info("rollback not applied",
			slog.String("execution_id", executionID),
			slog.Any("error", err))
	}
	metrics.ObserveRollback(ok)
	return ok
}

func (e *Executor) rollback(ctx context.Context, executionID string) (bool, error) {
	const op = "executor.rollback"
	if !e.cfg.RollbackEnabled {
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "rollback disabled", nil)
	}

	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "unknown execution", ErrExecutionNotFound)
	}
	if !exec.Status.CanTransition(models.StatusRolledBack) {
		status := exec.Status
		e.mu.Unlock()
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, fmt.Sprintf("execution is %s", status), nil)
	}
	if _, busy := e.rollingBack[executionID]; busy {
		e.mu.Unlock()
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "rollback already in progress", nil)
	}
	step := exec.Action.Name()
	info, ok := exec.RollbackData[step]
	if !ok || len(info) == 0 {
		e.mu.Unlock()
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "no rollback data captured", nil)
	}
	e.rollingBack[executionID] = struct{}{}
	snapshot := exec.Clone()
	e.mu.Unlock()

	// The mark is cleared on every exit. A handler error leaves the execution
	// FAILED so the rollback can be retried.
	defer func() {
		e.mu.Lock()
		delete(e.rollingBack, executionID)
		e.mu.Unlock()
	}()

	handler, ok := e.registry.Lookup(snapshot.Action)
	if !ok {
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "no handler registered for "+step, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	if err := safeRollback(callCtx, handler, RollbackRequest{
		ExecutionID: snapshot.ID,
		ResourceID:  snapshot.ResourceID,
		Action:      snapshot.Action,
		Step:        step,
		Info:        snapshot.RollbackData[step],
	}); err != nil {
		return false, utils.NewKindError(utils.KindActionHandler, op, "handler rollback failed", err)
	}

	e.mu.Lock()
	if !e.transition(exec, models.StatusRolledBack) {
		e.mu.Unlock()
		return false, utils.NewKindError(utils.KindRollbackUnavailable, op, "concurrent rollback", nil)
	}
	out := exec.Clone()
	e.mu.Unlock()

	e.persist(ctx, out)
	e.logger.Info("execution rolled back",
		slog.String("execution_id", out.ID),
		slog.String("action", step))
	return true, nil
}

func safeRollback(ctx context.Context, handler Handler, req RollbackRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return handler.Rollback(ctx, req)
}

// Get returns a copy of a tracked execution, consulting the store when the
// execution is not held in memory.
func (e *Executor) Get(ctx context.Context, executionID string) (models.HealingExecution, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if ok {
		out := exec.Clone()
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if e.store == nil {
		return models.HealingExecution{}, ErrExecutionNotFound
	}
	return e.store.GetExecution(ctx, executionID)
}

// transition applies a state change if the state machine allows it. Callers
// hold e.mu.
func (e *Executor) transition(exec *models.HealingExecution, next models.ExecutionStatus) bool {
	if !exec.Status.CanTransition(next) {
		e.logger.Error("illegal execution transition",
			slog.String("execution_id", exec.ID),
			slog.String("from", string(exec.Status)),
			slog.String("to", string(next)))
		return false
	}
	exec.Status = next
	return true
}

func (e *Executor) snapshot(ctx context.Context, resourceID string) map[string]float64 {
	if e.snapshotter == nil {
		return nil
	}
	values, err := e.snapshotter.Snapshot(ctx, resourceID)
	if err != nil {
		e.logger.Warn("metric snapshot failed",
			slog.String("resource_id", resourceID),
			slog.Any("error", err))
		return nil
	}
	return values
}

func (e *Executor) persist(ctx context.Context, exec models.HealingExecution) {
	if e.store == nil {
		return
	}
	if err := e.store.PutExecution(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Warn("persist execution failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err))
	}
}
