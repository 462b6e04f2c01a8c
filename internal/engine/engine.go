package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/orchestrator"
	"github.com/seantiz/comfyflow/internal/store"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// DefaultTimeout bounds an execution when neither the request nor the
// options name a timeout.
const DefaultTimeout = 10 * time.Minute

// Error kinds recorded for failures that do not come from a gateway.
const (
	kindTimeout  = "timeout"
	kindInternal = "internal"
)

var (
	// ErrUnknownGateway is returned by Submit when the named gateway is not registered.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrNotRunning is returned by Cancel for executions that already finished.
	ErrNotRunning = errors.New("execution is not running")
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")

	errCancelled = errors.New("execution cancelled")
)

// Options configures how executions talk to their gateway.
type Options struct {
	ClientID       string
	PollInterval   time.Duration
	DefaultTimeout time.Duration
}

// Submission is a workflow to execute.
type Submission struct {
	Gateway   string
	Workflow  workflow.Graph
	Overrides map[string]map[string]any
	TimeoutS  *int
	// Materialize downloads every produced image into the store.
	Materialize bool
}

// Engine runs executions asynchronously.
type Engine struct {
	store    store.Store
	registry *gateway.Registry
	logger   *slog.Logger
	opts     Options
	wg       sync.WaitGroup
	broker   *EventBroker

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	closed  bool
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *gateway.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = model.NewClientID()
	}
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		opts:     opts,
		broker:   NewEventBroker(),
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Registry returns the gateways executions are sent to.
func (e *Engine) Registry() *gateway.Registry {
	return e.registry
}

// Submit applies the submission's overrides, stores a pending execution and
// starts it in a goroutine. Unknown gateways and overrides naming missing
// nodes are rejected before anything is stored.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*model.Execution, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	gw, gwName, err := e.registry.Resolve(sub.Gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGateway, err)
	}

	graph := sub.Workflow.Clone()
	if err := graph.MergeAll(sub.Overrides); err != nil {
		return nil, fmt.Errorf("apply overrides: %w", err)
	}
	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}

	x := &model.Execution{
		ID:          model.NewID(),
		Status:      model.StatusPending,
		Gateway:     gwName,
		ClientID:    e.opts.ClientID,
		Workflow:    raw,
		Materialize: sub.Materialize,
		TimeoutS:    sub.TimeoutS,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, x); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(nil)
		e.finish(x.ID, model.StatusKilled, nil, ErrShuttingDown.Error(), "", nil)
		return nil, ErrShuttingDown
	}
	e.cancels[x.ID] = cancel
	// Added under mu so that Shutdown's Wait cannot miss this goroutine.
	xCopy := *x
	e.wg.Go(func() {
		e.execute(runCtx, &xCopy, gw, graph)
	})
	e.mu.Unlock()

	return x, nil
}

// Cancel stops a pending or running execution. The execution ends as killed
// once its goroutine observes the cancellation. An unfinished execution with
// no goroutine, left behind by a previous process, is marked killed at once.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel(errCancelled)
		return nil
	}

	x, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if model.Terminal(x.Status) {
		return ErrNotRunning
	}

	e.logger.Warn("killing orphaned execution", "execution_id", id, "status", x.Status)
	now := time.Now().UTC()
	err = e.store.UpdateExecution(ctx, &model.Execution{
		ID:         id,
		Status:     model.StatusKilled,
		Error:      "execution cancelled (no longer running in this process)",
		FinishedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("kill orphaned execution: %w", err)
	}
	executionsTotal.WithLabelValues(model.StatusKilled).Inc()
	return nil
}

// Shutdown stops accepting submissions, cancels every in-flight execution
// and waits for them to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.cancels {
		cancel(errCancelled)
	}
	e.mu.Unlock()
	e.Wait()
}

// Wait blocks until all in-flight execution goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[id]; ok {
		cancel(nil)
		delete(e.cancels, id)
	}
}

// execute runs one execution: pending→running→completed/failed/killed.
func (e *Engine) execute(runCtx context.Context, x *model.Execution, gw gateway.Gateway, graph workflow.Graph) {
	defer e.broker.Close(x.ID)
	defer e.forget(x.ID)

	activeExecutions.Inc()
	defer activeExecutions.Dec()

	logger := e.logger.With("execution_id", x.ID, "gateway", x.Gateway)

	if err := e.store.UpdateExecutionStatus(context.Background(), x.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finish(x.ID, model.StatusFailed, nil, fmt.Sprintf("failed to start: %v", err), kindInternal, nil)
		return
	}
	start := time.Now()

	timeout := e.opts.DefaultTimeout
	if x.TimeoutS != nil && *x.TimeoutS > 0 {
		timeout = time.Duration(*x.TimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	// Progress lines are persisted for history and published for live SSE.
	var seq atomic.Int32
	progress := func(line string) {
		ev := model.Event{
			ExecutionID: x.ID,
			Seq:         int(seq.Add(1) - 1),
			Line:        line,
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.store.InsertEvent(context.Background(), x.ID, ev.Seq, line); err != nil {
			logger.Error("failed to persist event", "seq", ev.Seq, "error", err)
		}
		e.broker.Publish(ev)
	}

	orc := orchestrator.New(gw, orchestrator.Options{
		ClientID:     x.ClientID,
		PollInterval: e.opts.PollInterval,
		Logger:       logger,
	})
	res, err := orc.Run(ctx, orchestrator.Request{
		Graph: graph,
		Submitted: func(h gateway.JobHandle) {
			if err := e.store.SetPromptID(context.Background(), x.ID, h.PromptID); err != nil {
				logger.Error("failed to record prompt id", "prompt_id", h.PromptID, "error", err)
			}
		},
		Progress: progress,
	})
	if err == nil && x.Materialize {
		err = e.materialize(ctx, orc, res, x.ID, progress)
	}

	if err != nil {
		switch {
		case errors.Is(context.Cause(runCtx), errCancelled):
			progress("cancelled")
			e.finish(x.ID, model.StatusKilled, &start, "execution cancelled", "", nil)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			msg := fmt.Sprintf("execution timed out after %s", timeout)
			progress(msg)
			e.finish(x.ID, model.StatusFailed, &start, msg, kindTimeout, nil)
		default:
			kind := gateway.KindName(err)
			if kind == "" {
				kind = kindInternal
			}
			logger.Warn("execution failed", "error", err, "error_kind", kind)
			progress("failed: " + err.Error())
			e.finish(x.ID, model.StatusFailed, &start, err.Error(), kind, nil)
		}
		return
	}

	e.finish(x.ID, model.StatusCompleted, &start, "", "", res)
}

// materialize downloads every artifact of res into the store.
func (e *Engine) materialize(ctx context.Context, orc *orchestrator.Orchestrator, res *orchestrator.Result, id string, progress func(string)) error {
	images, err := orc.Fetch(ctx, res)
	if err != nil {
		return err
	}
	if err := orchestrator.Save(ctx, store.ArtifactSink{Store: e.store, ExecutionID: id}, images); err != nil {
		return err
	}
	progress(fmt.Sprintf("stored %d artifacts", len(images)))
	return nil
}

// finish writes the final state of an execution. startedAt is nil when the
// execution never started. res is only recorded for completed executions.
func (e *Engine) finish(id, status string, startedAt *time.Time, errMsg, kind string, res *orchestrator.Result) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	x := &model.Execution{
		ID:         id,
		Status:     status,
		Error:      errMsg,
		ErrorKind:  kind,
		DurationMS: &durationMS,
		FinishedAt: &now,
	}
	if res != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			e.logger.Error("failed to encode result", "execution_id", id, "error", err)
		} else {
			x.Result = raw
		}
	}

	executionsTotal.WithLabelValues(status).Inc()
	if err := e.store.UpdateExecution(context.Background(), x); err != nil {
		e.logger.Error("failed to update finished execution", "execution_id", id, "status", status, "error", err)
	}
}
