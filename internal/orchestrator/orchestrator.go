package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// DefaultPollInterval is the wait between two queue reads.
const DefaultPollInterval = time.Second

// Options configures an Orchestrator.
type Options struct {
	// ClientID is sent with every submission.
	ClientID string
	// PollInterval defaults to DefaultPollInterval when zero or negative.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Orchestrator executes workflows against one gateway. It keeps no state
// between calls and may be shared by concurrent executions.
type Orchestrator struct {
	gw       gateway.Gateway
	clientID string
	interval time.Duration
	logger   *slog.Logger
}

// New creates an orchestrator for gw.
func New(gw gateway.Gateway, opts Options) *Orchestrator {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		gw:       gw,
		clientID: opts.ClientID,
		interval: interval,
		logger:   logger,
	}
}

// Gateway returns the gateway the orchestrator talks to.
func (o *Orchestrator) Gateway() gateway.Gateway {
	return o.gw
}

// Request is one execution with optional progress callbacks.
type Request struct {
	Graph workflow.Graph
	// Submitted is called once the engine has accepted the job.
	Submitted func(gateway.JobHandle)
	// Progress receives human-readable status lines.
	Progress func(string)
}

func (r Request) progress(format string, args ...any) {
	if r.Progress != nil {
		r.Progress(fmt.Sprintf(format, args...))
	}
}

// Execute submits graph, waits for it to settle and aggregates its outputs.
func (o *Orchestrator) Execute(ctx context.Context, graph workflow.Graph) (*Result, error) {
	return o.Run(ctx, Request{Graph: graph})
}

// Run is Execute with progress reporting. Any failure ends the run; nothing
// is retried and no partial result is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	h, err := o.gw.SubmitJob(ctx, req.Graph, o.clientID)
	if err != nil {
		executionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, fmt.Errorf("submit workflow: %w", err)
	}
	o.logger.Info("job submitted", "prompt_id", h.PromptID, "number", h.Number)
	if req.Submitted != nil {
		req.Submitted(h)
	}
	req.progress("submitted job %s (queue number %d)", h.PromptID, h.Number)

	polls, err := o.settle(ctx, h.PromptID, req)
	if err != nil {
		executionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	req.progress("job %s left the queue after %d polls", h.PromptID, polls)

	res, err := o.Aggregate(ctx, h.PromptID)
	if err != nil {
		executionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	executionsTotal.WithLabelValues(outcomeOK).Inc()

	o.logger.Info("job finished",
		"prompt_id", h.PromptID,
		"nodes", len(res.Outputs),
		"images", res.Count(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	req.progress("job %s produced %d images across %d nodes", h.PromptID, res.Count(), len(res.Outputs))
	return res, nil
}

// Settle polls the engine's queue until jobID is neither running nor pending.
// A fresh snapshot is read on every iteration. Queue read errors end the wait
// immediately, as does cancellation of ctx.
func (o *Orchestrator) Settle(ctx context.Context, jobID string) error {
	_, err := o.settle(ctx, jobID, Request{})
	return err
}

func (o *Orchestrator) settle(ctx context.Context, jobID string, req Request) (int, error) {
	start := time.Now()
	defer func() {
		settleDuration.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(o.interval)
	defer timer.Stop()

	for polls := 1; ; polls++ {
		snap, err := o.gw.QueueState(ctx)
		pollsTotal.Inc()
		if err != nil {
			return polls, fmt.Errorf("poll queue for job %s: %w", jobID, err)
		}
		if !snap.Contains(jobID) {
			return polls, nil
		}

		o.logger.Debug("job still queued",
			"prompt_id", jobID,
			"poll", polls,
			"running", len(snap.Running),
			"pending", len(snap.Pending),
		)
		if polls == 1 {
			req.progress("job %s queued (%d running, %d pending)", jobID, len(snap.Running), len(snap.Pending))
		}

		timer.Reset(o.interval)
		select {
		case <-ctx.Done():
			return polls, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-timer.C:
		}
	}
}

// Aggregate reads the history record of a settled job and collects the
// images of every node that produced any. A record the engine reports as
// failed is an ErrExecution carrying the engine's messages.
func (o *Orchestrator) Aggregate(ctx context.Context, jobID string) (*Result, error) {
	rec, err := o.gw.JobResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read result of job %s: %w", jobID, err)
	}
	if rec.Failed() {
		return nil, &gateway.Error{
			Kind:    gateway.ErrExecution,
			Op:      gateway.OpHistory,
			Payload: rec.Status.Messages,
			Err:     fmt.Errorf("job %s reported status %q", jobID, rec.Status.StatusStr),
		}
	}

	res := &Result{JobID: jobID, Outputs: make(map[string][]Artifact)}
	for nodeID, out := range rec.Outputs {
		if len(out.Images) == 0 {
			continue
		}
		artifacts := make([]Artifact, 0, len(out.Images))
		for _, desc := range out.Images {
			artifacts = append(artifacts, Artifact{Descriptor: desc, URL: o.gw.ArtifactURL(desc)})
		}
		res.Outputs[nodeID] = artifacts
	}
	return res, nil
}
