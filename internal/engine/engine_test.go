package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/comfyflow/internal/comfytest"
	"github.com/seantiz/comfyflow/internal/engine"
	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/orchestrator"
	"github.com/seantiz/comfyflow/internal/store"
	"github.com/seantiz/comfyflow/internal/workflow"
)

const testGraph = `{
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a red fox", "clip": ["4", 1]}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["4", 0], "filename_prefix": "fox"}}
}`

func newTestEngine(t *testing.T, fake *comfytest.Engine) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ts := httptest.NewServer(fake.Handler())
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c, err := gateway.NewClient(ts.URL, ts.Client(), logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	reg := gateway.NewRegistry()
	reg.Register(gateway.DefaultName, c)

	eng := engine.NewEngine(s, reg, logger, engine.Options{
		ClientID:     "engine-test",
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(eng.Shutdown)
	return eng, s
}

func parseGraph(t *testing.T) workflow.Graph {
	t.Helper()
	g, err := workflow.Parse([]byte(testGraph))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		x, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if x.Status == expected {
			return x
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 2
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if x.Status != model.StatusPending {
		t.Errorf("returned status = %q, want pending", x.Status)
	}
	if x.Gateway != gateway.DefaultName {
		t.Errorf("gateway = %q, want %q", x.Gateway, gateway.DefaultName)
	}

	done := waitForStatus(t, s, x.ID, model.StatusCompleted, 5*time.Second)
	if done.PromptID == "" {
		t.Error("prompt_id not recorded")
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("timestamps not set")
	}
	if done.DurationMS == nil {
		t.Error("duration_ms not set")
	}

	var res orchestrator.Result
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.JobID != done.PromptID {
		t.Errorf("result job id = %q, want %q", res.JobID, done.PromptID)
	}
	if len(res.Outputs["9"]) != 1 {
		t.Errorf("outputs = %v, want one image for node 9", res.Outputs)
	}

	_, clientID, ok := fake.Submitted(done.PromptID)
	if !ok || clientID != "engine-test" {
		t.Errorf("engine saw client_id %q (found %v)", clientID, ok)
	}

	events, err := s.GetEvents(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) < 3 {
		t.Errorf("got %d events, want at least 3", len(events))
	}
}

func TestSubmitAppliesOverrides(t *testing.T) {
	fake := comfytest.New()
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{
		Workflow:  parseGraph(t),
		Overrides: map[string]map[string]any{"6": {"text": "a blue whale"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, s, x.ID, model.StatusCompleted, 5*time.Second)

	g, _, _ := fake.Submitted(done.PromptID)
	if g["6"].Inputs["text"] != "a blue whale" {
		t.Errorf("submitted text = %v", g["6"].Inputs["text"])
	}
	if !strings.Contains(string(done.Workflow), "a blue whale") {
		t.Error("stored workflow does not carry the override")
	}
}

func TestSubmitOverrideUnknownNode(t *testing.T) {
	eng, _ := newTestEngine(t, comfytest.New())

	_, err := eng.Submit(context.Background(), engine.Submission{
		Workflow:  parseGraph(t),
		Overrides: map[string]map[string]any{"99": {"seed": 1}},
	})
	if !errors.Is(err, workflow.ErrNodeNotFound) {
		t.Errorf("error = %v, want ErrNodeNotFound", err)
	}
}

func TestSubmitUnknownGateway(t *testing.T) {
	eng, _ := newTestEngine(t, comfytest.New())

	_, err := eng.Submit(context.Background(), engine.Submission{Gateway: "gpu9", Workflow: parseGraph(t)})
	if !errors.Is(err, engine.ErrUnknownGateway) {
		t.Errorf("error = %v, want ErrUnknownGateway", err)
	}
}

func TestSubmitRejected(t *testing.T) {
	fake := comfytest.New()
	fake.Reject = json.RawMessage(`{"type":"prompt_no_outputs","message":"Prompt has no outputs"}`)
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, x.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != "submission" {
		t.Errorf("error_kind = %q, want submission", failed.ErrorKind)
	}
	if !strings.Contains(failed.Error, "Prompt has no outputs") {
		t.Errorf("error = %q, want engine message", failed.Error)
	}
	if fake.QueuePolls() != 0 {
		t.Errorf("queue polled %d times after rejected submission", fake.QueuePolls())
	}
}

func TestSubmitEngineFailure(t *testing.T) {
	fake := comfytest.New()
	fake.FailJobs = true
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, x.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != "execution" {
		t.Errorf("error_kind = %q, want execution", failed.ErrorKind)
	}
}

func TestSubmitTimeout(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 1 << 20
	eng, s := newTestEngine(t, fake)

	timeout := 1
	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t), TimeoutS: &timeout})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, x.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != "timeout" {
		t.Errorf("error_kind = %q, want timeout", failed.ErrorKind)
	}
	if !strings.Contains(failed.Error, "timed out") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestCancel(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 1 << 20
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, x.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Cancel(context.Background(), x.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	killed := waitForStatus(t, s, x.ID, model.StatusKilled, 5*time.Second)
	if killed.FinishedAt == nil {
		t.Error("finished_at not set for killed execution")
	}

	eng.Wait()
	if err := eng.Cancel(context.Background(), x.ID); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("second Cancel error = %v, want ErrNotRunning", err)
	}
}

func TestCancelUnknown(t *testing.T) {
	eng, _ := newTestEngine(t, comfytest.New())

	if err := eng.Cancel(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want store.ErrNotFound", err)
	}
}

func TestSubmitMaterialize(t *testing.T) {
	fake := comfytest.New()
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t), Materialize: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, s, x.ID, model.StatusCompleted, 5*time.Second)

	artifacts, err := s.ListArtifacts(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(artifacts))
	}
	a, err := s.GetArtifact(context.Background(), x.ID, artifacts[0].Filename)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if string(a.Data) != string(comfytest.ImageBytes(a.Filename)) {
		t.Errorf("artifact bytes = %q", a.Data)
	}
	if a.NodeID != "9" {
		t.Errorf("node id = %q, want 9", a.NodeID)
	}
	if !strings.HasPrefix(a.Filename, "ComfyUI_"+done.PromptID[:8]) {
		t.Errorf("filename = %q", a.Filename)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 3
	eng, s := newTestEngine(t, fake)

	ids := make([]string, 5)
	for i := range ids {
		x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
		ids[i] = x.ID
	}

	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}

func TestSubscribeReceivesProgress(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 1 << 20
	eng, s := newTestEngine(t, fake)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := eng.Broker().Subscribe(x.ID)
	defer unsub()

	waitForStatus(t, s, x.ID, model.StatusRunning, 5*time.Second)
	if err := eng.Cancel(context.Background(), x.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var lines []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			lines = append(lines, ev.Line)
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
	if len(lines) == 0 || lines[len(lines)-1] != "cancelled" {
		t.Errorf("lines = %v, want trailing cancelled", lines)
	}
}

// artifactlessStore refuses to store artifacts.
type artifactlessStore struct {
	store.Store
}

func (artifactlessStore) PutArtifact(context.Context, *model.StoredArtifact) error {
	return errors.New("disk full")
}

func TestSubmitMaterializeFailureDropsResult(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ts := httptest.NewServer(comfytest.New().Handler())
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c, err := gateway.NewClient(ts.URL, ts.Client(), logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	reg := gateway.NewRegistry()
	reg.Register(gateway.DefaultName, c)
	eng := engine.NewEngine(artifactlessStore{s}, reg, logger, engine.Options{PollInterval: 10 * time.Millisecond})
	t.Cleanup(eng.Shutdown)

	x, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t), Materialize: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, x.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != "persistence" {
		t.Errorf("error_kind = %q, want persistence", failed.ErrorKind)
	}
	if len(failed.Result) != 0 {
		t.Errorf("result = %s, want none for a failed execution", failed.Result)
	}
}

func TestCancelOrphanedExecution(t *testing.T) {
	eng, s := newTestEngine(t, comfytest.New())
	ctx := context.Background()

	tests := []struct {
		name   string
		status string
	}{
		{"pending", model.StatusPending},
		{"running", model.StatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &model.Execution{
				ID: model.NewID(), Status: model.StatusPending,
				Gateway: gateway.DefaultName, ClientID: "c", CreatedAt: time.Now().UTC(),
			}
			if err := s.CreateExecution(ctx, x); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			if tt.status != model.StatusPending {
				if err := s.UpdateExecutionStatus(ctx, x.ID, tt.status); err != nil {
					t.Fatalf("UpdateExecutionStatus: %v", err)
				}
			}

			if err := eng.Cancel(ctx, x.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			got, err := s.GetExecution(ctx, x.ID)
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.Status != model.StatusKilled {
				t.Errorf("status = %q, want killed", got.Status)
			}
			if got.FinishedAt == nil {
				t.Error("finished_at not set")
			}

			if err := eng.Cancel(ctx, x.ID); !errors.Is(err, engine.ErrNotRunning) {
				t.Errorf("second Cancel error = %v, want ErrNotRunning", err)
			}
		})
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	eng, s := newTestEngine(t, comfytest.New())
	eng.Shutdown()

	_, err := eng.Submit(context.Background(), engine.Submission{Workflow: parseGraph(t)})
	if !errors.Is(err, engine.ErrShuttingDown) {
		t.Fatalf("error = %v, want ErrShuttingDown", err)
	}
	_, total, err := s.ListExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 0 {
		t.Errorf("stored %d executions after shutdown", total)
	}
}
