package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// fakeGateway is a scripted gateway. Queue reads return snapshots in order,
// repeating the last one once the script runs out; an empty script means
// an empty queue.
type fakeGateway struct {
	mu sync.Mutex

	handle    gateway.JobHandle
	submitErr error

	snapshots []gateway.QueueSnapshot
	queueErr  error

	records   map[string]*gateway.JobRecord
	resultErr error

	blobs    map[gateway.ArtifactDescriptor][]byte
	fetchErr error

	submits    int
	queueCalls int
	fetches    int
}

func (f *fakeGateway) SubmitJob(_ context.Context, _ workflow.Graph, _ string) (gateway.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return gateway.JobHandle{}, f.submitErr
	}
	return f.handle, nil
}

func (f *fakeGateway) QueueState(ctx context.Context) (gateway.QueueSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return gateway.QueueSnapshot{}, &gateway.Error{Kind: gateway.ErrTransport, Op: gateway.OpQueue, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	if f.queueErr != nil {
		return gateway.QueueSnapshot{}, f.queueErr
	}
	if len(f.snapshots) == 0 {
		return gateway.QueueSnapshot{}, nil
	}
	i := min(f.queueCalls-1, len(f.snapshots)-1)
	return f.snapshots[i], nil
}

func (f *fakeGateway) JobResult(_ context.Context, jobID string) (*gateway.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	rec, ok := f.records[jobID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.ErrJobRetrieval, Op: gateway.OpHistory, Err: gateway.ErrNotRecorded}
	}
	return rec, nil
}

func (f *fakeGateway) FetchArtifact(_ context.Context, desc gateway.ArtifactDescriptor) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.blobs[desc]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.ErrArtifactFetch, Op: gateway.OpView, Err: fmt.Errorf("%s not found", desc.Filename)}
	}
	return data, nil
}

func (f *fakeGateway) ArtifactURL(desc gateway.ArtifactDescriptor) string {
	q := url.Values{}
	q.Set("filename", desc.Filename)
	q.Set("subfolder", desc.Subfolder)
	q.Set("type", desc.Type)
	return "http://engine.test/view?" + q.Encode()
}

func (f *fakeGateway) calls() (submits, queue, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.queueCalls, f.fetches
}

func out(filenames ...string) gateway.NodeOutput {
	var o gateway.NodeOutput
	for _, fn := range filenames {
		o.Images = append(o.Images, gateway.ArtifactDescriptor{Filename: fn, Type: "output"})
	}
	return o
}

func successRecord(outputs map[string]gateway.NodeOutput) *gateway.JobRecord {
	return &gateway.JobRecord{
		Outputs: outputs,
		Status:  gateway.JobStatus{StatusStr: gateway.JobStatusSuccess, Completed: true},
	}
}
