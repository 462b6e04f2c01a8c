// Package comfytest provides an in-process fake of a ComfyUI-compatible
// execution engine. Jobs stay queued for a configurable number of queue polls
// and then finish with deterministic image outputs.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// pngMagic prefixes every generated image so the bytes look like a PNG.
const pngMagic = "\x89PNG\r\n\x1a\n"

type job struct {
	graph     workflow.Graph
	clientID  string
	remaining int
	record    *gateway.JobRecord
}

// Engine is a fake execution engine. Configure the exported fields before
// serving requests.
type Engine struct {
	// Polls is how many /queue reads a job stays queued for. Zero means the
	// job is already settled on the first read.
	Polls int

	// Reject, when set, is returned as the "error" document of every submission.
	Reject json.RawMessage

	// FailJobs records every finished job with status "error".
	FailJobs bool

	// Outputs overrides the images produced per node. When nil, every
	// SaveImage and PreviewImage node produces one image.
	Outputs map[string][]gateway.ArtifactDescriptor

	mu         sync.Mutex
	jobs       map[string]*job
	order      []string
	foreign    []string
	images     map[gateway.ArtifactDescriptor][]byte
	queuePolls int
	interrupts int
	viewHits   map[gateway.ArtifactDescriptor]int
}

// New creates an idle engine.
func New() *Engine {
	return &Engine{
		jobs:     make(map[string]*job),
		images:   make(map[gateway.ArtifactDescriptor][]byte),
		viewHits: make(map[gateway.ArtifactDescriptor]int),
	}
}

// Handler returns the engine's HTTP API.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/prompt", e.handlePrompt)
	r.Get("/prompt", e.handlePromptInfo)
	r.Get("/queue", e.handleQueue)
	r.Get("/history", e.handleHistoryAll)
	r.Post("/history", e.handleEditHistory)
	r.Get("/history/{id}", e.handleHistory)
	r.Get("/view", e.handleView)
	r.Post("/upload/image", e.handleUpload)
	r.Post("/interrupt", e.handleInterrupt)
	r.Get("/system_stats", e.handleSystemStats)
	r.Get("/embeddings", e.handleEmbeddings)
	r.Get("/object_info", e.handleObjectInfo)
	r.Get("/object_info/{class}", e.handleObjectInfo)
	return r
}

// AddForeign puts a job submitted by someone else at the head of the running
// queue. It stays there until RemoveForeign.
func (e *Engine) AddForeign(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.foreign = append(e.foreign, id)
}

// RemoveForeign takes a foreign job out of the queue.
func (e *Engine) RemoveForeign(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.foreign = slices.DeleteFunc(e.foreign, func(s string) bool { return s == id })
}

// QueuePolls returns how many times /queue was read.
func (e *Engine) QueuePolls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queuePolls
}

// Interrupts returns how many times /interrupt was called.
func (e *Engine) Interrupts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupts
}

// ViewHits returns how many times desc was downloaded.
func (e *Engine) ViewHits(desc gateway.ArtifactDescriptor) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewHits[desc]
}

// Submitted returns the graph and client id of a submitted job.
func (e *Engine) Submitted(id string) (workflow.Graph, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, "", false
	}
	return j.graph, j.clientID, true
}

// PutImage stores bytes retrievable through /view.
func (e *Engine) PutImage(desc gateway.ArtifactDescriptor, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[desc] = data
}

// ImageBytes returns the bytes the engine generates for filename.
func ImageBytes(filename string) []byte {
	return []byte(pngMagic + filename)
}

func (e *Engine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   workflow.Graph `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"type": "invalid_prompt", "message": err.Error()},
		})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.Reject) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       e.Reject,
			"node_errors": map[string]any{},
		})
		return
	}

	id := uuid.NewString()
	j := &job{graph: req.Prompt, clientID: req.ClientID, remaining: e.Polls}
	e.jobs[id] = j
	e.order = append(e.order, id)
	if j.remaining == 0 {
		e.finish(id, j)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id":   id,
		"number":      len(e.order) - 1,
		"node_errors": map[string]any{},
	})
}

func (e *Engine) handlePromptInfo(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := len(e.foreign)
	for _, j := range e.jobs {
		if j.record == nil {
			remaining++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exec_info": map[string]int{"queue_remaining": remaining},
	})
}

// handleQueue reports queued jobs and then advances every queued job by one poll.
func (e *Engine) handleQueue(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queuePolls++

	ids := slices.Clone(e.foreign)
	for _, id := range e.order {
		if e.jobs[id].record == nil {
			ids = append(ids, id)
		}
	}

	running := []any{}
	pending := []any{}
	for i, id := range ids {
		entry := []any{i, id, map[string]any{}, map[string]any{}, []string{}}
		if i == 0 {
			running = append(running, entry)
		} else {
			pending = append(pending, entry)
		}
	}

	for _, id := range e.order {
		j := e.jobs[id]
		if j.record != nil {
			continue
		}
		j.remaining--
		if j.remaining <= 0 {
			e.finish(id, j)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_running": running,
		"queue_pending": pending,
	})
}

// finish records the job's history entry. Callers hold e.mu.
func (e *Engine) finish(id string, j *job) {
	outputs := make(map[string]gateway.NodeOutput)
	if e.Outputs != nil {
		for nodeID, descs := range e.Outputs {
			outputs[nodeID] = gateway.NodeOutput{Images: slices.Clone(descs)}
			for _, d := range descs {
				if _, ok := e.images[d]; !ok {
					e.images[d] = ImageBytes(d.Filename)
				}
			}
		}
	} else {
		for _, nodeID := range workflow.SortNodeIDs(slices.Collect(maps.Keys(j.graph))) {
			n := j.graph[nodeID]
			var typ string
			switch n.ClassType {
			case "SaveImage":
				typ = "output"
			case "PreviewImage":
				typ = "temp"
			default:
				continue
			}
			d := gateway.ArtifactDescriptor{
				Filename: fmt.Sprintf("ComfyUI_%s_%s_00001_.png", id[:8], nodeID),
				Type:     typ,
			}
			e.images[d] = ImageBytes(d.Filename)
			outputs[nodeID] = gateway.NodeOutput{Images: []gateway.ArtifactDescriptor{d}}
		}
	}

	status := gateway.JobStatus{StatusStr: gateway.JobStatusSuccess, Completed: true}
	if e.FailJobs {
		status = gateway.JobStatus{
			StatusStr: gateway.JobStatusError,
			Messages:  json.RawMessage(`[["execution_error",{"exception_message":"CUDA out of memory"}]]`),
		}
	}
	j.record = &gateway.JobRecord{Outputs: outputs, Status: status}
}

func (e *Engine) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e.mu.Lock()
	defer e.mu.Unlock()

	reply := map[string]*gateway.JobRecord{}
	if j, ok := e.jobs[id]; ok && j.record != nil {
		reply[id] = j.record
	}
	writeJSON(w, http.StatusOK, reply)
}

func (e *Engine) handleHistoryAll(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reply := map[string]*gateway.JobRecord{}
	for id, j := range e.jobs {
		if j.record != nil {
			reply[id] = j.record
		}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (e *Engine) handleEditHistory(w http.ResponseWriter, r *http.Request) {
	var edit gateway.HistoryEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, j := range e.jobs {
		if j.record == nil {
			continue
		}
		if edit.Clear || slices.Contains(edit.Delete, id) {
			delete(e.jobs, id)
			e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	desc := gateway.ArtifactDescriptor{
		Filename:  q.Get("filename"),
		Subfolder: q.Get("subfolder"),
		Type:      q.Get("type"),
	}

	e.mu.Lock()
	data, ok := e.images[desc]
	if ok {
		e.viewHits[desc]++
	}
	e.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (e *Engine) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	desc := gateway.ArtifactDescriptor{Filename: hdr.Filename, Type: "input"}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.images[desc]; exists && !strings.EqualFold(r.FormValue("overwrite"), "true") {
		ext := ""
		if i := strings.LastIndex(desc.Filename, "."); i >= 0 {
			ext = desc.Filename[i:]
		}
		desc.Filename = fmt.Sprintf("%s (1)%s", strings.TrimSuffix(desc.Filename, ext), ext)
	}
	e.images[desc] = data
	writeJSON(w, http.StatusOK, gateway.UploadResult{Name: desc.Filename, Subfolder: desc.Subfolder, Type: desc.Type})
}

func (e *Engine) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	e.interrupts++
	e.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"system":  map[string]any{"os": "posix", "comfyui_version": "comfytest"},
		"devices": []any{},
	})
}

func (e *Engine) handleEmbeddings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []string{"easynegative"})
}

func (e *Engine) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	if class == "" {
		class = "SaveImage"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		class: map[string]any{"name": class, "output_node": class == "SaveImage"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
