package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/comfyflow/internal/workflow"
)

// maxResponseSize bounds JSON documents read from the engine.
const maxResponseSize = 32 << 20

// Engine operation names used in errors, logs and metrics.
const (
	OpSubmit       = "submit"
	OpQueue        = "queue"
	OpHistory      = "history"
	OpView         = "view"
	OpUpload       = "upload"
	OpInterrupt    = "interrupt"
	OpEditHistory  = "edit_history"
	OpEmbeddings   = "embeddings"
	OpObjectInfo   = "object_info"
	OpSystemStats  = "system_stats"
	OpViewMetadata = "view_metadata"
	OpPromptInfo   = "prompt_info"
)

// Compile-time interface satisfaction checks.
var (
	_ Gateway = (*Client)(nil)
	_ Admin   = (*Client)(nil)
)

// Client talks to a ComfyUI-compatible engine over its HTTP API.
// It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the engine at addr. addr may be a bare
// host:port, in which case http is assumed. A nil httpClient uses
// http.DefaultClient and a nil logger discards output.
func NewClient(addr string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("engine address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse engine address: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("engine address %q has no host", addr)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: base, http: httpClient, logger: logger}, nil
}

// BaseURL returns the engine's base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

type promptRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id,omitempty"`
}

// SubmitJob posts graph to /prompt. An error document in the reply (for
// example a validation failure) yields ErrSubmission with the raw payload.
func (c *Client) SubmitJob(ctx context.Context, graph workflow.Graph, clientID string) (JobHandle, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return JobHandle{}, newError(ErrSubmission, OpSubmit, fmt.Errorf("encode prompt: %w", err))
	}

	var h JobHandle
	if err := c.doJSON(ctx, OpSubmit, http.MethodPost, "/prompt", nil, bytes.NewReader(body), "application/json", ErrSubmission, &h); err != nil {
		return JobHandle{}, err
	}
	if h.PromptID == "" {
		return JobHandle{}, newError(ErrSubmission, OpSubmit, fmt.Errorf("reply has no prompt_id"))
	}
	return h, nil
}

type queueReply struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// QueueState reads /queue. Each queue entry is an array whose second element
// is the job id.
func (c *Client) QueueState(ctx context.Context) (QueueSnapshot, error) {
	var reply queueReply
	if err := c.doJSON(ctx, OpQueue, http.MethodGet, "/queue", nil, nil, "", ErrTransport, &reply); err != nil {
		return QueueSnapshot{}, err
	}

	running, err := queueIDs(reply.Running)
	if err != nil {
		return QueueSnapshot{}, newError(ErrTransport, OpQueue, err)
	}
	pending, err := queueIDs(reply.Pending)
	if err != nil {
		return QueueSnapshot{}, newError(ErrTransport, OpQueue, err)
	}
	return QueueSnapshot{Running: running, Pending: pending}, nil
}

func queueIDs(entries []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for i, raw := range entries {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", i, err)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("queue entry %d has %d fields", i, len(fields))
		}
		var id string
		if err := json.Unmarshal(fields[1], &id); err != nil {
			return nil, fmt.Errorf("queue entry %d id: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// JobResult reads /history/{jobID}. The reply is keyed by job id; a missing
// key means the engine has not recorded the job.
func (c *Client) JobResult(ctx context.Context, jobID string) (*JobRecord, error) {
	var reply map[string]*JobRecord
	path := "/history/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, OpHistory, http.MethodGet, path, nil, nil, "", ErrJobRetrieval, &reply); err != nil {
		return nil, err
	}
	rec, ok := reply[jobID]
	if !ok || rec == nil {
		return nil, newError(ErrJobRetrieval, OpHistory, fmt.Errorf("%w: %s", ErrNotRecorded, jobID))
	}
	return rec, nil
}

// History reads the engine's most recent history entries. maxItems <= 0
// returns everything the engine keeps.
func (c *Client) History(ctx context.Context, maxItems int) (map[string]*JobRecord, error) {
	q := url.Values{}
	if maxItems > 0 {
		q.Set("max_items", strconv.Itoa(maxItems))
	}
	var reply map[string]*JobRecord
	if err := c.doJSON(ctx, OpHistory, http.MethodGet, "/history", q, nil, "", ErrJobRetrieval, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ArtifactURL builds the /view retrieval URL for desc.
func (c *Client) ArtifactURL(desc ArtifactDescriptor) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/view"
	u.RawQuery = viewQuery(desc).Encode()
	return u.String()
}

func viewQuery(desc ArtifactDescriptor) url.Values {
	return url.Values{
		"filename":  {desc.Filename},
		"subfolder": {desc.Subfolder},
		"type":      {desc.Type},
	}
}

// FetchArtifact downloads the bytes addressed by desc from /view.
func (c *Client) FetchArtifact(ctx context.Context, desc ArtifactDescriptor) ([]byte, error) {
	resp, err := c.do(ctx, OpView, http.MethodGet, "/view", viewQuery(desc), nil, "")
	if err != nil {
		return nil, Wrap(ErrArtifactFetch, OpView, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ErrArtifactFetch, OpView, newError(ErrTransport, OpView, fmt.Errorf("read body: %w", err)))
	}
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues(OpView, outcomeEngineError).Inc()
		return nil, newError(ErrArtifactFetch, OpView, fmt.Errorf("%s: %w", desc.Filename, statusError(resp.StatusCode)))
	}
	requestsTotal.WithLabelValues(OpView, outcomeOK).Inc()
	return data, nil
}

// UploadResult names an image stored on the engine by UploadImage.
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadImage stores data on the engine as an input image. overwrite is only
// sent when non-nil.
func (c *Client) UploadImage(ctx context.Context, data []byte, filename string, overwrite *bool) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return UploadResult{}, newError(ErrTransport, OpUpload, err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, newError(ErrTransport, OpUpload, err)
	}
	if overwrite != nil {
		if err := mw.WriteField("overwrite", strconv.FormatBool(*overwrite)); err != nil {
			return UploadResult{}, newError(ErrTransport, OpUpload, err)
		}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, newError(ErrTransport, OpUpload, err)
	}

	var res UploadResult
	if err := c.doJSON(ctx, OpUpload, http.MethodPost, "/upload/image", nil, &buf, mw.FormDataContentType(), ErrTransport, &res); err != nil {
		return UploadResult{}, err
	}
	return res, nil
}

// Interrupt stops whatever the engine is currently executing. It is global to
// the engine, not scoped to a job.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, OpInterrupt, http.MethodPost, "/interrupt", nil, nil, "application/json", ErrTransport, nil)
}

// HistoryEdit clears or deletes history entries.
type HistoryEdit struct {
	Clear  bool     `json:"clear,omitempty"`
	Delete []string `json:"delete,omitempty"`
}

// EditHistory applies edit to the engine's history.
func (c *Client) EditHistory(ctx context.Context, edit HistoryEdit) error {
	body, err := json.Marshal(edit)
	if err != nil {
		return newError(ErrTransport, OpEditHistory, err)
	}
	return c.doJSON(ctx, OpEditHistory, http.MethodPost, "/history", nil, bytes.NewReader(body), "application/json", ErrTransport, nil)
}

// Embeddings lists the embedding names known to the engine.
func (c *Client) Embeddings(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.doJSON(ctx, OpEmbeddings, http.MethodGet, "/embeddings", nil, nil, "", ErrTransport, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ObjectInfo returns node class metadata, for one class when nodeClass is set.
func (c *Client) ObjectInfo(ctx context.Context, nodeClass string) (json.RawMessage, error) {
	path := "/object_info"
	if nodeClass != "" {
		path += "/" + url.PathEscape(nodeClass)
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, OpObjectInfo, http.MethodGet, path, nil, nil, "", ErrTransport, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SystemStats returns the engine's system and device report.
func (c *Client) SystemStats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, OpSystemStats, http.MethodGet, "/system_stats", nil, nil, "", ErrTransport, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ViewMetadata returns the metadata header of a model file in folder.
func (c *Client) ViewMetadata(ctx context.Context, folder, filename string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := "/view_metadata/" + url.PathEscape(folder)
	q := url.Values{"filename": {filename}}
	if err := c.doJSON(ctx, OpViewMetadata, http.MethodGet, path, q, nil, "", ErrTransport, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// PromptInfo is the engine's summary of its queue.
type PromptInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// PromptInfo reads GET /prompt.
func (c *Client) PromptInfo(ctx context.Context) (PromptInfo, error) {
	var info PromptInfo
	if err := c.doJSON(ctx, OpPromptInfo, http.MethodGet, "/prompt", nil, nil, "", ErrTransport, &info); err != nil {
		return PromptInfo{}, err
	}
	return info, nil
}

// do sends one request. A failure to get any reply is an ErrTransport.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, newError(ErrTransport, op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(op, outcomeTransport).Inc()
		return nil, newError(ErrTransport, op, err)
	}

	c.logger.Debug("engine request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// doJSON sends a request and decodes a JSON reply into v (skipped when v is
// nil). An error document in the reply becomes an *Error of kind with the
// payload attached; any other non-2xx reply or undecodable body is an
// ErrTransport.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string, kind error, v any) error {
	resp, err := c.do(ctx, op, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		requestsTotal.WithLabelValues(op, outcomeTransport).Inc()
		return newError(ErrTransport, op, fmt.Errorf("read body: %w", err))
	}

	if payload, ok := errorPayload(data); ok {
		requestsTotal.WithLabelValues(op, outcomeEngineError).Inc()
		return payloadError(kind, op, payload)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestsTotal.WithLabelValues(op, outcomeTransport).Inc()
		return newError(ErrTransport, op, statusError(resp.StatusCode))
	}

	requestsTotal.WithLabelValues(op, outcomeOK).Inc()
	if v == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newError(ErrTransport, op, fmt.Errorf("decode reply: %w", err))
	}
	return nil
}
