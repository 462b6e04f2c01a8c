package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/seantiz/comfyflow/internal/comfytest"
	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/store"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

const txt2img = `{
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a red fox", "clip": ["4", 1]}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 5, "model": ["4", 0], "positive": ["6", 0], "latent_image": ["5", 0]}},
  "8": {"class_type": "VAEDecode", "inputs": {"samples": ["3", 0], "vae": ["4", 2]}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["8", 0], "filename_prefix": "e2e"}}
}`

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running service subprocess, its output and the fake
// engine it talks to.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	dbPath string
	fake   *comfytest.Engine
	engine string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "comfyflow-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "comfyflow")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/comfyflow")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, fake *comfytest.Engine) *serverProc {
	t.Helper()
	binary := getBinary(t)

	engineSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(engineSrv.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"COMFYFLOW_LISTEN_ADDR="+addr,
		"COMFYFLOW_DB_PATH="+dbPath,
		"COMFYFLOW_LOG_LEVEL=info",
		"COMFYFLOW_GATEWAYS=default="+engineSrv.URL,
		"COMFYFLOW_CLIENT_ID=e2e-client",
		"COMFYFLOW_POLL_INTERVAL=20ms",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		dbPath: dbPath,
		fake:   fake,
		engine: engineSrv.URL,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) submit(t *testing.T, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(sp.url+"/v1/executions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/executions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var x map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&x); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return x
}

func (sp *serverProc) waitForStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/v1/executions/" + id)
		if err != nil {
			t.Fatalf("GET execution: %v", err)
		}
		var x map[string]any
		err = json.NewDecoder(resp.Body).Decode(&x)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode execution: %v", err)
		}
		if x["status"] == want {
			return x
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach %q\nstdout:\n%s", id, want, sp.stdout.String())
	return nil
}

// The service waits out a foreign job ahead of its own and then serves the
// result, whose URLs read the same bytes the engine holds.
func TestExecutionBehindForeignJob(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 3
	fake.AddForeign("someone-elses-job")
	sp := startServer(t, fake)

	created := sp.submit(t, `{"workflow": `+txt2img+`, "overrides": {"6": {"text": "a snowy owl"}}}`)
	id, ok := created["id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", created["id"])
	}

	done := sp.waitForStatus(t, id, model.StatusCompleted)

	promptID, _ := done["prompt_id"].(string)
	g, clientID, ok := fake.Submitted(promptID)
	if !ok {
		t.Fatalf("engine has no job %q", promptID)
	}
	if clientID != "e2e-client" {
		t.Errorf("client_id = %q, want e2e-client", clientID)
	}
	if g["6"].Inputs["text"] != "a snowy owl" {
		t.Errorf("submitted text = %v", g["6"].Inputs["text"])
	}

	var result struct {
		Outputs map[string][]struct {
			URL string `json:"url"`
		} `json:"outputs"`
	}
	raw, _ := json.Marshal(done["result"])
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Outputs) != 1 || len(result.Outputs["9"]) != 1 {
		t.Fatalf("outputs = %+v, want one image from node 9", result.Outputs)
	}

	u := result.Outputs["9"][0].URL
	if !strings.HasPrefix(u, sp.engine+"/view?") {
		t.Errorf("url = %q, want engine /view URL", u)
	}
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("image bytes = %q", data)
	}
}

func TestMaterializedArtifacts(t *testing.T) {
	sp := startServer(t, comfytest.New())

	created := sp.submit(t, `{"workflow": `+txt2img+`, "materialize": true}`)
	id := created["id"].(string)
	sp.waitForStatus(t, id, model.StatusCompleted)

	resp, err := http.Get(sp.url + "/v1/executions/" + id + "/artifacts")
	if err != nil {
		t.Fatalf("GET artifacts: %v", err)
	}
	var artifacts []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&artifacts); err != nil {
		t.Fatalf("decode artifacts: %v", err)
	}
	resp.Body.Close()
	if len(artifacts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(artifacts))
	}

	filename := artifacts[0]["filename"].(string)
	resp, err = http.Get(sp.url + "/v1/executions/" + id + "/artifacts/" + filename)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, comfytest.ImageBytes(filename)) {
		t.Errorf("artifact bytes = %q", data)
	}
}

func TestFailedJobRecordsKind(t *testing.T) {
	fake := comfytest.New()
	fake.FailJobs = true
	sp := startServer(t, fake)

	created := sp.submit(t, `{"workflow": `+txt2img+`}`)
	failed := sp.waitForStatus(t, created["id"].(string), model.StatusFailed)

	if failed["error_kind"] != "execution" {
		t.Errorf("error_kind = %v, want execution", failed["error_kind"])
	}
	if msg, _ := failed["error"].(string); !strings.Contains(msg, "CUDA out of memory") {
		t.Errorf("error = %q, want the engine's message", msg)
	}
}

func TestEventStream(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 1 << 20
	sp := startServer(t, fake)

	created := sp.submit(t, `{"workflow": `+txt2img+`}`)
	id := created["id"].(string)
	sp.waitForStatus(t, id, model.StatusRunning)

	stream, err := http.Get(sp.url + "/v1/executions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, sp.url+"/v1/executions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}

	sawCancelled := false
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "data: cancelled" {
			sawCancelled = true
		}
		if line == "event: done" {
			break
		}
	}
	if !sawCancelled {
		t.Error("stream did not report the cancellation")
	}
	sp.waitForStatus(t, id, model.StatusKilled)
}

// SIGTERM records in-flight executions as killed and drains the HTTP server,
// even while a client follows the execution's event stream.
func TestGracefulShutdownKillsRunning(t *testing.T) {
	fake := comfytest.New()
	fake.Polls = 1 << 20
	sp := startServer(t, fake)

	created := sp.submit(t, `{"workflow": `+txt2img+`}`)
	id := created["id"].(string)
	sp.waitForStatus(t, id, model.StatusRunning)

	stream, err := http.Get(sp.url + "/v1/executions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server exited with %v\nstdout:\n%s", err, sp.stdout.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit after SIGTERM")
	}

	s, err := store.NewSQLiteStore(sp.dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	x, err := s.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if x.Status != model.StatusKilled {
		t.Errorf("status after shutdown = %q, want killed", x.Status)
	}
}

// Structured JSON logs are written to stdout on every request.
func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, comfytest.New())

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}

func TestMetricsExposed(t *testing.T) {
	sp := startServer(t, comfytest.New())

	created := sp.submit(t, `{"workflow": `+txt2img+`}`)
	sp.waitForStatus(t, created["id"].(string), model.StatusCompleted)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"comfyflow_http_requests_total",
		"comfyflow_gateway_requests_total",
		"comfyflow_queue_polls_total",
		"comfyflow_executions_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
