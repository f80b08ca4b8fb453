package e2e

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/serverless"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

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

// serverProc holds a running binary and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	addr   string
}

func (sp *serverProc) url() string { return "http://" + sp.addr }

func (sp *serverProc) stop() {
	sp.cmd.Process.Kill()
	sp.cmd.Wait()
}

var (
	binDir   string
	buildMu  sync.Mutex
	builtBin = map[string]string{}
)

// getBinary builds ./cmd/<name> once per test run.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}

	buildMu.Lock()
	defer buildMu.Unlock()
	if bin, ok := builtBin[name]; ok {
		return bin
	}

	if binDir == "" {
		dir, err := os.MkdirTemp("", "taskd-e2e-*")
		if err != nil {
			t.Fatalf("temp dir: %v", err)
		}
		binDir = dir
	}

	binary := filepath.Join(binDir, name)
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = findRepoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", name, err, out)
	}
	builtBin[name] = binary
	return binary
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

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startProc(t *testing.T, binary string, addr string, env ...string) *serverProc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(), "TASKD_LOG_LEVEL=debug", "TASKD_CONFIG=")
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}

	sp := &serverProc{cmd: cmd, stdout: stdout, addr: addr}
	t.Cleanup(sp.stop)
	return sp
}

// startServer runs taskd and waits for /healthz.
func startServer(t *testing.T, env ...string) *serverProc {
	t.Helper()
	addr := freeAddr(t)
	sp := startProc(t, getBinary(t, "taskd"), addr, append([]string{"TASKD_LISTEN_ADDR=" + addr}, env...)...)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url() + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout(sp))
	return nil
}

func stdout(sp *serverProc) string { return sp.stdout.String() }

func submit(t *testing.T, sp *serverProc, kind, body string) model.Snapshot {
	t.Helper()
	resp, err := http.Post(sp.url()+"/v1/tasks/"+kind, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks/%s: %v", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d, body = %s", resp.StatusCode, b)
	}

	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return snap
}

func getJob(t *testing.T, sp *serverProc, id string, keep bool) (int, model.Snapshot) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s?keep_in_memory=%t", sp.url(), id, keep))
	if err != nil {
		t.Fatalf("GET /v1/jobs/%s: %v", id, err)
	}
	defer resp.Body.Close()

	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode job response: %v", err)
	}
	return resp.StatusCode, snap
}

// waitTerminal polls a job, keeping its result, until it is terminal.
func waitTerminal(t *testing.T, sp *serverProc, id string) model.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		code, snap := getJob(t, sp, id, true)
		if code == http.StatusOK && model.IsTerminal(snap.Status) {
			return snap
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not finish\nstdout:\n%s", id, stdout(sp))
	return model.Snapshot{}
}

func TestServerStartsAndServesHealth(t *testing.T) {
	sp := startServer(t)

	for _, path := range []string{"/healthz", "/status", "/metrics", "/v1/tasks"} {
		resp, err := http.Get(sp.url() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSubmitAndRetrieve(t *testing.T) {
	sp := startServer(t)

	created := submit(t, sp, "echo", `{"text":"end to end"}`)
	if created.ID == "" {
		t.Fatal("submit returned no id")
	}

	snap := waitTerminal(t, sp, created.ID)
	if snap.Status != model.StatusFinished || snap.Result != "end to end" {
		t.Errorf("snapshot = %+v, want finished echo", snap)
	}

	// Without keep_in_memory the result is handed out once.
	if code, _ := getJob(t, sp, created.ID, false); code != http.StatusOK {
		t.Errorf("first take status = %d, want 200", code)
	}
	code, gone := getJob(t, sp, created.ID, false)
	if code != http.StatusNotFound {
		t.Errorf("second take status = %d, want 404", code)
	}
	if gone.Message == nil || *gone.Message != "Job not found." {
		t.Errorf("not found message = %v", gone.Message)
	}
}

func TestTimeoutReported(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Post(sp.url()+"/v1/tasks/sleep?timeout_s=0.1", "application/json", strings.NewReader(`{"seconds":5}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var created model.Snapshot
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	snap := waitTerminal(t, sp, created.ID)
	if snap.Status != model.StatusTimeout {
		t.Errorf("status = %q, want %q", snap.Status, model.StatusTimeout)
	}
}

func TestGzippedJobEndpoint(t *testing.T) {
	sp := startServer(t)

	created := submit(t, sp, "echo", `{"text":"zipped"}`)
	waitTerminal(t, sp, created.ID)

	resp, err := http.Get(sp.url() + "/job?return_format=gzipped&job_id=" + created.ID)
	if err != nil {
		t.Fatalf("GET /job: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q, want application/gzip", ct)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var snap model.Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		t.Fatalf("decode gzipped snapshot: %v", err)
	}
	if snap.Result != "zipped" {
		t.Errorf("result = %v, want zipped", snap.Result)
	}
}

func TestSQLiteResultsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskd.db")
	env := []string{"TASKD_STORE=sqlite", "TASKD_DB_PATH=" + dbPath}

	first := startServer(t, env...)
	created := submit(t, first, "echo", `{"text":"durable"}`)
	waitTerminal(t, first, created.ID)
	first.stop()

	second := startServer(t, env...)
	code, snap := getJob(t, second, created.ID, false)
	if code != http.StatusOK {
		t.Fatalf("status after restart = %d, want 200\nstdout:\n%s", code, stdout(second))
	}
	if snap.Result != "durable" {
		t.Errorf("result = %v, want durable", snap.Result)
	}
}

func TestServerlessAgentOverTCP(t *testing.T) {
	addr := freeAddr(t)
	sp := startProc(t, getBinary(t, "taskd-serverless"), addr,
		"TASKD_SERVERLESS_TRANSPORT=tcp",
		"TASKD_SERVERLESS_ADDR="+addr,
	)

	var conn net.Conn
	deadline := time.Now().Add(startupTimeout)
	for {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			conn = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent did not listen within %v\nstdout:\n%s", startupTimeout, stdout(sp))
		}
		time.Sleep(pollInterval)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var updates []engine.Update
	snap, err := serverless.Call(ctx, conn, serverless.Request{
		Path:  "count",
		Input: map[string]any{"n": 3, "interval_s": 0.01},
	}, func(u engine.Update) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if snap.Status != model.StatusFinished {
		t.Errorf("status = %q, want %q", snap.Status, model.StatusFinished)
	}
	if len(updates) == 0 {
		t.Error("no progress frames received")
	}
}
