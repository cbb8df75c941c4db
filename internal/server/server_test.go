package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sevir/officepool/internal/pool"
	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/internal/store"
	"github.com/sevir/officepool/pkg/models"
)

type fakePool struct {
	mu        sync.Mutex
	state     models.PoolState
	slots     []models.SlotInfo
	recycled  []int
	recycleFn func(int) error
}

func (p *fakePool) ID() string { return "test-pool" }

func (p *fakePool) State() models.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePool) Slots() []models.SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SlotInfo(nil), p.slots...)
}

func (p *fakePool) RecycleSlot(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recycleFn != nil {
		if err := p.recycleFn(index); err != nil {
			return err
		}
	}
	p.recycled = append(p.recycled, index)
	return nil
}

type testEnv struct {
	srv    *Server
	pool   *fakePool
	events *store.FileStore
	logDir string
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()

	events, err := store.NewFileStore(filepath.Join(tmpDir, "events.json"), 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	fp := &fakePool{
		state: models.PoolStateStarted,
		slots: []models.SlotInfo{
			{Index: 0, Endpoint: "socket,host=127.0.0.1,port=2002", State: models.SlotStateRunning, Pid: 100},
			{Index: 1, Endpoint: "socket,host=127.0.0.1,port=2003", State: models.SlotStateRunning, Pid: 101, Busy: true},
		},
	}

	logDir := filepath.Join(tmpDir, "logs")
	srv := New(Config{
		Addr:    ":0",
		Pool:    fp,
		Events:  events,
		LogDir:  logDir,
		Version: "1.2.3",
		Commit:  "abc",
	})
	return &testEnv{srv: srv, pool: fp, events: events, logDir: logDir}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Status string                   `json:"status"`
		Slots  int                      `json:"slots"`
		Busy   int                      `json:"busy"`
		States map[models.SlotState]int `json:"states"`
	}
	decode(t, w, &resp)
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %q", resp.Status)
	}
	if resp.Slots != 2 || resp.Busy != 1 {
		t.Errorf("Expected 2 slots with 1 busy, got %d/%d", resp.Slots, resp.Busy)
	}
	if resp.States[models.SlotStateRunning] != 2 {
		t.Errorf("Expected 2 running slots, got %v", resp.States)
	}
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	env := setupTestServer(t)
	env.pool.slots[1].State = models.SlotStateCrashed

	w := env.do(t, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}
}

func TestHealthEndpoint_Stopped(t *testing.T) {
	env := setupTestServer(t)
	env.pool.state = models.PoolStateShutdown

	w := env.do(t, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "OPTIONS", "/api/slots")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected CORS origin '*', got %q", got)
	}
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/version")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["version"] != "1.2.3" || resp["commit"] != "abc" {
		t.Errorf("Unexpected version response: %v", resp)
	}
}

func TestAPISlots(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/slots")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		State models.PoolState  `json:"state"`
		Slots []models.SlotInfo `json:"slots"`
	}
	decode(t, w, &resp)
	if resp.State != models.PoolStateStarted {
		t.Errorf("Expected pool state started, got %s", resp.State)
	}
	if len(resp.Slots) != 2 || resp.Slots[1].Pid != 101 {
		t.Errorf("Unexpected slots: %+v", resp.Slots)
	}
}

func TestAPISlotRestart(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/slots/0/restart")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.pool.recycled) != 1 || env.pool.recycled[0] != 0 {
		t.Errorf("Expected slot 0 to be recycled, got %v", env.pool.recycled)
	}
}

func TestAPISlotRestart_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"bad index", "/api/slots/x/restart", nil, http.StatusBadRequest},
		{"negative index", "/api/slots/-1/restart", nil, http.StatusBadRequest},
		{"not found", "/api/slots/9/restart", fmt.Errorf("%w: 9", pool.ErrSlotNotFound), http.StatusNotFound},
		{"busy", "/api/slots/1/restart", fmt.Errorf("%w: 1", pool.ErrSlotBusy), http.StatusConflict},
		{"transition", "/api/slots/1/restart", pool.ErrInvalidTransition, http.StatusConflict},
		{"not running", "/api/slots/0/restart", pool.ErrPoolNotRunning, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.pool.recycleFn = func(int) error { return tt.err }

			w := env.do(t, "POST", tt.path)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAPIEvents_FilterAndOrder(t *testing.T) {
	env := setupTestServer(t)

	records := []models.Event{
		{ID: "e1", Slot: 0, Type: models.EventStateChanged, State: models.SlotStateStarting},
		{ID: "e2", Slot: 0, Type: models.EventStateChanged, State: models.SlotStateRunning},
		{ID: "e3", Slot: 1, Type: models.EventTaskTimeout},
		{ID: "e4", Slot: 1, Type: models.EventRecycle},
		{ID: "e5", Slot: -1, Type: models.EventPoolStarted},
	}
	for _, ev := range records {
		env.events.Record(ev)
	}

	ids := func(path string) []string {
		t.Helper()
		w := env.do(t, "GET", path)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200 got %d: %s", path, w.Code, w.Body.String())
		}
		var resp struct {
			Events []models.Event `json:"events"`
		}
		decode(t, w, &resp)
		out := make([]string, 0, len(resp.Events))
		for _, ev := range resp.Events {
			out = append(out, ev.ID)
		}
		return out
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/events", "e5,e4,e3,e2,e1"},
		{"/api/events?slot=1", "e4,e3"},
		{"/api/events?type=task_timeout,recycle", "e4,e3"},
		{"/api/events?type=pool_started&type=task_timeout", "e5,e3"},
		{"/api/events?limit=2&offset=1", "e4,e3"},
		{"/api/events?slot=0&limit=1", "e2"},
	}
	for _, tt := range tests {
		if got := strings.Join(ids(tt.path), ","); got != tt.want {
			t.Errorf("GET %s: expected %s, got %s", tt.path, tt.want, got)
		}
	}
}

func TestAPIEvents_BadQuery(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/api/events?slot=a", "/api/events?limit=-1", "/api/events?offset=x"} {
		w := env.do(t, "GET", path)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestAPISlotLog(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/slots/0/log")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before any output, got %d", w.Code)
	}

	if err := os.MkdirAll(env.logDir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "[stdout] hello\n[stderr] world\n"
	if err := os.WriteFile(process.LogPath(env.logDir, 0), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, "GET", "/api/slots/0/log")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Content    string `json:"content"`
		NextOffset int64  `json:"next_offset"`
		Truncated  bool   `json:"truncated"`
	}
	decode(t, w, &resp)
	if resp.Content != content || resp.NextOffset != int64(len(content)) || resp.Truncated {
		t.Errorf("Unexpected log response: %+v", resp)
	}

	w = env.do(t, "GET", fmt.Sprintf("/api/slots/0/log?offset=%d", len("[stdout] hello\n")))
	decode(t, w, &resp)
	if resp.Content != "[stderr] world\n" {
		t.Errorf("Expected tail from offset, got %q", resp.Content)
	}

	if w := env.do(t, "GET", "/api/slots/5/log"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown slot, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/slots/0/log?offset=-3"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative offset, got %d", w.Code)
	}
}

func TestReadLogChunk_TailWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot-0.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	data, next, truncated, err := readLogChunk(path, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "6789" || next != 10 || !truncated {
		t.Errorf("Expected tail window, got %q next=%d truncated=%v", data, next, truncated)
	}

	data, next, truncated, err = readLogChunk(path, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "2345" || next != 6 || !truncated {
		t.Errorf("Expected capped chunk, got %q next=%d truncated=%v", data, next, truncated)
	}

	data, next, _, err = readLogChunk(path, 50, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 || next != 10 {
		t.Errorf("Expected empty read at end, got %q next=%d", data, next)
	}
}
