package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"civicplan/internal/config"
	"civicplan/internal/db"
	"civicplan/internal/engine"
	"civicplan/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) }
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, body)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "ok" {
		t.Fatalf("status field = %q", got["status"])
	}
}

func TestRunPipelineEndpoint(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline/run", map[string]any{"budget": 75000000})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, body)
	}
	var got RunPipelineResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID == "" {
		t.Fatalf("missing run_id")
	}
	if got.Summary.Candidates != 5 {
		t.Fatalf("candidates = %d, want 5", got.Summary.Candidates)
	}
	if len(got.ApprovedProjects) != 4 {
		t.Fatalf("approved = %d, want 4", len(got.ApprovedProjects))
	}
	if len(got.RejectedProjects) != 1 {
		t.Fatalf("rejected = %d, want 1", len(got.RejectedProjects))
	}
	for i, p := range got.ApprovedProjects {
		if p.DisplayPriority == nil || *p.DisplayPriority != i+1 {
			t.Fatalf("approved[%d] display priority = %v", i, p.DisplayPriority)
		}
	}
}

func TestRunPipelineRejectsBadBudget(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline/run", map[string]any{"budget": -1})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", res.StatusCode, body)
	}
	var got struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error.Code != "bad_request" {
		t.Fatalf("code = %q, body = %s", got.Error.Code, body)
	}

	// Non-numeric budget is rejected by schema validation, also as 400.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline/run", map[string]any{"budget": "lots"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", res.StatusCode, body)
	}
}

func TestReadEndpointsAfterRun(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	if res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline/run", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("run: status = %d, body = %s", res.StatusCode, body)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("projects: status = %d", res.StatusCode)
	}
	var projects []ProjectResponse
	if err := json.Unmarshal(body, &projects); err != nil {
		t.Fatalf("unmarshal projects: %v", err)
	}
	if len(projects) != 5 {
		t.Fatalf("projects = %d, want 5", len(projects))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schedule", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule: status = %d", res.StatusCode)
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(body, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("tasks = %d, want 4", len(tasks))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/calendar?resource_type=water_crew", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calendar: status = %d", res.StatusCode)
	}
	var calendar []CalendarResponse
	if err := json.Unmarshal(body, &calendar); err != nil {
		t.Fatalf("unmarshal calendar: %v", err)
	}
	if len(calendar) != 12 {
		t.Fatalf("calendar rows = %d, want 12", len(calendar))
	}
	for _, entry := range calendar {
		if entry.Allocated > entry.Capacity {
			t.Fatalf("week %d over-allocated: %d > %d", entry.WeekNumber, entry.Allocated, entry.Capacity)
		}
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?event_type=TASK_SCHEDULED", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: status = %d", res.StatusCode)
	}
	var audit []AuditResponse
	if err := json.Unmarshal(body, &audit); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(audit) != 4 {
		t.Fatalf("audit entries = %d, want 4", len(audit))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/report/validation", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validation: status = %d", res.StatusCode)
	}
	var report ValidationResponse
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected clean validation report, got %s", body)
	}
}

func TestInitEndpointReseeds(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	if res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline/run", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("run: status = %d, body = %s", res.StatusCode, body)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/init", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("init: status = %d, body = %s", res.StatusCode, body)
	}
	var got InitResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.OpenIssues != 7 {
		t.Fatalf("open issues = %d, want 7", got.OpenIssues)
	}

	// Reseeding clears pipeline outputs.
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schedule", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule: status = %d", res.StatusCode)
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(body, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks after reseed = %d, want 0", len(tasks))
	}
}
