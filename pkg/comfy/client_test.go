package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vyvo/compute/rental/pkg/workflow"
)

func testGraph() workflow.Graph {
	return workflow.Graph{
		"1": {ClassType: "KSampler", Inputs: map[string]any{"steps": 20.0}},
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Prompt workflow.Graph `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode submit body: %v", err)
		}
		if len(payload.Prompt) != 1 {
			t.Fatalf("graph not wrapped in prompt envelope: %+v", payload)
		}
		fmt.Fprint(w, `{"prompt_id":"job-1"}`)
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).Submit(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.ID != "job-1" || job.State != JobSubmitted {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "booting", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"prompt_id":"job-2"}`)
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).Submit(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if job.ID != "job-2" {
		t.Fatalf("unexpected job id: %s", job.ID)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still booting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Submit(context.Background(), testGraph())
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if got := calls.Load(); got != submitAttempts {
		t.Fatalf("expected %d attempts, got %d", submitAttempts, got)
	}
}

func TestSubmitRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Submit(context.Background(), testGraph())
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("a rejected graph must not be retried, got %d attempts", got)
	}
}

func TestPollStates(t *testing.T) {
	var body atomic.Value
	body.Store(`{}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/job-3" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, body.Load().(string))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	job := Job{ID: "job-3", State: JobSubmitted}

	// Absent from history right after submission: queued.
	job, err := client.Poll(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobQueued {
		t.Fatalf("expected queued, got %s", job.State)
	}

	// Still absent on a later poll: running.
	job, err = client.Poll(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobRunning {
		t.Fatalf("expected running, got %s", job.State)
	}

	// Completed with outputs.
	body.Store(`{"job-3":{"status":{"status_str":"success","completed":true},"outputs":{
		"9":{"images":[{"filename":"b.png","type":"output"}]},
		"4":{"images":[{"filename":"a.png","type":"output"}]}
	}}}`)
	job, err = client.Poll(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
	if len(job.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(job.Artifacts))
	}
	// Per-node order by node id.
	if job.Artifacts[0].Filename != "a.png" || job.Artifacts[1].Filename != "b.png" {
		t.Fatalf("unexpected artifact order: %+v", job.Artifacts)
	}
}

func TestPollFailureDiagnostic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"job-4":{"status":{"status_str":"error","completed":false,
			"messages":[["execution_start",{}],["execution_error",{"exception_message":"CUDA out of memory"}]]}}}`)
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).Poll(context.Background(), Job{ID: "job-4", State: JobRunning})
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Error != "CUDA out of memory" {
		t.Fatalf("unexpected diagnostic: %q", job.Error)
	}
}

func TestAwaitTerminalSucceeds(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			fmt.Fprint(w, `{}`)
			return
		}
		fmt.Fprint(w, `{"job-5":{"status":{"status_str":"success","completed":true},"outputs":{}}}`)
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).AwaitTerminal(context.Background(),
		Job{ID: "job-5", State: JobSubmitted}, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
}

func TestAwaitTerminalWallClockExceeded(t *testing.T) {
	var interrupted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/interrupt" {
			interrupted.Store(true)
			return
		}
		fmt.Fprint(w, `{}`) // never terminal
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).AwaitTerminal(context.Background(),
		Job{ID: "job-6", State: JobSubmitted}, 5*time.Millisecond, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("budget exhaustion is not an await error: %v", err)
	}
	if job.State != JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	if !interrupted.Load() {
		t.Fatal("expected a best-effort interrupt")
	}
}

func TestAwaitTerminalContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	job, err := NewClient(srv.URL).AwaitTerminal(ctx,
		Job{ID: "job-7", State: JobSubmitted}, 5*time.Millisecond, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.State != JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
}

func TestAwaitTerminalSurvivesTransientPollErrors(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			http.Error(w, "hiccup", http.StatusBadGateway)
		default:
			fmt.Fprint(w, `{"job-8":{"status":{"status_str":"success","completed":true},"outputs":{}}}`)
		}
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).AwaitTerminal(context.Background(),
		Job{ID: "job-8", State: JobRunning}, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobSucceeded {
		t.Fatalf("expected succeeded after transient error, got %s", job.State)
	}
}
