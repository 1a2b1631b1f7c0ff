// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/jobworker/lib/orchestrator"
	"github.com/bureau-foundation/jobworker/lib/testutil"
)

type fakeOrchestrator struct {
	mutex       sync.Mutex
	status      orchestrator.Status
	shutdownErr error
	shutdowns   int
}

func (f *fakeOrchestrator) Status() orchestrator.Status {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.status
}

func (f *fakeOrchestrator) Shutdown(context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.shutdowns++
	return f.shutdownErr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(Server{Orchestrator: &fakeOrchestrator{}}.Router())
	defer server.Close()

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d", response.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	fake := &fakeOrchestrator{status: orchestrator.Status{
		State: "running", JobID: "job-7", Progress: 40, Milestones: []string{"planning"},
	}}
	server := httptest.NewServer(Server{Orchestrator: fake, AgentID: "worker-1"}.Router())
	defer server.Close()

	response, err := http.Get(server.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["agent_id"] != "worker-1" || body["job_id"] != "job-7" || body["state"] != "running" {
		t.Errorf("body = %v", body)
	}
	if body["progress"] != float64(40) {
		t.Errorf("progress = %v", body["progress"])
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        orchestrator.Status
		shutdownErr   error
		wantCode      int
		wantShutdowns int
	}{
		{"idle", orchestrator.Status{State: "idle"}, nil, http.StatusOK, 0},
		{"running", orchestrator.Status{State: "running", JobID: "j"}, nil, http.StatusOK, 1},
		{"stuck", orchestrator.Status{State: "running", JobID: "j"}, context.DeadlineExceeded, http.StatusGatewayTimeout, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeOrchestrator{status: test.status, shutdownErr: test.shutdownErr}
			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodPost, "/v1/terminate", nil)
			Server{Orchestrator: fake}.Router().ServeHTTP(recorder, request)

			if recorder.Code != test.wantCode {
				t.Errorf("code = %d, want %d", recorder.Code, test.wantCode)
			}
			if fake.shutdowns != test.wantShutdowns {
				t.Errorf("shutdowns = %d, want %d", fake.shutdowns, test.wantShutdowns)
			}
		})
	}
}

func TestTerminateRequiresPost(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	Server{Orchestrator: &fakeOrchestrator{}}.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/terminate", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", recorder.Code)
	}
}

func TestServeListenerStopsWithContext(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Server{Orchestrator: &fakeOrchestrator{}}.ServeListener(ctx, listener)
	}()

	var response *http.Response
	for attempt := 0; attempt < 50; attempt++ {
		response, err = http.Get("http://" + listener.Addr().String() + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	response.Body.Close()

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("ServeListener = %v", err)
	}
}
