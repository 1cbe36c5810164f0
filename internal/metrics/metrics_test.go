package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		workerTasksTotal == nil || workerActiveTasks == nil ||
		ingestEventsTotal == nil || observersConnected == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestTaskLifecycle(t *testing.T) {
	Init()

	TaskStarted("monitor")
	TaskStarted("monitor")
	if val := testutil.ToFloat64(workerActiveTasks.WithLabelValues("monitor")); val != 2 {
		t.Errorf("expected 2 active monitor tasks, got %f", val)
	}
	TaskFinished("monitor", "cancelled")
	TaskFinished("monitor", "failed")
	if val := testutil.ToFloat64(workerActiveTasks.WithLabelValues("monitor")); val != 0 {
		t.Errorf("expected no active monitor tasks, got %f", val)
	}
	if val := testutil.ToFloat64(workerTasksTotal.WithLabelValues("monitor", "cancelled")); val != 1 {
		t.Errorf("expected one cancelled task, got %f", val)
	}
}

func TestIngestAndObservers(t *testing.T) {
	Init()

	ObserveIngest("accepted")
	ObserveIngest("accepted")
	if val := testutil.ToFloat64(ingestEventsTotal.WithLabelValues("accepted")); val != 2 {
		t.Errorf("expected 2 accepted events, got %f", val)
	}
	SetObservers(4)
	if val := testutil.ToFloat64(observersConnected); val != 4 {
		t.Errorf("expected 4 observers, got %f", val)
	}
	ObserveHTTPRequest("POST", "/monitors", 201, 20*time.Millisecond)
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "201")); val != 1 {
		t.Errorf("expected one POST 201, got %f", val)
	}
}
