package metrics

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"TaskMarket-Chain/internal/events"
	"TaskMarket-Chain/internal/observability/alerting"
	"TaskMarket-Chain/internal/projection"
	"TaskMarket-Chain/internal/registry"
)

func TestRegistryObserver(t *testing.T) {
	before := testutil.ToFloat64(RegistryOperations.WithLabelValues("AcceptTask", "TASK_NOT_OPEN"))
	var obs RegistryObserver
	obs.ObserveOperation("AcceptTask", registry.ErrTaskNotOpen, time.Millisecond)
	obs.ObserveOperation("AcceptTask", nil, time.Millisecond)

	if got := testutil.ToFloat64(RegistryOperations.WithLabelValues("AcceptTask", "TASK_NOT_OPEN")); got != before+1 {
		t.Fatalf("expected failure counter to grow, got %v", got)
	}
	if got := testutil.ToFloat64(RegistryOperations.WithLabelValues("AcceptTask", "OK")); got < 1 {
		t.Fatalf("success not counted")
	}
}

func TestPublishAndAlertCounters(t *testing.T) {
	before := testutil.ToFloat64(EventsPublished.WithLabelValues("TaskCreated"))
	ObservePublished(events.Message{Kind: "TaskCreated"})
	if got := testutil.ToFloat64(EventsPublished.WithLabelValues("TaskCreated")); got != before+1 {
		t.Fatalf("publish not counted: %v", got)
	}

	var counter AlertCounter
	if err := counter.Notify(context.Background(), alerting.Event{Code: "QUEUE_FAILURE"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := testutil.ToFloat64(RelayAlerts.WithLabelValues("QUEUE_FAILURE")); got < 1 {
		t.Fatalf("alert not counted")
	}

	ObserveMirror(projection.Status{LastSeq: 9, LastBlock: 120})
	if testutil.ToFloat64(MirrorLastSeq) != 9 || testutil.ToFloat64(MirrorLastBlock) != 120 {
		t.Fatalf("mirror gauges not set")
	}
}

type staticStats struct{}

func (staticStats) TaskCount() uint64       { return 3 }
func (staticStats) EscrowBalance() *big.Int { return big.NewInt(250) }

func TestRegistryGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterRegistryGauges(reg, staticStats{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterRegistryGauges(reg, staticStats{}); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}

	expected := `
# HELP taskmarket_escrow_wei Funds held in escrow for unapproved tasks, in wei.
# TYPE taskmarket_escrow_wei gauge
taskmarket_escrow_wei 250
# HELP taskmarket_tasks Number of tasks ever created.
# TYPE taskmarket_tasks gauge
taskmarket_tasks 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "taskmarket_escrow_wei", "taskmarket_tasks"); err != nil {
		t.Fatalf("unexpected gauges: %v", err)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(Middleware)
	router.Get("/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/tasks/{id}", http.MethodGet, "404"))
	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/"+id, nil))
	}
	if got := testutil.ToFloat64(HTTPRequests.WithLabelValues("/tasks/{id}", http.MethodGet, "404")); got != before+2 {
		t.Fatalf("expected two requests under one pattern, got %v", got-before)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "taskmarket_http_requests_total") {
		t.Fatalf("metrics endpoint missing request counter")
	}
}
