package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	if err := Init(context.Background(), Options{ServiceName: "roost"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	m := NewMetrics()
	m.RecordInvocation(context.Background(), "main", "messages", "success", time.Second)
	m.RecordMailbox(context.Background(), "main", "send-message", "ok")
	m.RecordTaskFiring(context.Background(), "main", "cron")
	Shutdown(context.Background())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordInvocation(context.Background(), "main", "task", "error", time.Millisecond)
	m.RecordMailbox(context.Background(), "main", "pause-task", "unauthorized")
	m.RecordTaskFiring(context.Background(), "main", "once")
}
