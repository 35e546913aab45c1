package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRow(t *testing.T) {
	before := testutil.ToFloat64(RowsTotal.WithLabelValues(OutcomeSkipped))
	RecordRow(OutcomeSkipped)
	RecordRow(OutcomeSkipped)
	after := testutil.ToFloat64(RowsTotal.WithLabelValues(OutcomeSkipped))
	if after-before != 2 {
		t.Errorf("expected skipped counter +2, got %v", after-before)
	}
}

func TestRecordGeneration(t *testing.T) {
	before := testutil.ToFloat64(GeneratedTokensTotal)
	RecordGeneration(12, 250*time.Millisecond)
	if got := testutil.ToFloat64(GeneratedTokensTotal) - before; got != 12 {
		t.Errorf("expected 12 tokens recorded, got %v", got)
	}
}

func TestRecordFlush(t *testing.T) {
	RecordFlush("final", 42, nil)
	if got := testutil.ToFloat64(RowsPersisted); got != 42 {
		t.Errorf("expected rows persisted 42, got %v", got)
	}

	before := testutil.ToFloat64(FlushesTotal.WithLabelValues("final", "error"))
	RecordFlush("final", 99, errors.New("disk full"))
	if got := testutil.ToFloat64(FlushesTotal.WithLabelValues("final", "error")) - before; got != 1 {
		t.Errorf("expected one failed flush, got %v", got)
	}
	if got := testutil.ToFloat64(RowsPersisted); got != 42 {
		t.Errorf("failed flush must not move the gauge, got %v", got)
	}
}

func TestRecordRetryAndForward(t *testing.T) {
	before := testutil.ToFloat64(RetriesTotal)
	RecordRetry()
	if testutil.ToFloat64(RetriesTotal)-before != 1 {
		t.Error("retry counter did not move")
	}
	RecordForward("cuda", 3*time.Millisecond)
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, nil) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics endpoint unreachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
