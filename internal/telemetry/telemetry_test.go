package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := filepath.Join(t.TempDir(), "logs")
	logger, closer, err := InitLogger(dir, true)
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	logger.Debug("debug line", "key", "value")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ServiceName+".log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"debug line"`) || !strings.Contains(out, `"service":"chatrelay"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestInitTelemetry(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := tracer.Start(context.Background(), "test")
	span.End()
	if _, err := meter.Int64Counter("test.counter"); err != nil {
		t.Fatalf("counter: %v", err)
	}
	cleanup()

	if _, err := os.Stat(filepath.Join(dir, ServiceName+"_traces.log")); err != nil {
		t.Fatalf("trace file missing: %v", err)
	}
}
