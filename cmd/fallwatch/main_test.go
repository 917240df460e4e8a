package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fallwatch/internal/config"
	"fallwatch/internal/replay"
	"fallwatch/internal/sim"
	"fallwatch/internal/udp"
	"fallwatch/internal/web"
)

// syncBuffer guards log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	var buf syncBuffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func writeScenarioLog(t *testing.T, path, name string) {
	t.Helper()
	script, err := sim.Builtin(name)
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	scn, err := sim.NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	for _, s := range scn.Samples(time.Unix(1700000000, 0)) {
		if err := w.WriteSample(s); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRun_ReplayEndsWithoutWeb(t *testing.T) {
	logs := captureLog(t)
	path := filepath.Join(t.TempDir(), "fall.log")
	writeScenarioLog(t, path, "confirmed-fall")

	cfg := config.Config{}
	cfg.Ingest.Replay = config.ReplayConfig{Enable: true, Path: path, Speed: 1000}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := run(ctx, cfg, web.NewLogBuffer(10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("run only returned on timeout")
	}
	out := logs.String()
	if !strings.Contains(out, "fall: CONFIRMED") || !strings.Contains(out, "replay: finished") {
		t.Fatalf("log output:\n%s", out)
	}
}

func TestRun_MissingReplayFileFails(t *testing.T) {
	captureLog(t)
	cfg := config.Config{}
	cfg.Ingest.Replay = config.ReplayConfig{Enable: true, Path: filepath.Join(t.TempDir(), "nope.log")}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate: %v", err)
	}
	if err := run(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for missing replay file")
	}
}

func TestRuntime_UDPIngestIsRecordedAndReported(t *testing.T) {
	captureLog(t)
	recPath := filepath.Join(t.TempDir(), "rec", "samples.log")
	if err := os.MkdirAll(filepath.Dir(recPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := config.Config{}
	cfg.Ingest.UDP = config.UDPConfig{Enable: true, Listen: "127.0.0.1:0"}
	cfg.Record = config.RecordConfig{Enable: true, Path: recPath}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()

	if rt.mode() != "udp" {
		t.Fatalf("mode=%q want udp", rt.mode())
	}
	addr := rt.udpLis.Addr()
	if addr == nil {
		t.Fatalf("listener not bound")
	}
	b, err := udp.NewBroadcaster(addr.String())
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for rt.recorder.Written() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no sample recorded")
		}
		if err := b.Send([]byte("0,acc,0,0,9.81\n")); err != nil {
			t.Fatalf("send: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := web.NewStatus()
	rt.registerStatus(st)
	snap := st.Snapshot(time.Time{})
	for _, name := range []string{"detector", "udp", "record"} {
		if _, ok := snap.Sections[name]; !ok {
			t.Fatalf("missing %q section: %v", name, snap.Sections)
		}
	}
	if snap.System.Disk == nil || snap.System.Disk.Path != filepath.Dir(recPath) {
		t.Fatalf("disk=%+v", snap.System.Disk)
	}
}
