package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status aggregates the diagnostic view served at /api/status. Components
// register a section provider; providers are called on every request and
// must return JSON-safe values.
type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	recordPath    atomic.Value // string

	mu       sync.RWMutex
	sections map[string]func() any
}

func NewStatus() *Status {
	s := &Status{sections: make(map[string]func() any)}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.recordPath.Store("")
	return s
}

// SetMode records a short description of the active ingest sources.
func (s *Status) SetMode(mode string) {
	s.mode.Store(mode)
}

// SetRecordPath enables disk usage reporting for the recorder directory.
func (s *Status) SetRecordPath(dir string) {
	s.recordPath.Store(dir)
}

// Register installs or replaces the provider for a named section.
func (s *Status) Register(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.sections, name)
		return
	}
	s.sections[name] = fn
}

type DiskSnapshot struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	AvailBytes uint64 `json:"avail_bytes,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

type SystemSnapshot struct {
	LocalAddrs []string      `json:"local_addrs"`
	CPUTempC   *float64      `json:"cpu_temp_c,omitempty"`
	Disk       *DiskSnapshot `json:"disk,omitempty"`
}

type StatusSnapshot struct {
	Service   string         `json:"service"`
	NowUTC    string         `json:"now_utc"`
	UptimeSec int64          `json:"uptime_sec"`
	Mode      string         `json:"mode"`
	System    SystemSnapshot `json:"system"`
	Sections  map[string]any `json:"sections"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "fallwatch",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		System:    SystemSnapshot{LocalAddrs: localInterfaceAddrs(), CPUTempC: snapshotCPUTemp()},
		Sections:  make(map[string]any),
	}
	if dir := s.recordPath.Load().(string); dir != "" {
		snap.System.Disk = snapshotDisk(dir)
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	fns := make([]func() any, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, s.sections[name])
	}
	s.mu.RUnlock()

	for i, fn := range fns {
		snap.Sections[names[i]] = fn()
	}
	return snap
}
