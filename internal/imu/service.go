// Package imu reads the on-board ICM-20948 and feeds its accelerometer,
// gyroscope and magnetometer samples into a sample.Sink.
package imu

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fallwatch/internal/i2c"
	"fallwatch/internal/sample"
	"fallwatch/internal/sensors/icm20948"
)

type Config struct {
	Enable  bool
	I2CBus  string
	Address uint16
	RateHz  int

	DRDYEnable bool
	DRDYChip   string
	DRDYLine   int
}

type Snapshot struct {
	Detected    bool
	MagDetected bool
	Pacing      string // "poll" or "drdy"
	Samples     uint64
	LastReadAt  time.Time
	LastError   string
}

type reader interface {
	Read() (icm20948.Reading, error)
}

// edgeSource delivers data-ready interrupts.
type edgeSource interface {
	Edges() <-chan time.Time
	Close() error
}

const (
	reinitAfterFailures = 10
	reinitBackoff       = 2 * time.Second
)

type Service struct {
	cfg  Config
	sink sample.Sink

	mu   sync.RWMutex
	snap Snapshot

	bus   *i2c.Bus
	dev   reader
	edges edgeSource
	probe func() (reader, bool, error)

	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg Config, sink sample.Sink) *Service {
	if cfg.I2CBus == "" {
		cfg.I2CBus = "/dev/i2c-1"
	}
	if cfg.Address == 0 {
		cfg.Address = icm20948.DefaultAddress()
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	return &Service{cfg: cfg, sink: sink, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start probes the hardware and begins reading. A failed probe is reported in
// the snapshot and returned; the caller decides whether that is fatal.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	bus, err := i2c.Open(s.cfg.I2CBus)
	if err != nil {
		s.setErr(err.Error())
		return err
	}
	s.bus = bus
	s.probe = func() (reader, bool, error) { return probe(bus, s.cfg) }

	dev, hasMag, err := s.probe()
	if err != nil {
		s.setErr(fmt.Sprintf("imu init: %v", err))
		_ = bus.Close()
		s.bus = nil
		return err
	}

	var edges edgeSource
	if s.cfg.DRDYEnable {
		edges, err = openDataReady(s.cfg.DRDYChip, s.cfg.DRDYLine)
		if err != nil {
			log.Printf("imu: data-ready line unavailable, polling at %d Hz: %v", s.cfg.RateHz, err)
			edges = nil
		}
	}
	s.startWith(ctx, dev, hasMag, edges)
	return nil
}

func probe(bus *i2c.Bus, cfg Config) (reader, bool, error) {
	opts := icm20948.Options{RateHz: cfg.RateHz, DataReadyInterrupt: cfg.DRDYEnable}
	dev, err := icm20948.New(bus.Dev(cfg.Address), bus.Dev(icm20948.MagnetometerAddress()), opts)
	if err == nil {
		return dev, true, nil
	}
	log.Printf("imu: magnetometer unavailable, continuing without it: %v", err)
	dev, err = icm20948.New(bus.Dev(cfg.Address), nil, opts)
	if err != nil {
		return nil, false, err
	}
	return dev, false, nil
}

func (s *Service) startWith(ctx context.Context, dev reader, hasMag bool, edges edgeSource) {
	s.dev = dev
	s.edges = edges
	s.running = true
	s.mu.Lock()
	s.snap.Detected = true
	s.snap.MagDetected = hasMag
	s.snap.Pacing = "poll"
	if edges != nil {
		s.snap.Pacing = "drdy"
	}
	s.mu.Unlock()
	log.Printf("imu: started bus=%s addr=0x%02X mag=%v pacing=%s", s.cfg.I2CBus, s.cfg.Address, hasMag, s.Snapshot().Pacing)
	go s.run(ctx)
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.running {
			<-s.doneCh
		}
		if s.edges != nil {
			_ = s.edges.Close()
		}
		if s.bus != nil {
			_ = s.bus.Close()
		}
	})
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	var tick <-chan time.Time
	var edges <-chan time.Time
	if s.edges != nil {
		edges = s.edges.Edges()
	} else {
		t := time.NewTicker(time.Second / time.Duration(s.cfg.RateHz))
		defer t.Stop()
		tick = t.C
	}

	failures := 0
	var lastReinit time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick:
		case <-edges:
		}

		if err := s.readOnce(); err != nil {
			failures++
			s.setErr(err.Error())
			if failures >= reinitAfterFailures && time.Since(lastReinit) >= reinitBackoff && s.probe != nil {
				lastReinit = time.Now()
				dev, hasMag, perr := s.probe()
				if perr != nil {
					s.setErr(fmt.Sprintf("imu reinit: %v", perr))
					continue
				}
				log.Printf("imu: reinitialized after %d failures", failures)
				s.dev = dev
				failures = 0
				s.mu.Lock()
				s.snap.MagDetected = hasMag
				s.mu.Unlock()
			}
			continue
		}
		failures = 0
	}
}

// readOnce reads one reading and forwards it. Accelerometer goes last so the
// detector sees the freshest magnetic field when it evaluates the sample.
func (s *Service) readOnce() error {
	r, err := s.dev.Read()
	if err != nil {
		return err
	}
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}
	if r.MagOK {
		s.sink.Ingest(sample.Sample{Axis: sample.Magnetometer, Values: r.Mag, At: at})
	}
	s.sink.Ingest(sample.Sample{Axis: sample.Gyroscope, Values: r.Gyro, At: at})
	s.sink.Ingest(sample.Sample{Axis: sample.Accelerometer, Values: r.Accel, At: at})

	s.mu.Lock()
	s.snap.Samples++
	s.snap.LastReadAt = at
	s.snap.LastError = ""
	s.mu.Unlock()
	return nil
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	s.snap.LastError = msg
	s.mu.Unlock()
}
