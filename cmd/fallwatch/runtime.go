package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"fallwatch/internal/config"
	"fallwatch/internal/fall"
	"fallwatch/internal/imu"
	"fallwatch/internal/mqtt"
	"fallwatch/internal/replay"
	"fallwatch/internal/service"
	"fallwatch/internal/tcp"
	"fallwatch/internal/udp"
	"fallwatch/internal/web"
)

// runtime owns the detector service and every ingest source feeding it.
type runtime struct {
	cfg config.Config

	svc      *service.Service
	sched    *fall.ManualScheduler // replay only
	recorder *replay.Writer

	imuSvc   *imu.Service
	udpLis   *udp.Listener
	tcpCli   *tcp.Client
	mqttSub  *mqtt.Subscriber
	replaySr *replay.Source
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	r := &runtime{cfg: cfg}

	svcCfg := service.Config{Fall: cfg.Detector.Fall()}
	if cfg.Ingest.Replay.Enable {
		// Replayed samples carry their own time; detector timers follow it.
		r.sched = fall.NewManualScheduler(time.Now())
		svcCfg.Scheduler = r.sched
		svcCfg.Now = r.sched.Now
	}
	if cfg.Record.Enable {
		if dir := filepath.Dir(cfg.Record.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("record.path directory: %w", err)
			}
		}
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
		r.recorder = w
		svcCfg.Recorder = w
		log.Printf("record: writing samples to %s", cfg.Record.Path)
	}

	svc, err := service.New(svcCfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.svc = svc

	in := cfg.Ingest
	if in.Replay.Enable {
		r.replaySr = replay.NewSource(replay.SourceConfig{
			Path:  in.Replay.Path,
			Speed: in.Replay.Speed,
			Loop:  in.Replay.Loop,
		}, r.sched, svc)
		if err := r.replaySr.Start(ctx); err != nil {
			r.Close()
			return nil, err
		}
	}

	if in.IMU.Enable {
		s := imu.New(imu.Config{
			Enable:     true,
			I2CBus:     in.IMU.I2CBus,
			Address:    in.IMU.Address,
			RateHz:     in.IMU.RateHz,
			DRDYEnable: in.IMU.DRDYEnable,
			DRDYChip:   in.IMU.DRDYChip,
			DRDYLine:   in.IMU.DRDYLine,
		}, svc)
		// Keep a reference even if init fails so status can report errors.
		r.imuSvc = s
		if err := s.Start(ctx); err != nil {
			// Keep fallwatch running; network sources may still deliver.
			log.Printf("imu init failed: %v", err)
		}
	}

	if in.UDP.Enable {
		l := udp.NewListener(in.UDP.Listen, svc)
		r.udpLis = l
		if err := l.Start(ctx); err != nil {
			log.Printf("udp init failed: %v", err)
		}
	}

	if in.TCP.Enable {
		c, err := tcp.NewClient(tcp.Config{Addr: in.TCP.Addr}, svc)
		if err != nil {
			log.Printf("tcp init failed: %v", err)
		} else {
			r.tcpCli = c
			if err := c.Start(ctx); err != nil {
				log.Printf("tcp init failed: %v", err)
			}
		}
	}

	if in.MQTT.Enable {
		sub := mqtt.NewSubscriber(mqtt.Config{
			Broker:   in.MQTT.Broker,
			Topic:    in.MQTT.Topic,
			ClientID: in.MQTT.ClientID,
			Username: in.MQTT.Username,
			Password: in.MQTT.Password,
			QoS:      in.MQTT.QoS,
		}, svc)
		r.mqttSub = sub
		if err := sub.Start(ctx); err != nil {
			log.Printf("mqtt init failed: %v", err)
		}
	}

	return r, nil
}

// mode names the ingest source feeding the detector.
func (r *runtime) mode() string {
	switch {
	case r.imuSvc != nil:
		return "imu"
	case r.udpLis != nil:
		return "udp"
	case r.tcpCli != nil:
		return "tcp"
	case r.mqttSub != nil:
		return "mqtt"
	case r.replaySr != nil:
		return "replay"
	}
	return "none"
}

func (r *runtime) registerStatus(st *web.Status) {
	st.SetMode(r.mode())
	st.Register("detector", func() any { return r.svc.Status() })
	if r.recorder != nil {
		st.SetRecordPath(filepath.Dir(r.cfg.Record.Path))
		st.Register("record", func() any {
			return map[string]any{"path": r.cfg.Record.Path, "written": r.recorder.Written()}
		})
	}
	if r.imuSvc != nil {
		st.Register("imu", func() any { return r.imuSvc.Snapshot() })
	}
	if r.udpLis != nil {
		st.Register("udp", func() any { return r.udpLis.Stats() })
	}
	if r.tcpCli != nil {
		st.Register("tcp", func() any { return r.tcpCli.Stats() })
	}
	if r.mqttSub != nil {
		st.Register("mqtt", func() any { return r.mqttSub.Stats() })
	}
	if r.replaySr != nil {
		st.Register("replay", func() any { return r.replaySr.Stats() })
	}
}

// replayDone is closed when a finite replay has been fully played. It is nil
// for live sources and looping replays.
func (r *runtime) replayDone() <-chan struct{} {
	if r.replaySr == nil || r.cfg.Ingest.Replay.Loop {
		return nil
	}
	ch := make(chan struct{})
	go func() {
		r.replaySr.Wait()
		close(ch)
	}()
	return ch
}

func (r *runtime) Close() {
	if r.imuSvc != nil {
		r.imuSvc.Close()
	}
	if r.udpLis != nil {
		_ = r.udpLis.Close()
	}
	if r.tcpCli != nil {
		r.tcpCli.Close()
	}
	if r.mqttSub != nil {
		r.mqttSub.Close()
	}
	if r.replaySr != nil {
		r.replaySr.Wait()
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			log.Printf("record: close failed: %v", err)
		}
	}
	if r.svc != nil {
		r.svc.Close()
	}
}
