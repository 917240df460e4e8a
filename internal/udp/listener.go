package udp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"fallwatch/internal/sample"
)

// Listener receives samples over UDP. Each datagram carries one or more
// newline separated lines in either form:
//
//	<t_ns>,<axis>,<x>,<y>,<z>                  (sample line, as sent by Broadcaster)
//	<t_ms>,3,ax,ay,az[,4,gx,gy,gz][,5,mx,my,mz] (phone sensor streamer CSV)
//
// Device timestamps are relative; they are anchored per sender to the local
// receive clock. Only one sender feeds the sink at a time: datagrams from
// others are rejected until it has been silent for senderIdle.
type Listener struct {
	addr string
	sink sample.Sink
	now  func() time.Time

	mu      sync.Mutex
	conn    net.PacketConn
	latch   sample.Latch
	anchors *sample.Anchors
	stats   ListenerStats
}

type ListenerStats struct {
	Listen       string
	Packets      uint64
	Samples      uint64
	Rejected     uint64
	Senders      int
	Sender       string
	LastPacketAt time.Time
	LastError    string
}

const (
	// Re-anchor when a sender's clock jumps back or drifts this far from ours.
	maxSkew = time.Second
	// Another sender may take over after the current one is silent this long.
	senderIdle = 5 * time.Second
	anchorIdle = time.Minute
)

func NewListener(addr string, sink sample.Sink) *Listener {
	return &Listener{
		addr:    addr,
		sink:    sink,
		now:     time.Now,
		latch:   sample.Latch{Idle: senderIdle},
		anchors: sample.NewAnchors(maxSkew, anchorIdle),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("udp: listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.stats.Listen = conn.LocalAddr().String()
	l.mu.Unlock()
	log.Printf("udp: listening for samples on %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go l.serve(conn)
	return nil
}

// Addr returns the bound address once started.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (l *Listener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stats
	st.Senders = l.anchors.Len()
	st.Sender = l.latch.Current()
	return st
}

func (l *Listener) serve(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.setErr(err)
			continue
		}
		l.HandlePacket(from.String(), buf[:n], l.now())
	}
}

// HandlePacket parses one datagram from sender and forwards its samples.
func (l *Listener) HandlePacket(sender string, p []byte, recvAt time.Time) {
	var out []sample.Sample
	var rejected uint64
	var lastErr error

	l.mu.Lock()
	l.stats.Packets++
	ok, prev, switched := l.latch.Admit(sender, recvAt)
	if !ok {
		l.stats.Rejected++
		l.stats.LastError = fmt.Sprintf("ignoring sender %s while %s is active", sender, l.latch.Current())
		l.mu.Unlock()
		return
	}
	if switched {
		l.anchors.Forget(prev)
		log.Printf("udp: sender %s went quiet, now reading %s", prev, sender)
	}
	l.stats.LastPacketAt = recvAt
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dev, rs, err := ParseLine(line)
		if err != nil {
			rejected++
			lastErr = err
			continue
		}
		at := l.anchors.Stamp(sender, dev, recvAt)
		for _, r := range rs {
			out = append(out, sample.Sample{Axis: r.Axis, Values: r.Values, At: at})
		}
	}
	l.stats.Samples += uint64(len(out))
	l.stats.Rejected += rejected
	if lastErr != nil {
		l.stats.LastError = lastErr.Error()
	}
	l.mu.Unlock()

	for _, s := range out {
		l.sink.Ingest(s)
	}
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	l.stats.LastError = err.Error()
	l.mu.Unlock()
}

// Reading is one parsed 3-axis value without a local timestamp.
type Reading struct {
	Axis   sample.Axis
	Values [3]float32
}

var phoneSensorIDs = map[string]sample.Axis{
	"3": sample.Accelerometer,
	"4": sample.Gyroscope,
	"5": sample.Magnetometer,
}

// ParseLine decodes either accepted line form and returns the device
// timestamp with the readings it carries.
func ParseLine(line string) (time.Duration, []Reading, error) {
	fields := strings.Split(line, ",")
	if len(fields) >= 2 {
		if _, err := sample.ParseAxis(fields[1]); err == nil {
			off, axis, v, err := sample.ParseLine(line)
			if err != nil {
				return 0, nil, err
			}
			return off, []Reading{{Axis: axis, Values: v}}, nil
		}
	}
	return parsePhoneCSV(fields)
}

func parsePhoneCSV(fields []string) (time.Duration, []Reading, error) {
	if len(fields) < 5 || (len(fields)-1)%4 != 0 {
		return 0, nil, fmt.Errorf("udp: unrecognized sample line (%d fields)", len(fields))
	}
	ms, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return 0, nil, fmt.Errorf("udp: invalid timestamp %q", fields[0])
	}
	at, err := sample.Millis(ms)
	if err != nil {
		return 0, nil, fmt.Errorf("udp: invalid timestamp %q: %w", fields[0], err)
	}
	var out []Reading
	var acc *Reading
	for i := 1; i < len(fields); i += 4 {
		id := strings.TrimSpace(fields[i])
		axis, ok := phoneSensorIDs[id]
		if !ok {
			// Unknown sensor groups (orientation, proximity) are skipped.
			continue
		}
		var v [3]float32
		for j := range 3 {
			f, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1+j]), 32)
			if err != nil {
				return 0, nil, fmt.Errorf("udp: invalid %s value %q: %w", axis, fields[i+1+j], err)
			}
			v[j] = float32(f)
		}
		if axis == sample.Accelerometer {
			acc = &Reading{Axis: axis, Values: v}
			continue
		}
		out = append(out, Reading{Axis: axis, Values: v})
	}
	// Accelerometer last, after the field it is evaluated against.
	if acc != nil {
		out = append(out, *acc)
	}
	if len(out) == 0 {
		return 0, nil, fmt.Errorf("udp: line carries no known sensor group")
	}
	return at, out, nil
}
