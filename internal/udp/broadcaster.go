package udp

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"fallwatch/internal/sample"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Datagrams stay below a typical Ethernet MTU.
const maxDatagram = 1400

// Broadcaster streams sample lines to a Listener.
type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// SendSample writes one sample as a line datagram. offset is measured from
// the stream origin chosen by the sender.
func (b *Broadcaster) SendSample(offset time.Duration, s sample.Sample) error {
	return b.SendTick(offset, []sample.Sample{s})
}

// SendTick writes the samples of one sensor tick in a single datagram, in
// the given order, so the receiver sees them together.
func (b *Broadcaster) SendTick(offset time.Duration, ss []sample.Sample) error {
	if len(ss) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, s := range ss {
		buf.WriteString(sample.FormatLine(offset, s.Axis, s.Values))
		buf.WriteByte('\n')
	}
	if buf.Len() > maxDatagram {
		return fmt.Errorf("udp: tick of %d samples exceeds %d bytes", len(ss), maxDatagram)
	}
	return b.Send(buf.Bytes())
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
