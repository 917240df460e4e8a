package mqtt

import (
	"testing"
	"time"

	"fallwatch/internal/sample"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type collect struct{ got []sample.Sample }

func (c *collect) Ingest(s sample.Sample) { c.got = append(c.got, s) }

func TestParsePayload(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantN   int
		wantErr bool
	}{
		{name: "Object", in: `{"t_ms":10,"acc":[0,0,9.8]}`, wantN: 1},
		{name: "Array", in: ` [{"acc":[0,0,9.8]},{"mag":[20,0,-40]}] `, wantN: 2},
		{name: "Empty", in: "  ", wantErr: true},
		{name: "NoReading", in: `{"t_ms":10}`, wantErr: true},
		{name: "NegativeTime", in: `{"t_ms":-1,"acc":[0,0,1]}`, wantErr: true},
		{name: "TimeOverflow", in: `{"t_ms":1e13,"acc":[0,0,1]}`, wantErr: true},
		{name: "TimeNearLimit", in: `{"t_ms":9e12,"acc":[0,0,1]}`, wantN: 1},
		{name: "ShortVector", in: `{"acc":[0,0]}`, wantN: 1},
		{name: "Garbage", in: `{"acc":`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs, err := ParsePayload([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload: %v", err)
			}
			if len(msgs) != tc.wantN {
				t.Fatalf("messages=%d want %d", len(msgs), tc.wantN)
			}
		})
	}
}

func TestSubscriber_OrdersAccelerometerLast(t *testing.T) {
	c := &collect{}
	s := NewSubscriber(Config{Topic: "fallwatch/samples"}, c)
	t0 := time.Unix(1700000000, 0)
	s.now = func() time.Time { return t0 }

	s.onMessage(nil, fakeMessage{
		topic:   "fallwatch/samples",
		payload: []byte(`{"t_ms":5,"acc":[0,0,9.8],"gyro":[0.1,0,0],"mag":[20,0,-40]}`),
	})

	want := []sample.Axis{sample.Magnetometer, sample.Gyroscope, sample.Accelerometer}
	if len(c.got) != len(want) {
		t.Fatalf("samples=%d want %d", len(c.got), len(want))
	}
	for i, ax := range want {
		if c.got[i].Axis != ax {
			t.Fatalf("sample %d axis=%v want %v", i, c.got[i].Axis, ax)
		}
		if !c.got[i].At.Equal(t0) {
			t.Fatalf("sample %d at=%v want %v", i, c.got[i].At, t0)
		}
	}
	if c.got[2].Values != [3]float32{0, 0, 9.8} {
		t.Fatalf("accel=%v", c.got[2].Values)
	}
}

func TestSubscriber_AnchorsDeviceTime(t *testing.T) {
	c := &collect{}
	s := NewSubscriber(Config{}, c)
	t0 := time.Unix(1700000000, 0)

	s.HandlePayload("t", []byte(`[{"device":"a","t_ms":1000,"acc":[0,0,9.8]},{"device":"a","t_ms":1010,"acc":[0,0,9.8]}]`), t0)
	// No device timestamp: stamped with the receive time.
	s.HandlePayload("t", []byte(`{"device":"a","acc":[0,0,9.8]}`), t0.Add(7*time.Millisecond))

	want := []time.Duration{0, 10 * time.Millisecond, 7 * time.Millisecond}
	if len(c.got) != len(want) {
		t.Fatalf("samples=%d want %d", len(c.got), len(want))
	}
	for i, w := range want {
		if got := c.got[i].At.Sub(t0); got != w {
			t.Fatalf("sample %d at=%v want %v", i, got, w)
		}
	}
	if st := s.Stats(); st.Messages != 2 || st.Samples != 3 || st.Senders != 1 || st.Sender != "a" {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSubscriber_OneDeviceAtATime(t *testing.T) {
	c := &collect{}
	s := NewSubscriber(Config{}, c)
	t0 := time.Unix(1700000000, 0)

	// Two devices on the same topic, interleaved in one payload.
	s.HandlePayload("t", []byte(`[{"device":"a","t_ms":0,"acc":[0,0,9.8]},{"device":"b","t_ms":0,"acc":[0,0,0]},{"device":"a","t_ms":10,"acc":[0,0,9.8]}]`), t0)
	// Without a device name the topic is the sender.
	s.HandlePayload("other/topic", []byte(`{"acc":[0,0,0]}`), t0.Add(20*time.Millisecond))

	if len(c.got) != 2 {
		t.Fatalf("samples=%d want 2", len(c.got))
	}
	for i, smp := range c.got {
		if smp.Values[2] != 9.8 {
			t.Fatalf("sample %d=%v came from another device", i, smp.Values)
		}
	}
	if st := s.Stats(); st.Rejected != 2 || st.Sender != "a" {
		t.Fatalf("stats=%+v", st)
	}

	// Device a went quiet: b takes over.
	s.HandlePayload("t", []byte(`{"device":"b","t_ms":9000,"acc":[0,0,0]}`), t0.Add(6*time.Second))
	if len(c.got) != 3 || !c.got[2].At.Equal(t0.Add(6*time.Second)) {
		t.Fatalf("samples=%d after switch", len(c.got))
	}
	if st := s.Stats(); st.Sender != "b" || st.Senders != 1 {
		t.Fatalf("stats after switch=%+v", st)
	}
}

func TestSubscriber_RejectedPayloadCounted(t *testing.T) {
	c := &collect{}
	s := NewSubscriber(Config{}, c)
	s.HandlePayload("t", []byte("not json"), time.Unix(0, 0))
	st := s.Stats()
	if st.Rejected != 1 || st.Samples != 0 || st.LastError == "" {
		t.Fatalf("stats=%+v", st)
	}
	if len(c.got) != 0 {
		t.Fatalf("unexpected samples: %v", c.got)
	}
}

func TestSubscriber_CloseWithoutStart(t *testing.T) {
	s := NewSubscriber(Config{}, &collect{})
	s.Close()
	if s.Stats().Connected {
		t.Fatalf("connected after close")
	}
}
