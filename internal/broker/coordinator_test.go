package broker

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinata-labs/mqttd/internal/mqtt"
	"github.com/pinata-labs/mqttd/internal/store"
)

func frameReader(frame []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(frame))
}

// memStore is an in-memory stand-in for store.Store, used so Coordinator
// tests don't need a real bbolt file on disk.
type memStore struct {
	mu       sync.Mutex
	retained map[string]*store.RetainedMessage
	events   []*store.Event
}

func newMemStore() *memStore {
	return &memStore{retained: make(map[string]*store.RetainedMessage)}
}

func (m *memStore) PutRetained(topic string, msg *store.RetainedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained[topic] = msg
	return nil
}

func (m *memStore) DeleteRetained(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retained, topic)
	return nil
}

func (m *memStore) LoadAllRetained() (map[string]*store.RetainedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*store.RetainedMessage, len(m.retained))
	for k, v := range m.retained {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) LogEvent(event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) Close() error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestCoordinator() (*Coordinator, chan *Command) {
	cmdCh := make(chan *Command, 64)
	coord := NewCoordinator(cmdCh, newMemStore(), testLogger())
	return coord, cmdCh
}

func runCoordinator(t *testing.T, coord *Coordinator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func recvFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func connectClient(t *testing.T, coord *Coordinator, cmdCh chan *Command, connID uint64, clientID string, cleanSession bool) chan []byte {
	t.Helper()
	return connectClientWithWill(t, coord, cmdCh, connID, clientID, cleanSession, nil)
}

func connectClientWithWill(t *testing.T, coord *Coordinator, cmdCh chan *Command, connID uint64, clientID string, cleanSession bool, will *Will) chan []byte {
	t.Helper()
	outbound := make(chan []byte, 16)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	coord.Register(connID, outbound, done)
	cmdCh <- &Command{Kind: CmdConnect, ConnID: connID, ClientID: clientID, CleanSession: cleanSession, Will: will}
	ack := recvFrame(t, outbound)
	if mqtt.PacketType(ack[0]>>4) != mqtt.CONNACK {
		t.Fatalf("expected CONNACK, got %v", ack)
	}
	return outbound
}

func TestCoordinatorBasicConnect(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	outbound := connectClient(t, coord, cmdCh, 1, "20", false)
	ack := recvFrameNonBlocking(outbound)
	if ack != nil {
		t.Fatalf("unexpected extra frame after CONNACK: %v", ack)
	}
}

func recvFrameNonBlocking(ch chan []byte) []byte {
	select {
	case f := <-ch:
		return f
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func TestCoordinatorSubPubLoopbackWithWildcard(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	outbound := connectClient(t, coord, cmdCh, 1, "looper", true)

	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 1, PacketID: 57, Topics: []mqtt.Subscription{{Topic: "as/ti/#", QoS: 1}}}
	suback := recvFrame(t, outbound)
	if mqtt.PacketType(suback[0]>>4) != mqtt.SUBACK {
		t.Fatalf("expected SUBACK, got %v", suback)
	}

	pub := &mqtt.PublishPacket{QoS: 1, Topic: "as/ti/lle/ro", PacketID: 14, Payload: []byte("piniata")}
	frame, err := pub.Encode()
	if err != nil {
		t.Fatal(err)
	}
	cmdCh <- &Command{Kind: CmdPublish, ConnID: 1, Frame: frame}

	first := recvFrame(t, outbound)
	second := recvFrame(t, outbound)

	var puback, published []byte
	if mqtt.PacketType(first[0]>>4) == mqtt.PUBACK {
		puback, published = first, second
	} else {
		puback, published = second, first
	}
	if mqtt.PacketType(puback[0]>>4) != mqtt.PUBACK {
		t.Fatalf("expected a PUBACK among the two frames, got %v and %v", first, second)
	}

	r := frameReader(published)
	header, err := mqtt.ReadFixedHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := mqtt.DecodePublishPacket(r, header)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Topic != "as/ti/lle/ro" || string(decoded.Payload) != "piniata" {
		t.Errorf("unexpected delivered publish: %+v", decoded)
	}
}

func TestCoordinatorRetainedDeliveryToLateSubscriber(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	pubOutbound := connectClient(t, coord, cmdCh, 1, "publisher", true)

	pub := &mqtt.PublishPacket{QoS: 0, Retain: true, Topic: "as/tio/lle/ro", Payload: []byte("piniata")}
	frame, _ := pub.Encode()
	cmdCh <- &Command{Kind: CmdPublish, ConnID: 1, Frame: frame}
	_ = pubOutbound

	time.Sleep(50 * time.Millisecond)

	subOutbound := connectClient(t, coord, cmdCh, 2, "late-subscriber", true)
	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 2, PacketID: 1, Topics: []mqtt.Subscription{{Topic: "as/tio/#", QoS: 0}}}

	recvFrame(t, subOutbound) // SUBACK
	retained := recvFrame(t, subOutbound)

	r := frameReader(retained)
	header, _ := mqtt.ReadFixedHeader(r)
	decoded, err := mqtt.DecodePublishPacket(r, header)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Topic != "as/tio/lle/ro" || string(decoded.Payload) != "piniata" {
		t.Errorf("unexpected retained delivery: %+v", decoded)
	}
}

func TestCoordinatorSessionTakeover(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	oldOutbound := connectClient(t, coord, cmdCh, 1, "Homero", false)
	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 1, PacketID: 1, Topics: []mqtt.Subscription{
		{Topic: "as/tillero", QoS: 0},
		{Topic: "ma/derero", QoS: 0},
	}}
	recvFrame(t, oldOutbound) // SUBACK

	newOutbound := make(chan []byte, 16)
	newDone := make(chan struct{})
	t.Cleanup(func() { close(newDone) })
	coord.Register(2, newOutbound, newDone)
	cmdCh <- &Command{Kind: CmdConnect, ConnID: 2, ClientID: "Homero", CleanSession: false}
	ack := recvFrame(t, newOutbound)
	if mqtt.PacketType(ack[0]>>4) != mqtt.CONNACK || ack[2] != 1 {
		t.Fatalf("expected CONNACK session-present=1, got %v", ack)
	}

	shutdown := recvFrame(t, oldOutbound)
	if !mqtt.IsShutdownFrame(shutdown) {
		t.Errorf("expected old connection to receive the shutdown sentinel, got %v", shutdown)
	}

	coord.mu.Lock()
	client := coord.clients[2]
	coord.mu.Unlock()
	if client == nil || len(client.Subscriptions) != 2 {
		t.Fatalf("expected new connection to inherit both subscriptions, got %+v", client)
	}
}

func TestCoordinatorWillPublishedOnAbort(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	connectClientWithWill(t, coord, cmdCh, 1, "will-publisher", true,
		&Will{Topic: "as", Message: []byte("pepe"), QoS: 1})

	subOutbound := connectClient(t, coord, cmdCh, 2, "will-subscriber", true)
	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 2, PacketID: 1, Topics: []mqtt.Subscription{{Topic: "as", QoS: 1}}}
	recvFrame(t, subOutbound) // SUBACK

	cmdCh <- &Command{Kind: CmdAbort, ConnID: 1}

	delivered := recvFrame(t, subOutbound)
	r := frameReader(delivered)
	header, _ := mqtt.ReadFixedHeader(r)
	decoded, err := mqtt.DecodePublishPacket(r, header)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Topic != "as" || string(decoded.Payload) != "pepe" {
		t.Errorf("expected will message delivered, got %+v", decoded)
	}
}

func TestCoordinatorRedeliversUnackedQoS1(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	connectClient(t, coord, cmdCh, 1, "publisher", true)
	subOutbound := connectClient(t, coord, cmdCh, 2, "subscriber", true)
	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 2, PacketID: 1, Topics: []mqtt.Subscription{{Topic: "x", QoS: 1}}}
	recvFrame(t, subOutbound) // SUBACK

	pub := &mqtt.PublishPacket{QoS: 1, Topic: "x", PacketID: 9, Payload: []byte("y")}
	frame, _ := pub.Encode()
	cmdCh <- &Command{Kind: CmdPublish, ConnID: 1, Frame: frame}
	first := recvFrame(t, subOutbound)
	if mqtt.PacketType(first[0]>>4) != mqtt.PUBLISH || first[0]&0x08 != 0 {
		t.Fatalf("expected first delivery with DUP clear, got %v", first)
	}

	coord.Redeliver()
	redelivered := recvFrame(t, subOutbound)
	if redelivered[0]&0x08 == 0 {
		t.Error("expected redelivered frame to have DUP set")
	}
}

func TestCoordinatorPubackRemovesPending(t *testing.T) {
	coord, cmdCh := newTestCoordinator()
	runCoordinator(t, coord)

	connectClient(t, coord, cmdCh, 1, "publisher", true)
	subOutbound := connectClient(t, coord, cmdCh, 2, "subscriber", true)
	cmdCh <- &Command{Kind: CmdSubscribe, ConnID: 2, PacketID: 1, Topics: []mqtt.Subscription{{Topic: "x", QoS: 1}}}
	recvFrame(t, subOutbound)

	pub := &mqtt.PublishPacket{QoS: 1, Topic: "x", PacketID: 9, Payload: []byte("y")}
	frame, _ := pub.Encode()
	cmdCh <- &Command{Kind: CmdPublish, ConnID: 1, Frame: frame}
	recvFrame(t, subOutbound)

	cmdCh <- &Command{Kind: CmdPuback, ConnID: 2, PacketID: 9}
	time.Sleep(50 * time.Millisecond)

	coord.mu.Lock()
	pendingLen := len(coord.clients[2].Pending)
	coord.mu.Unlock()
	if pendingLen != 0 {
		t.Errorf("expected pending to be empty after PUBACK, got %d entries", pendingLen)
	}

	coord.Redeliver()
	if f := recvFrameNonBlocking(subOutbound); f != nil {
		t.Errorf("expected no redelivery after PUBACK, got %v", f)
	}
}
