package broker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pinata-labs/mqttd/internal/metrics"
	"github.com/pinata-labs/mqttd/internal/mqtt"
	"github.com/pinata-labs/mqttd/internal/store"
)

// Coordinator is the broker's sole mutator of shared state: the client
// table, subscriptions, pending lists, and the retained-message map. It
// consumes commands from one queue, in order, under one lock. Outside Run,
// that lock is taken only by the Redelivery Loop, by Register (called from
// the Listener for each new connection), and once at startup by LoadRetained.
type Coordinator struct {
	mu sync.Mutex

	clients    map[uint64]*Client
	byClientID map[string]uint64
	retained   map[string][]byte // topic -> encoded PUBLISH frame

	cmdCh <-chan *Command
	store store.Store
	log   *logrus.Logger

	nextWillPacketID uint64
}

// NewCoordinator builds a Coordinator reading commands from cmdCh.
func NewCoordinator(cmdCh <-chan *Command, st store.Store, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		clients:    make(map[uint64]*Client),
		byClientID: make(map[string]uint64),
		retained:   make(map[string][]byte),
		cmdCh:      cmdCh,
		store:      st,
		log:        log,
	}
}

// Register inserts an empty Client record for a freshly accepted
// connection. Called synchronously by the Listener before the Reader or
// Writer for that connection starts, so the record always exists by the
// time any command naming connID reaches Run.
func (c *Coordinator) Register(connID uint64, outbound chan []byte, done <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[connID] = &Client{ConnectionID: connID, Outbound: outbound, Done: done}
	metrics.ClientsConnected.Inc()
}

// LoadRetained seeds the in-memory retained table from durable storage.
// Called once at startup.
func (c *Coordinator) LoadRetained(all map[string]*store.RetainedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, msg := range all {
		pub := &mqtt.PublishPacket{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retain: true}
		frame, err := pub.Encode()
		if err != nil {
			c.log.WithError(err).WithField("topic", topic).Warn("failed to re-encode stored retained message")
			continue
		}
		c.retained[topic] = frame
	}
	metrics.RetainedMessages.Set(float64(len(c.retained)))
}

// Run processes commands until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmdCh:
			c.handle(cmd)
		}
	}
}

// Redeliver re-sends every pending (unacked QoS-1) frame for every
// connected client. Called by the Redelivery Loop roughly once a second,
// under the same lock Run's handlers use.
func (c *Coordinator) Redeliver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		if client.Disconnected {
			continue
		}
		for _, frame := range client.Pending {
			c.trySend(client, frame)
			metrics.RedeliveryAttempts.Inc()
		}
	}
}

func (c *Coordinator) handle(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Kind {
	case CmdConnect:
		c.handleConnect(cmd)
	case CmdSubscribe:
		c.handleSubscribe(cmd)
	case CmdUnsubscribe:
		c.handleUnsubscribe(cmd)
	case CmdPublish:
		c.handlePublish(cmd)
	case CmdPuback:
		c.handlePuback(cmd)
	case CmdDisconnect:
		c.handleDisconnect(cmd)
	case CmdAbort:
		c.handleAbort(cmd)
	}
}

func (c *Coordinator) handleConnect(cmd *Command) {
	client := c.clients[cmd.ConnID]
	if client == nil {
		return
	}

	sessionPresent := false
	if cmd.ClientID != "" {
		if oldConnID, ok := c.byClientID[cmd.ClientID]; ok && oldConnID != cmd.ConnID {
			if old := c.clients[oldConnID]; old != nil {
				client.Subscriptions = old.Subscriptions
				client.Pending = old.Pending
				delete(c.clients, oldConnID)
				c.sendShutdown(old)
				sessionPresent = true
				metrics.SessionTakeovers.Inc()
				c.logEvent(cmd.ClientID, cmd.ConnID, "session_takeover", "")
			}
		}
		c.byClientID[cmd.ClientID] = cmd.ConnID
	}

	client.ClientID = cmd.ClientID
	client.CleanSession = cmd.CleanSession
	client.Will = cmd.Will
	client.Disconnected = false
	client.KeepAliveSeconds = cmd.KeepAlive

	c.trySend(client, mqtt.EncodeConnack(sessionPresent, mqtt.ConnackAccepted))

	if sessionPresent {
		for _, sub := range client.Subscriptions {
			for topic, frame := range c.retained {
				if mqtt.MatchTopic(topic, sub.Topic) {
					c.trySend(client, frame)
				}
			}
		}
	}

	c.logEvent(cmd.ClientID, cmd.ConnID, "connect",
		fmt.Sprintf("clean_session=%v session_present=%v", cmd.CleanSession, sessionPresent))
}

func (c *Coordinator) handleSubscribe(cmd *Command) {
	client := c.clients[cmd.ConnID]
	if client == nil {
		return
	}

	returnCodes := make([]byte, len(cmd.Topics))
	for i, sub := range cmd.Topics {
		qos := sub.QoS
		if qos > 1 {
			qos = 1
		}
		client.Subscribe(sub.Topic, qos)
		returnCodes[i] = qos
	}
	c.trySend(client, mqtt.EncodeSuback(cmd.PacketID, returnCodes))
	metrics.SubscriptionsActive.Add(float64(len(cmd.Topics)))

	for _, sub := range cmd.Topics {
		for topic, frame := range c.retained {
			if mqtt.MatchTopic(topic, sub.Topic) {
				c.trySend(client, frame)
			}
		}
	}
}

func (c *Coordinator) handleUnsubscribe(cmd *Command) {
	client := c.clients[cmd.ConnID]
	if client == nil {
		return
	}
	for _, filter := range cmd.UnsubTopics {
		client.Unsubscribe(filter)
	}
	c.trySend(client, mqtt.EncodeUnsuback(cmd.PacketID))
	metrics.SubscriptionsActive.Sub(float64(len(cmd.UnsubTopics)))
}

func (c *Coordinator) handlePublish(cmd *Command) {
	c.processPublishFrame(cmd.Frame)

	if mqtt.FrameQoS(cmd.Frame) != 1 {
		return
	}
	packetID, ok := mqtt.FramePacketID(cmd.Frame)
	if !ok {
		return
	}
	if publisher := c.clients[cmd.ConnID]; publisher != nil {
		c.trySend(publisher, mqtt.EncodePuback(packetID))
	}
}

// processPublishFrame applies a PUBLISH frame's side effects: updating the
// retained store and fanning the frame out to every matching subscriber.
// Shared by live PUBLISH handling and by will-message delivery on ABORT.
func (c *Coordinator) processPublishFrame(frame []byte) {
	pub, err := decodePublishFrame(frame)
	if err != nil {
		c.log.WithError(err).Warn("dropping unparseable publish frame")
		return
	}

	if pub.Retain {
		if len(pub.Payload) == 0 {
			delete(c.retained, pub.Topic)
			if err := c.store.DeleteRetained(pub.Topic); err != nil {
				c.log.WithError(err).WithField("topic", pub.Topic).Warn("failed to delete retained message")
			}
		} else {
			c.retained[pub.Topic] = frame
			rm := &store.RetainedMessage{Topic: pub.Topic, Payload: pub.Payload, QoS: pub.QoS}
			if err := c.store.PutRetained(pub.Topic, rm); err != nil {
				c.log.WithError(err).WithField("topic", pub.Topic).Warn("failed to persist retained message")
			}
		}
		metrics.RetainedMessages.Set(float64(len(c.retained)))
	}

	delivered := 0
	for _, client := range c.clients {
		if client.Disconnected || !client.MatchesTopic(pub.Topic) {
			continue
		}
		c.trySend(client, frame)
		delivered++

		if pub.QoS == 1 && client.IsSubscribedQoS1(pub.Topic) {
			client.Pending = append(client.Pending, mqtt.WithDup(frame))
			metrics.QoSMessagesInflight.WithLabelValues("1").Inc()
		}
	}

	metrics.MessagesReceived.WithLabelValues(mqtt.PUBLISH.String()).Inc()
	c.log.WithFields(logrus.Fields{"topic": pub.Topic, "subscribers": delivered}).Debug("routed publish")
}

func (c *Coordinator) handlePuback(cmd *Command) {
	client := c.clients[cmd.ConnID]
	if client == nil {
		return
	}
	for i, frame := range client.Pending {
		if id, ok := mqtt.FramePacketID(frame); ok && id == cmd.PacketID {
			client.Pending = append(client.Pending[:i], client.Pending[i+1:]...)
			metrics.QoSMessagesInflight.WithLabelValues("1").Dec()
			return
		}
	}
}

func (c *Coordinator) handleDisconnect(cmd *Command) {
	c.disconnectClient(cmd.ConnID, false)
}

func (c *Coordinator) handleAbort(cmd *Command) {
	c.disconnectClient(cmd.ConnID, true)
}

// disconnectClient implements the shared tail of DISCONNECT and ABORT:
// shut the Writer down, retire or retain the session, and - for ABORT -
// publish the will.
func (c *Coordinator) disconnectClient(connID uint64, publishWill bool) {
	client := c.clients[connID]
	if client == nil {
		return
	}

	c.sendShutdown(client)
	client.Disconnected = true

	var willFrame []byte
	if publishWill && client.Will != nil {
		willFrame = c.encodeWill(client.Will)
	}

	if client.CleanSession {
		delete(c.clients, connID)
		if client.ClientID != "" && c.byClientID[client.ClientID] == connID {
			delete(c.byClientID, client.ClientID)
		}
	}

	metrics.ClientsConnected.Dec()
	kind := "disconnect"
	if publishWill {
		kind = "abort"
	}
	c.logEvent(client.ClientID, connID, kind, "")

	if willFrame != nil {
		c.processPublishFrame(willFrame)
		metrics.WillMessagesPublished.Inc()
		c.logEvent(client.ClientID, connID, "will_published", "")
	}
}

func (c *Coordinator) encodeWill(w *Will) []byte {
	pub := &mqtt.PublishPacket{QoS: w.QoS, Retain: w.Retain, Topic: w.Topic, Payload: w.Message}
	if w.QoS > 0 {
		pub.PacketID = uint16(atomic.AddUint64(&c.nextWillPacketID, 1))
	}
	frame, err := pub.Encode()
	if err != nil {
		c.log.WithError(err).Warn("failed to encode will message")
		return nil
	}
	return frame
}

// trySend enqueues frame without blocking. A full outbound queue means a
// slow subscriber; the frame is dropped for that subscriber alone rather
// than stalling the Coordinator for everyone else.
func (c *Coordinator) trySend(client *Client, frame []byte) {
	select {
	case client.Outbound <- frame:
	default:
		c.log.WithFields(logrus.Fields{
			"client_id":     client.ClientID,
			"connection_id": client.ConnectionID,
		}).Warn("outbound queue full, dropping frame")
		metrics.OutboundDrops.Inc()
	}
}

// sendShutdown delivers the shutdown sentinel to a live Writer. It only
// needs to block long enough for the Writer to make room: a Writer that
// has already exited on its own (write error/timeout, or a prior
// shutdown) closes client.Done, which unblocks this select immediately
// instead of hanging the Coordinator on a full queue with no consumer.
func (c *Coordinator) sendShutdown(client *Client) {
	select {
	case client.Outbound <- mqtt.ShutdownFrame():
	case <-client.Done:
	}
}

func (c *Coordinator) logEvent(clientID string, connID uint64, kind, detail string) {
	err := c.store.LogEvent(&store.Event{ClientID: clientID, ConnectionID: connID, Kind: kind, Detail: detail})
	if err != nil {
		c.log.WithError(err).Warn("failed to append connection event log entry")
	}
}

func decodePublishFrame(frame []byte) (*mqtt.PublishPacket, error) {
	r := bufio.NewReader(bytes.NewReader(frame))
	header, err := mqtt.ReadFixedHeader(r)
	if err != nil {
		return nil, err
	}
	return mqtt.DecodePublishPacket(r, header)
}
