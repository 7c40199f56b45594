package broker

import "github.com/pinata-labs/mqttd/internal/mqtt"

// Will is a client's last-gasp PUBLISH, synthesized by the Coordinator when
// a connection is ABORTed rather than cleanly DISCONNECTed.
type Will struct {
	Topic   string
	Message []byte
	QoS     byte
	Retain  bool
}

// Client is the broker's per-connection record. Only the Coordinator and
// the Redelivery Loop ever read or mutate one, both under the
// Coordinator's lock - nothing here is safe for concurrent use on its own.
type Client struct {
	ConnectionID     uint64
	ClientID         string
	Outbound         chan []byte
	Done             <-chan struct{} // closed by the Writer when it stops consuming Outbound
	Subscriptions    []mqtt.Subscription
	Pending          [][]byte
	CleanSession     bool
	Will             *Will
	Disconnected     bool
	KeepAliveSeconds uint16
}

// Subscribe appends filter/qos. Duplicate filters are not deduplicated -
// the subscriber simply ends up with more than one matching entry, which
// is harmless for delivery (MatchesTopic stops at the first hit).
func (c *Client) Subscribe(filter string, qos byte) {
	c.Subscriptions = append(c.Subscriptions, mqtt.Subscription{Topic: filter, QoS: qos})
}

// Unsubscribe removes the first entry with an exactly-equal filter. A
// wildcard match against filter is not enough.
func (c *Client) Unsubscribe(filter string) {
	for i, sub := range c.Subscriptions {
		if sub.Topic == filter {
			c.Subscriptions = append(c.Subscriptions[:i], c.Subscriptions[i+1:]...)
			return
		}
	}
}

// MatchesTopic reports whether any of the client's filters matches topic.
func (c *Client) MatchesTopic(topic string) bool {
	for _, sub := range c.Subscriptions {
		if mqtt.MatchTopic(topic, sub.Topic) {
			return true
		}
	}
	return false
}

// IsSubscribedQoS1 reports whether the client holds at least one filter
// matching topic at QoS 1.
func (c *Client) IsSubscribedQoS1(topic string) bool {
	for _, sub := range c.Subscriptions {
		if sub.QoS == 1 && mqtt.MatchTopic(topic, sub.Topic) {
			return true
		}
	}
	return false
}

// ClearSession drops subscriptions and pending redeliveries, as required
// on disconnect of a clean session.
func (c *Client) ClearSession() {
	c.Subscriptions = nil
	c.Pending = nil
}
