package broker

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinata-labs/mqttd/internal/auth"
	"github.com/pinata-labs/mqttd/internal/metrics"
	"github.com/pinata-labs/mqttd/internal/mqtt"
)

// Reader is the per-connection task that owns the read half of a client's
// socket. It decodes packets and either posts a Command to the
// Coordinator or, for PINGREQ and rejected CONNECTs, writes a frame
// straight onto the outbound queue itself - the one exception to "only
// the Coordinator produces outbound frames".
type Reader struct {
	Conn           net.Conn
	ConnectionID   uint64
	Outbound       chan<- []byte
	Commands       chan<- *Command
	Checker        *auth.Checker
	AuthRequired   bool
	AllowAnonymous bool
	MaxMessageSize int64
	Log            *logrus.Logger
}

// Run reads packets until the connection breaks or the client
// disconnects cleanly.
func (r *Reader) Run() {
	br := bufio.NewReader(r.Conn)
	connected := false
	graceful := false
	var keepAlive uint16

	defer func() {
		if !graceful {
			r.Commands <- &Command{Kind: CmdAbort, ConnID: r.ConnectionID}
		}
	}()

	for {
		header, err := mqtt.ReadFixedHeader(br)
		if err != nil {
			return
		}
		if r.MaxMessageSize > 0 && int64(header.RemainingLen) > r.MaxMessageSize {
			r.Log.WithField("connection_id", r.ConnectionID).Warn("packet exceeds max message size, closing connection")
			return
		}

		body := make([]byte, header.RemainingLen)
		if header.RemainingLen > 0 {
			if _, err := io.ReadFull(br, body); err != nil {
				return
			}
		}
		metrics.BytesReceived.Add(float64(1 + len(body)))

		if !connected {
			ok := r.handleConnect(header, body, &keepAlive)
			if !ok {
				return
			}
			connected = true
			continue
		}

		if keepAlive > 0 {
			r.Conn.SetReadDeadline(time.Now().Add(time.Duration(keepAlive) * 1500 * time.Millisecond))
		}

		switch header.PacketType {
		case mqtt.PUBLISH:
			if !r.handlePublish(header, body) {
				return
			}
		case mqtt.SUBSCRIBE:
			sub, err := mqtt.DecodeSubscribePacket(bytes.NewReader(body), len(body))
			if err != nil {
				return
			}
			r.Commands <- &Command{Kind: CmdSubscribe, ConnID: r.ConnectionID, PacketID: sub.PacketID, Topics: sub.Topics}
		case mqtt.UNSUBSCRIBE:
			unsub, err := mqtt.DecodeUnsubscribePacket(bytes.NewReader(body), len(body))
			if err != nil {
				return
			}
			r.Commands <- &Command{Kind: CmdUnsubscribe, ConnID: r.ConnectionID, PacketID: unsub.PacketID, UnsubTopics: unsub.Topics}
		case mqtt.PUBACK:
			packetID, err := mqtt.DecodePuback(body)
			if err != nil {
				return
			}
			r.Commands <- &Command{Kind: CmdPuback, ConnID: r.ConnectionID, PacketID: packetID}
		case mqtt.PINGREQ:
			select {
			case r.Outbound <- mqtt.EncodePingresp():
			default:
			}
		case mqtt.DISCONNECT:
			graceful = true
			r.Commands <- &Command{Kind: CmdDisconnect, ConnID: r.ConnectionID}
			return
		default:
			// QoS 2 control packets and anything else this broker doesn't
			// speak are a protocol violation once past CONNECT.
			return
		}
	}
}

// handleConnect validates the first packet on the connection. It reports
// ok=false when the Reader should stop (either the connection was
// rejected, or the stream is malformed).
func (r *Reader) handleConnect(header *mqtt.FixedHeader, body []byte, keepAlive *uint16) bool {
	metrics.ConnectionsTotal.Inc()

	if header.PacketType != mqtt.CONNECT {
		r.Outbound <- mqtt.EncodeConnack(false, mqtt.ConnackWrongProtocolLevel)
		return false
	}

	connectPkt, err := mqtt.DecodeConnectPacket(bytes.NewReader(body))
	if err != nil {
		return false
	}

	if connectPkt.ProtocolName != "MQTT" || connectPkt.ProtocolVersion != 4 {
		r.Outbound <- mqtt.EncodeConnack(false, mqtt.ConnackWrongProtocolLevel)
		return false
	}

	if connectPkt.ClientID == "" && !connectPkt.CleanSession {
		r.Outbound <- mqtt.EncodeConnack(false, mqtt.ConnackIdentifierRejected)
		return false
	}

	if r.AuthRequired {
		hasCreds := connectPkt.UsernameFlag && connectPkt.PasswordFlag
		authed := hasCreds && r.Checker.Check(connectPkt.Username, string(connectPkt.Password))
		if !authed && !(r.AllowAnonymous && !hasCreds) {
			metrics.AuthFailures.Inc()
			r.Outbound <- mqtt.EncodeConnack(false, mqtt.ConnackBadUsernamePassword)
			return false
		}
	}

	*keepAlive = connectPkt.KeepAlive
	if *keepAlive > 0 {
		r.Conn.SetReadDeadline(time.Now().Add(time.Duration(*keepAlive) * 1500 * time.Millisecond))
	}

	var will *Will
	if connectPkt.WillFlag {
		will = &Will{
			Topic:   connectPkt.WillTopic,
			Message: connectPkt.WillMessage,
			QoS:     connectPkt.WillQoS,
			Retain:  connectPkt.WillRetain,
		}
	}

	r.Commands <- &Command{
		Kind:         CmdConnect,
		ConnID:       r.ConnectionID,
		ClientID:     connectPkt.ClientID,
		CleanSession: connectPkt.CleanSession,
		KeepAlive:    *keepAlive,
		Will:         will,
	}
	return true
}

// handlePublish rebuilds the raw frame (the Coordinator and retained
// store both want the exact wire bytes) and posts it for routing.
func (r *Reader) handlePublish(header *mqtt.FixedHeader, body []byte) bool {
	remLen, err := mqtt.EncodeRemainingLength(len(body))
	if err != nil {
		return false
	}
	frame := make([]byte, 0, 1+len(remLen)+len(body))
	frame = append(frame, byte(header.PacketType)<<4|header.Flags)
	frame = append(frame, remLen...)
	frame = append(frame, body...)

	r.Commands <- &Command{Kind: CmdPublish, ConnID: r.ConnectionID, Frame: frame}
	return true
}
