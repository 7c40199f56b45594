package broker

import (
	"net"
	"time"

	"github.com/pinata-labs/mqttd/internal/metrics"
	"github.com/pinata-labs/mqttd/internal/mqtt"
)

// Writer is the per-connection task that owns the write half of a
// client's socket. It drains the outbound queue the Coordinator (and,
// for PINGRESP, the Reader) produces into.
type Writer struct {
	Conn         net.Conn
	ConnectionID uint64
	Outbound     <-chan []byte
	Done         chan struct{} // closed on exit, so sendShutdown never blocks on a dead Writer
	Commands     chan<- *Command
	WriteTimeout time.Duration
}

// Run writes frames until it sees the shutdown sentinel or a write fails,
// closing Done on every exit path so the Coordinator never blocks trying
// to hand this connection a shutdown sentinel after the fact.
func (w *Writer) Run() {
	defer close(w.Done)

	for frame := range w.Outbound {
		if mqtt.IsShutdownFrame(frame) {
			w.Conn.Close()
			return
		}

		if w.WriteTimeout > 0 {
			w.Conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
		}

		if _, err := w.Conn.Write(frame); err != nil {
			w.Commands <- &Command{Kind: CmdAbort, ConnID: w.ConnectionID}
			w.Conn.Close()
			return
		}
		metrics.MessagesSent.WithLabelValues(mqtt.PacketType(frame[0] >> 4).String()).Inc()
		metrics.BytesSent.Add(float64(len(frame)))
	}
}
