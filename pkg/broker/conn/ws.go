package conn

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/robustmq/robustmq/pkg/log"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"mqtt", "mqttv3.1"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla websocket connection to Transport by
// framing each MQTT-over-byte-stream read/write as one binary message,
// the same mapping paho's own websocket client uses.
type wsTransport struct {
	conn *websocket.Conn
	rbuf []byte // unread tail of the last inbound binary message
}

func (w *wsTransport) Read(p []byte) (int, error) {
	for len(w.rbuf) == 0 {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		w.rbuf = data
	}
	n := copy(p, w.rbuf)
	w.rbuf = w.rbuf[n:]
	return n, nil
}

func (w *wsTransport) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsTransport) Close() error { return w.conn.Close() }

func (w *wsTransport) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// ServeWebsocket upgrades one HTTP request to a websocket connection and
// runs the MQTT protocol loop over it. Mount as an http.HandlerFunc on
// the broker's websocket listen address (conventionally path /mqtt).
func (h *Handler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	wsc, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("mqtt-ws").Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.ServeConn(&wsTransport{conn: wsc})
}
