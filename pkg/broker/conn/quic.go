package conn

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/robustmq/robustmq/pkg/log"
)

// quicTransport adapts one QUIC stream to Transport. MQTT's own framing
// (fixed header + remaining length) already delimits messages, so a
// single bidirectional stream per connection is enough — there is no
// need for QUIC's stream multiplexing within one MQTT session.
type quicTransport struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (t *quicTransport) Read(p []byte) (int, error)  { return t.stream.Read(p) }
func (t *quicTransport) Write(p []byte) (int, error) { return t.stream.Write(p) }
func (t *quicTransport) Close() error {
	_ = t.stream.Close()
	return t.conn.CloseWithError(0, "")
}
func (t *quicTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// ServeQUIC accepts QUIC connections on addr until ctx is cancelled,
// running one MQTT session per connection's first stream. tlsConfig
// must carry at least one certificate; QUIC has no plaintext mode.
func (h *Handler) ServeQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return err
	}
	defer ln.Close()

	logger := log.WithComponent("mqtt-quic")
	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go h.serveQUICConn(qconn, logger)
	}
}

func (h *Handler) serveQUICConn(qconn *quic.Conn, logger zerolog.Logger) {
	stream, err := qconn.AcceptStream(context.Background())
	if err != nil {
		logger.Debug().Err(err).Msg("accept quic stream failed")
		_ = qconn.CloseWithError(0, "")
		return
	}
	logger.Debug().Str("remote", qconn.RemoteAddr().String()).Msg("accepted mqtt quic connection")
	h.ServeConn(&quicTransport{conn: qconn, stream: stream})
}
