package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket dials MQTT over websocket connections. [MQTT-6.0.0-4]
func Websocket(timeout time.Duration) DialFunc {
	d := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: timeout,
	}

	return func(ctx context.Context, url string) (io.ReadWriteCloser, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if conn.Subprotocol() != "mqtt" {
			conn.Close()
			return nil, errors.New("websocket server did not accept sub protocol 'mqtt'")
		}
		return &wsConn{Conn: conn}, nil
	}
}

// wsConn carries the MQTT byte stream in binary websocket messages.
// A single control packet may span messages and one message may hold several.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	err := c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errors.New("not binary message")
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
