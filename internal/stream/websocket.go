package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/coder/websocket"
)

// WebSocketDialer opens the push channel as a WebSocket; each text message is
// one frame. http(s) URLs are rewritten to ws(s).
type WebSocketDialer struct{}

func (WebSocketDialer) Name() string { return "websocket" }

func (WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	wsURL := rawURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// Binary frames are not part of the protocol.
	}
}

func (c *wsConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
