package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/util"
)

// Conn is one live stream connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection closes.
	Read() ([]byte, error)
	// Terminate closes the connection without a close handshake. It is
	// safe to call more than once and from any goroutine.
	Terminate() error
}

type Transport interface {
	Dial(ctx context.Context, pair string) (Conn, error)
}

type authFrame struct {
	APIKeyID     string `json:"api_key_id"`
	APIKeySecret string `json:"api_key_secret"`
}

// WSTransport dials {BaseURL}/{pair} and sends the credentials as the
// first frame.
type WSTransport struct {
	BaseURL      string
	APIKeyID     string
	APIKeySecret string
	Dialer       *websocket.Dialer
	Logger       *zap.SugaredLogger
}

const maxFrameSize = 32 << 20

func (t *WSTransport) Dial(ctx context.Context, pair string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
		}
	}
	url := strings.TrimRight(t.BaseURL, "/") + "/" + pair
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameSize)

	if err := c.WriteJSON(authFrame{APIKeyID: t.APIKeyID, APIKeySecret: t.APIKeySecret}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send credentials: %w", err)
	}
	util.OrNop(t.Logger).Infow("stream_connected", "pair", pair, "url", url)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c    *websocket.Conn
	once sync.Once
	err  error
}

func (w *wsConn) Read() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) Terminate() error {
	w.once.Do(func() { w.err = w.c.Close() })
	return w.err
}
