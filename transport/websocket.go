package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/waweb/limits"
	"github.com/sirupsen/logrus"
)

// Default web endpoint settings.
const (
	DefaultEndpoint = "wss://web.whatsapp.com/ws"
	DefaultOrigin   = "https://web.whatsapp.com"
	writeTimeout    = 10 * time.Second
)

// WebSocketDialer dials the web endpoint.
type WebSocketDialer struct {
	URL              string
	Origin           string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// NewWebSocketDialer returns a dialer for url with the default origin.
func NewWebSocketDialer(url string) *WebSocketDialer {
	if url == "" {
		url = DefaultEndpoint
	}
	return &WebSocketDialer{URL: url, Origin: DefaultOrigin, HandshakeTimeout: 20 * time.Second}
}

// Dial opens the websocket. The context bounds the opening handshake only.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"package":  "transport",
			"url":      d.URL,
			"status":   status,
			"error":    err.Error(),
		}).Warn("Websocket dial failed")
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return newWSConn(ws), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade accepts a websocket on the server side of a simulated endpoint.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(limits.MaxFrameSize)
	return &wsConn{ws: ws}
}

// ReadFrame returns the next binary message. Text messages are skipped.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "ReadFrame",
					"package":  "transport",
					"error":    err.Error(),
				}).Debug("Websocket closed unexpectedly")
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := limits.ValidateFrame(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
