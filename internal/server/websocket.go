package server

import (
	"sync"
	"time"

	"rovercam/internal/config"

	"github.com/gorilla/websocket"
)

// wsConn はgorilla/websocketの接続をstream.Connとして使うためのアダプター
// 読み込みの期限はpongを受け取るたびに延長する
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn, cfg config.TransportConfig) *wsConn {
	c := &wsConn{
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		pongTimeout:  cfg.PongTimeout,
		closed:       make(chan struct{}),
	}

	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	if c.pongTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		})
		go c.pingLoop(c.pongTimeout * 9 / 10)
	}
	return c
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// pingLoop はpongTimeoutより短い間隔でpingを送る
func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			// WriteControlは他の書き込みと並行して呼べる
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout+time.Second)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
