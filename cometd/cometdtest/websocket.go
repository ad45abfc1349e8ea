package cometdtest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsConn serializes frames to one websocket through a write pump, so a held
// /meta/connect can answer while the read loop keeps going.
type wsConn struct {
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
	log          zerolog.Logger
}

func newWSConn(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, log zerolog.Logger) *wsConn {
	c := &wsConn{
		conn:         conn,
		sendCh:       make(chan []byte, bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
		log:          log,
	}
	c.writeWg.Add(1)
	go c.writePump()
	return c
}

func (c *wsConn) writePump() {
	defer c.writeWg.Done()

	for {
		select {
		case <-c.closeCh:
			return
		case frame := <-c.sendCh:
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				go c.close(websocket.CloseInternalServerErr)
				return
			}
		}
	}
}

func (c *wsConn) write(msgs []*protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	frame, err := protocol.Encode(msgs)
	if err != nil {
		c.log.Error().Err(err).Msg("encode reply")
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.sendCh <- frame:
	case <-c.closeCh:
	default:
		c.log.Warn().Msg("websocket send buffer full, closing")
		go c.close(websocket.CloseTryAgainLater)
	}
}

func (c *wsConn) close(code int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	c.writeWg.Wait()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
