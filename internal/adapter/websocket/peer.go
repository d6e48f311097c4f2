package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	"github.com/cmcscbl/chef-td-relay/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	sendBufferSize = 64
)

// peer is one upgraded connection. Frames queued with Send are written by a
// single writer goroutine, which also keeps the connection alive with pings.
type peer struct {
	id      uuid.UUID
	conn    *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics

	sendChannel chan []byte
	doneChannel chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newPeer(conn *websocket.Conn, clock clockwork.Clock, wsMetrics *metrics.WebSocketMetrics) *peer {
	p := &peer{
		id:          uuid.New(),
		conn:        conn,
		clock:       clock,
		metrics:     wsMetrics,
		sendChannel: make(chan []byte, sendBufferSize),
		doneChannel: make(chan struct{}),
	}
	p.configurePongHandler()
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *peer) ID() uuid.UUID { return p.id }

func (p *peer) IsOpen() bool { return !p.closed.Load() }

// Send queues data for the writer. It never blocks.
func (p *peer) Send(data []byte) error {
	if p.closed.Load() {
		return domain.ErrPeerClosed
	}
	select {
	case p.sendChannel <- data:
		return nil
	default:
		return domain.ErrSendBufferFull
	}
}

func (p *peer) run() {
	ticker := p.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.sendChannel:
			p.setWriteDeadline()
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.abort()
				return
			}
			if p.metrics != nil {
				p.metrics.FramesWritten.Inc()
			}
		case <-ticker.Chan():
			p.setWriteDeadline()
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if p.metrics != nil {
					p.metrics.PingFailures.Inc()
				}
				p.abort()
				return
			}
		case <-p.doneChannel:
			return
		}
	}
}

// abort marks the peer closed and tears down the socket so the read loop
// returns. Only the writer calls it.
func (p *peer) abort() {
	p.closed.Store(true)
	_ = p.conn.Close()
}

func (p *peer) stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.doneChannel)
		_ = p.conn.Close()
	})
	p.wg.Wait()
}

// stopGraceful sends a close frame carrying reason before closing the socket.
func (p *peer) stopGraceful(reason string) {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.doneChannel)
		p.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeDeadline))
		_ = p.conn.Close()
	})
	p.wg.Wait()
}

func (p *peer) configurePongHandler() {
	p.setReadDeadline()
	p.conn.SetPongHandler(func(string) error {
		p.setReadDeadline()
		return nil
	})
}

// Socket deadlines are wall-clock; the injected clock only drives the ping ticker.
func (p *peer) setWriteDeadline() {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (p *peer) setReadDeadline() {
	_ = p.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}
