package server

import (
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/livepoll/internal/platform/timeouts"
	"github.com/louisbranch/livepoll/internal/services/poll/domain"
)

// frameWriter writes one frame to a connection.
type frameWriter interface {
	WriteFrame(frame wsFrame) error
}

type wsConnWriter struct {
	conn *websocket.Conn
}

func (w wsConnWriter) WriteFrame(frame wsFrame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
	return websocket.JSON.Send(w.conn, frame)
}

// wsPeer owns the outbound side of one connection. Frames are queued without
// blocking and written by a single goroutine; when the queue is full the
// frame is dropped.
type wsPeer struct {
	id     string
	writer frameWriter
	out    chan wsFrame
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	onDrop func()
}

func newWSPeer(id string, writer frameWriter, queueSize int) *wsPeer {
	if queueSize <= 0 {
		queueSize = defaultOutboundQueue
	}
	return &wsPeer{
		id:     id,
		writer: writer,
		out:    make(chan wsFrame, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// enqueue reports whether the frame was accepted.
func (p *wsPeer) enqueue(frame wsFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

func (p *wsPeer) run() {
	defer close(p.exited)
	for {
		select {
		case frame := <-p.out:
			if !p.write(frame) {
				p.close()
				return
			}
		case <-p.done:
			p.drain()
			return
		}
	}
}

// drain flushes frames queued before close.
func (p *wsPeer) drain() {
	for {
		select {
		case frame := <-p.out:
			if !p.write(frame) {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(frame wsFrame) bool {
	return p.writer.WriteFrame(frame) == nil
}

func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}

// closeAndFlush stops intake and waits up to timeout for queued frames.
func (p *wsPeer) closeAndFlush(timeout time.Duration) {
	p.close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
	}
}

// connHub tracks live connections and which polls they are subscribed to.
// It is the domain.Gateway used by poll sessions.
type connHub struct {
	mu    sync.RWMutex
	peers map[string]*wsPeer
	polls map[string]map[string]struct{}
}

func newConnHub() *connHub {
	return &connHub{
		peers: make(map[string]*wsPeer),
		polls: make(map[string]map[string]struct{}),
	}
}

func (h *connHub) register(peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[peer.id] = peer
}

func (h *connHub) unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, connID)
	for pollID, members := range h.polls {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.polls, pollID)
		}
	}
}

func (h *connHub) Subscribe(pollID string, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.polls[pollID]
	if !ok {
		members = make(map[string]struct{})
		h.polls[pollID] = members
	}
	members[connID] = struct{}{}
}

func (h *connHub) Unsubscribe(pollID string, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.polls[pollID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.polls, pollID)
	}
}

func (h *connHub) Release(pollID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.polls, pollID)
}

func (h *connHub) BroadcastToPoll(pollID string, kind string, payload any) {
	frame := wsFrame{Type: kind, Payload: mustJSON(payload)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.polls[pollID] {
		if peer, ok := h.peers[connID]; ok {
			peer.enqueue(frame)
		}
	}
}

func (h *connHub) SendTo(connID string, kind string, payload any) {
	h.mu.RLock()
	peer, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	peer.enqueue(wsFrame{Type: kind, Payload: mustJSON(payload)})
}

func (h *connHub) subscriberCount(pollID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.polls[pollID])
}

var _ domain.Gateway = (*connHub)(nil)
