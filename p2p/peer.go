package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

type Peer struct {
	id            string
	clientVersion string
	conn          net.Conn
	reader        *bufio.Reader
	outbound      chan *Message
	server        *Server
	remoteAddr    string
	dialAddr      string
	inbound       bool
	persistent    bool

	limiter *tokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	stateMu           sync.Mutex
	sendVersion       uint32
	isServiceNodeConn bool
	askFor            map[string]struct{}
}

func newPeer(id string, clientVersion string, conn net.Conn, reader *bufio.Reader, server *Server, inbound bool, persistent bool, dialAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	burst := server.cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	limiter := newTokenBucket(server.cfg.RateMsgsPerSec, burst)
	dialAddr = strings.TrimSpace(dialAddr)
	return &Peer{
		id:            id,
		clientVersion: clientVersion,
		conn:          conn,
		reader:        reader,
		outbound:      make(chan *Message, outboundQueueSize),
		server:        server,
		remoteAddr:    conn.RemoteAddr().String(),
		dialAddr:      dialAddr,
		inbound:       inbound,
		persistent:    persistent,
		limiter:       limiter,
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
		return errQueueFull
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(false, fmt.Errorf("peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(false, io.EOF)
				return
			}
			p.terminate(false, fmt.Errorf("read error: %w", err))
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.cfg.MaxMessageBytes {
			p.server.handleProtocolViolation(p, fmt.Errorf("message exceeds max size (%d bytes)", len(trimmed)))
			return
		}

		now := time.Now()
		if !p.limiter.allow(now) {
			p.server.handleRateLimit(p, false)
			return
		}
		if !p.server.allowGlobal(now) {
			p.server.handleRateLimit(p, true)
			return
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.server.handleProtocolViolation(p, fmt.Errorf("malformed message: %w", err))
			return
		}

		if err := p.server.handler.HandleMessage(p, &msg); err != nil {
			fmt.Printf("Error handling message from %s: %v\n", p.id, err)
		}
		p.server.recordValidMessage(p.id)
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
			err := p.writeMessage(ctx, msg)
			cancel()
			if err != nil {
				p.server.adjustScore(p.id, -slowPenalty)
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

func (p *Peer) writeMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err = p.conn.Write(append(data, '\n'))
	return err
}

// SendVersion returns the protocol version this peer announced at handshake.
func (p *Peer) SendVersion() uint32 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.sendVersion
}

// SetSendVersion records the protocol version negotiated for this peer.
func (p *Peer) SetSendVersion(v uint32) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.sendVersion = v
}

// IsServiceNodeConn reports whether this connection was opened as a
// temporary service-node-to-service-node verification link rather than a
// regular gossip peer.
func (p *Peer) IsServiceNodeConn() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.isServiceNodeConn
}

// SetServiceNodeConn marks this connection as a temporary verification link.
func (p *Peer) SetServiceNodeConn(v bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.isServiceNodeConn = v
}

// SetAskFor records that we asked this peer about inventory hash.
func (p *Peer) SetAskFor(hash string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.askFor == nil {
		p.askFor = make(map[string]struct{})
	}
	p.askFor[hash] = struct{}{}
}

// ClearAskFor forgets that we asked this peer about inventory hash.
func (p *Peer) ClearAskFor(hash string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	delete(p.askFor, hash)
}

// HasAskedFor reports whether we have an outstanding ask for this hash
// against this peer.
func (p *Peer) HasAskedFor(hash string) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	_, ok := p.askFor[hash]
	return ok
}

// ID returns the peer's node identifier.
func (p *Peer) ID() string { return p.id }

// IsInbound reports whether this connection was accepted from a remote
// dialer rather than opened by us.
func (p *Peer) IsInbound() bool { return p.inbound }

// RemoteAddr returns the remote endpoint string recorded at connect time.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Misbehave reports a DoS score against this peer to the shared
// reputation manager. A score of 0 is a no-op; callers such as the
// registry and ledger pass the score carried on a faults.Fault.
func (p *Peer) Misbehave(score int) {
	if p == nil || p.server == nil || score <= 0 {
		return
	}
	p.server.adjustScore(p.id, -score)
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.outbound)
		close(p.closed)
		p.server.removePeer(p, ban, reason)
	})
}
