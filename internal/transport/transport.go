// Package transport is the peer-to-peer wire layer: long-lived framed
// TCP connections, one per ordered (local, remote) pair, carrying
// gob-encoded raft.Message values behind a 4-byte big-endian length
// prefix. A connection opens with a small handshake frame identifying
// the dialing node (and a cluster-configuration fingerprint, so a
// misconfigured peer list is visible in the logs instead of silently
// producing a split-brain-shaped outage).
package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/internal/raft"
)

const (
	maxFrameBytes = 64 << 20
	inboxCapacity = 4096
	dialTimeout   = 2 * time.Second
	readDeadline  = 2 * time.Second
	minBackoff    = 500 * time.Millisecond
	backoffStep   = 500 * time.Millisecond
	maxBackoff    = 5 * time.Second
)

// Fingerprint hashes an ordered member list into the value exchanged
// during the handshake; members must be given in the same order on
// every node (SPEC_FULL.md §9.3).
func Fingerprint(members []string) uint32 {
	h := fnv.New32a()
	for _, m := range members {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peerConn) writeFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

// Transport owns the listener, outbound connections, reconnect
// scheduling, and the bounded inbound queue a driver reads from.
type Transport struct {
	mu          sync.RWMutex
	selfID      string
	fingerprint uint32
	peerAddrs   map[string]string
	conns       map[string]*peerConn
	reconnectAt map[string]time.Time

	listener net.Listener
	inbox    chan raft.Message
	log      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New builds a Transport. peerAddrs should include every voting member
// except selfID (host:port, scheme ignored); members is the full member
// id list the handshake fingerprint is computed from. The listen address
// is passed to Listen.
func New(selfID string, peerAddrs map[string]string, members []string, log zerolog.Logger) *Transport {
	t := &Transport{
		selfID:      selfID,
		fingerprint: Fingerprint(sortedCopy(members)),
		peerAddrs:   peerAddrs,
		conns:       map[string]*peerConn{},
		reconnectAt: map[string]time.Time{},
		inbox:       make(chan raft.Message, inboxCapacity),
		log:         log.With().Str("component", "transport").Str("node", selfID).Logger(),
		stopCh:      make(chan struct{}),
	}
	return t
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Listen starts accepting inbound peer connections on addr.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		t.wg.Add(1)
		go t.serveInbound(conn)
	}
}

func (t *Transport) serveInbound(conn net.Conn) {
	defer t.wg.Done()
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	peerID, peerFingerprint, err := readHandshake(r)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.log.Warn().Err(err).Msg("handshake failed, closing connection")
		conn.Close()
		return
	}
	if _, known := t.peerAddrs[peerID]; !known && peerID != t.selfID {
		t.log.Warn().Str("peer", peerID).Msg("rejecting connection from unknown peer id")
		conn.Close()
		return
	}
	if peerFingerprint != t.fingerprint {
		t.log.Warn().Str("peer", peerID).Msg("peer cluster-configuration fingerprint mismatch")
	}
	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	t.mu.Unlock()
	t.readLoop(peerID, conn, r)
}

func (t *Transport) readLoop(peerID string, conn net.Conn, r *bufio.Reader) {
	for {
		select {
		case <-t.stopCh:
			conn.Close()
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		msg, err := readMessage(r)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Debug().Err(err).Str("peer", peerID).Msg("connection closed")
			t.dropConn(peerID)
			return
		}
		select {
		case t.inbox <- msg:
		default:
			t.log.Warn().Str("peer", peerID).Msg("inbound queue full, dropping message")
		}
	}
}

func (t *Transport) dropConn(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[peerID]; ok {
		pc.conn.Close()
		delete(t.conns, peerID)
	}
}

// Inbox returns the channel of messages received from peers (and, for
// self-addressed sends, looped back without touching the network).
func (t *Transport) Inbox() <-chan raft.Message { return t.inbox }

// Send writes m to the live connection for m.To. If there is none, m is
// dropped and a (re)dial is scheduled, rate-limited by the reconnect
// backoff; raft retransmits. Self-addressed messages bypass the network
// entirely.
func (t *Transport) Send(m raft.Message) {
	if m.To == t.selfID {
		select {
		case t.inbox <- m:
		default:
			t.log.Warn().Msg("inbound queue full, dropping self-addressed message")
		}
		return
	}
	t.mu.RLock()
	pc, ok := t.conns[m.To]
	t.mu.RUnlock()
	if !ok {
		t.scheduleReconnect(m.To)
		return
	}
	frame, err := encodeMessage(m)
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to encode outgoing message")
		return
	}
	if err := pc.writeFrame(frame); err != nil {
		t.log.Debug().Err(err).Str("peer", m.To).Msg("write failed, will reconnect")
		t.dropConn(m.To)
		t.scheduleReconnect(m.To)
	}
}

// UpdateMembership recomputes the handshake fingerprint from the new
// voter set. It opens and closes no connections: a newly added peer is
// dialed by Send only once its address has been registered with AddPeer,
// and a connection to a removed peer stays open until a read or write on
// it fails.
func (t *Transport) UpdateMembership(cs raft.ConfState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fingerprint = Fingerprint(sortedCopy(cs.Voters))
}

// AddPeer registers (or updates) the address for a peer, e.g. after a
// configuration change adds a node.
func (t *Transport) AddPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[id] = addr
}

func (t *Transport) scheduleReconnect(peerID string) {
	t.mu.Lock()
	addr, known := t.peerAddrs[peerID]
	if !known {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	next, pending := t.reconnectAt[peerID]
	if pending && now.Before(next) {
		t.mu.Unlock()
		return
	}
	attempt := 1
	if pending {
		attempt = 2 // a previous attempt already happened this backoff cycle
	}
	backoff := minBackoff + time.Duration(attempt-1)*backoffStep
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	t.reconnectAt[peerID] = now.Add(backoff)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dial(peerID, addr)
	}()
}

func (t *Transport) dial(peerID, addr string) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		t.log.Debug().Err(err).Str("peer", peerID).Msg("dial failed")
		return
	}
	if err := writeHandshake(conn, t.selfID, t.fingerprint); err != nil {
		t.log.Debug().Err(err).Str("peer", peerID).Msg("handshake write failed")
		conn.Close()
		return
	}
	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	delete(t.reconnectAt, peerID)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(peerID, conn, bufio.NewReader(conn))
	}()
}

// Stop closes the listener and every live connection, unblocking every
// goroutine this Transport owns.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	for _, pc := range t.conns {
		pc.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// --- framing ---

func writeLengthPrefixed(conn net.Conn, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func writeHandshake(conn net.Conn, selfID string, fingerprint uint32) error {
	var fp [4]byte
	binary.BigEndian.PutUint32(fp[:], fingerprint)
	payload := append([]byte(selfID), fp[:]...)
	return writeLengthPrefixed(conn, payload)
}

func readHandshake(r *bufio.Reader) (peerID string, fingerprint uint32, err error) {
	payload, err := readFrame(r)
	if err != nil {
		return "", 0, err
	}
	if len(payload) < 4 {
		return "", 0, fmt.Errorf("transport: truncated handshake")
	}
	idBytes := payload[:len(payload)-4]
	fingerprint = binary.BigEndian.Uint32(payload[len(payload)-4:])
	return string(idBytes), fingerprint, nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := ioReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := ioReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func encodeMessage(m raft.Message) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(m); err != nil {
		return nil, err
	}
	var frame bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(body.Len()))
	frame.Write(hdr[:])
	frame.Write(body.Bytes())
	return frame.Bytes(), nil
}

func readMessage(r *bufio.Reader) (raft.Message, error) {
	payload, err := readFrame(r)
	if err != nil {
		return raft.Message{}, err
	}
	var m raft.Message
	err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&m)
	return m, err
}
