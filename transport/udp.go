package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// connState is the five-state UDP handshake machine from spec.md §3/§4.D.1.
type connState int

const (
	stateDisconnected connState = iota
	stateChallengeReqSent
	stateConnectSent
	stateConnected
	stateDisconnecting
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "Disconnected"
	case stateChallengeReqSent:
		return "ChallengeReqSent"
	case stateConnectSent:
		return "ConnectSent"
	case stateConnected:
		return "Connected"
	case stateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Timing constants from spec.md §3/§4.D/§5.
const (
	aheadCount           = 5
	resendDelay          = 3 * time.Second
	ackTimeout           = 15 * time.Second
	disconnectFallback   = 15 * time.Second
	flushInterval        = 500 * time.Millisecond
	deferredAckDelay     = 10 * time.Millisecond
	challengeXOR  uint32 = 0xA426DF2B

	connIDStart = 512
	connIDStep  = 256

	maxUint32 = ^uint32(0)
)

// globalConnID is the process-wide monotonic counter spec.md §3/§5 calls
// for ("Global counter → process-wide atomic"). Initialized so the first
// Add(connIDStep) yields connIDStart.
var globalConnID atomic.Uint32

func init() {
	globalConnID.Store(connIDStart - connIDStep)
}

func nextConnID() uint32 {
	return globalConnID.Add(connIDStep)
}

type udpDatagram struct {
	addr *net.UDPAddr
	data []byte
	err  error
}

type udpSendRequest struct {
	payload []byte
	result  chan error
}

// udpTransport implements Transport over Valve's reliable-UDP protocol
// (spec.md §3, §4.D). Single event-loop goroutine owns all connection
// state (spec.md §5); a reader goroutine only feeds datagrams into its
// channel and never touches state directly.
type udpTransport struct {
	handler EventHandler
	logger  *slog.Logger

	conn *net.UDPConn

	addrMu     sync.Mutex
	remoteAddr *net.UDPAddr
	remoteStr  string

	datagramCh  chan udpDatagram
	sendCh      chan udpSendRequest
	endCh       chan chan error
	destroyCh   chan chan error
	setTimeoutC chan time.Duration
	connectDone chan udpConnectResult
	loopDone    chan struct{}

	// --- fields below are touched only by the run() goroutine ---

	state        connState
	sourceConnID uint32
	remoteConnID uint32
	serverLoad   uint32

	outSeq       uint32
	outSeqSent   uint32
	outSeqAcked  uint32
	inSeq        uint32
	inSeqAcked   uint32
	inSeqHandled uint32

	outPackets map[uint32]*outboundPacket
	inPackets  map[uint32]*inboundPacket

	cipher *channelCipher

	flushTicker        *time.Ticker
	deferredAckTimer   *time.Timer
	deferredAckPending bool
	disconnectTimer    *time.Timer
	inactivityTimer    *time.Timer
	inactivityDuration time.Duration
}

type udpConnectResult struct {
	serverLoad uint32
	err        error
}

func newUDPTransport(handler EventHandler, logger *slog.Logger) *udpTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &udpTransport{
		handler:     handler,
		logger:      logger,
		datagramCh:  make(chan udpDatagram, 64),
		sendCh:      make(chan udpSendRequest),
		endCh:       make(chan chan error),
		destroyCh:   make(chan chan error),
		setTimeoutC: make(chan time.Duration),
		connectDone: make(chan udpConnectResult, 1),
		loopDone:    make(chan struct{}),
		outPackets:  make(map[uint32]*outboundPacket),
		inPackets:   make(map[uint32]*inboundPacket),
		outSeq:      1,
	}
}

// setSessionKey installs the session-key cipher; the façade calls this
// directly on the UDP transport instead of encrypting at the façade layer,
// since Data-type framing and crypto are interleaved here (spec.md §4.E).
func (u *udpTransport) setSessionKey(key []byte, useHMAC bool) error {
	if key == nil {
		u.cipher = nil
		return nil
	}
	c, err := newChannelCipher(key, useHMAC)
	if err != nil {
		return err
	}
	u.cipher = c
	return nil
}

func (u *udpTransport) Connect(ctx context.Context, opts DialOptions) (uint32, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", opts.addr())
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", opts.addr(), err)
	}

	var localAddr *net.UDPAddr
	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		localAddr = &net.UDPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return 0, fmt.Errorf("bind udp: %w", err)
	}

	u.conn = conn
	u.remoteAddr = remoteAddr
	u.remoteStr = remoteAddr.String()
	u.sourceConnID = nextConnID()
	u.state = stateChallengeReqSent

	go u.readUDPLoop()
	go u.run()

	// run() sends ChallengeReq as soon as its loop starts (spec.md §8
	// scenario 1 — the very first fragment of the very first message).
	select {
	case res := <-u.connectDone:
		return res.serverLoad, res.err
	case <-ctx.Done():
		u.Destroy()
		return 0, ctx.Err()
	}
}

func (u *udpTransport) readUDPLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case u.datagramCh <- udpDatagram{err: err}:
			case <-u.loopDone:
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case u.datagramCh <- udpDatagram{addr: addr, data: data}:
		case <-u.loopDone:
			return
		}
	}
}

// run is the single cooperative event loop (spec.md §5): all connection
// state is read and written only here.
func (u *udpTransport) run() {
	defer close(u.loopDone)

	var flushC <-chan time.Time
	var deferredAckC <-chan time.Time
	var disconnectC <-chan time.Time
	var inactivityC <-chan time.Time

	// The initial ChallengeReq enqueue happens here, on the loop goroutine,
	// rather than racing Connect's send above.
	u.enqueueMessageLocked(ptChallengeReq, nil)

	for {
		if u.flushTicker != nil {
			flushC = u.flushTicker.C
		} else {
			flushC = nil
		}
		if u.deferredAckTimer != nil {
			deferredAckC = u.deferredAckTimer.C
		} else {
			deferredAckC = nil
		}
		if u.disconnectTimer != nil {
			disconnectC = u.disconnectTimer.C
		} else {
			disconnectC = nil
		}
		if u.inactivityTimer != nil {
			inactivityC = u.inactivityTimer.C
		} else {
			inactivityC = nil
		}

		select {
		case dg := <-u.datagramCh:
			if dg.err != nil {
				u.destroy(fmt.Errorf("udp read: %w", dg.err))
				return
			}
			u.handleDatagram(dg)
			if u.state == stateDisconnected {
				return
			}

		case req := <-u.sendCh:
			req.result <- u.enqueueMessageLocked(ptData, req.payload)

		case <-flushC:
			u.flushOutgoingBuffer()
			if u.state == stateDisconnected {
				return
			}

		case <-deferredAckC:
			u.deferredAckTimer = nil
			u.deferredAckPending = false
			if u.inSeqAcked < u.inSeq {
				u.sendPureAck()
			}

		case <-disconnectC:
			u.destroy(ErrGracefulDisconnectTimeout)
			return

		case <-inactivityC:
			u.handler.fireTimeout()
			u.inactivityTimer.Reset(u.inactivityDuration)

		case d := <-u.setTimeoutC:
			u.inactivityDuration = d
			if u.inactivityTimer != nil {
				u.inactivityTimer.Stop()
				u.inactivityTimer = nil
			}
			if d > 0 {
				u.inactivityTimer = time.NewTimer(d)
			}

		case respCh := <-u.endCh:
			respCh <- u.beginEnd()

		case respCh := <-u.destroyCh:
			u.destroy(nil)
			respCh <- nil
			return
		}
	}
}

func (u *udpTransport) beginEnd() error {
	if u.state != stateConnected {
		return ErrNotConnected
	}
	u.state = stateDisconnecting
	u.enqueueMessageLocked(ptDisconnect, nil)
	u.disconnectTimer = time.NewTimer(disconnectFallback)
	return nil
}

// enqueueMessageLocked fragments and enqueues an outbound message, encrypting
// Data payloads first when a session key is set (spec.md §4.D.2). Only ever
// called from the run() goroutine.
func (u *udpTransport) enqueueMessageLocked(typ packetType, payload []byte) error {
	if typ == ptData && u.cipher != nil {
		enc, err := u.cipher.encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt outbound data: %w", err)
		}
		payload = enc
	}

	firstSeq := u.outSeq
	frags := fragmentMessage(firstSeq, typ, payload)
	u.outSeq += uint32(len(frags))

	for i := range frags {
		f := frags[i]
		u.outPackets[f.seq] = &f
	}

	u.flushOutgoingBuffer()
	return nil
}

// flushOutgoingBuffer implements spec.md §4.D.2: walk out_packets in
// ascending seq, drop acked entries, send unsent entries while the
// AHEAD_COUNT window allows, resend or time out already-sent entries.
func (u *udpTransport) flushOutgoingBuffer() {
	seqs := make([]uint32, 0, len(u.outPackets))
	for seq := range u.outPackets {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	now := time.Now()

	for _, seq := range seqs {
		rec, ok := u.outPackets[seq]
		if !ok {
			continue
		}
		if seq <= u.outSeqAcked {
			delete(u.outPackets, seq)
			continue
		}

		if rec.firstSentAt == 0 {
			if u.outSeqSent < u.outSeqAcked+aheadCount {
				u.transmit(rec)
			} else {
				break
			}
			continue
		}

		firstSent := time.Unix(0, rec.firstSentAt)
		if now.Sub(firstSent) >= ackTimeout {
			u.destroy(ErrConnectionTimedOut)
			return
		}
		lastSent := time.Unix(0, rec.lastSentAt)
		if now.Sub(lastSent) >= resendDelay {
			u.transmit(rec)
		}
	}
}

// transmit puts rec on the wire (or resends it) and updates its bookkeeping.
func (u *udpTransport) transmit(rec *outboundPacket) {
	h := udpHeader{
		payloadLen:   uint16(len(rec.payload)),
		typ:          rec.typ,
		sourceConnID: u.sourceConnID,
		destConnID:   u.remoteConnID,
		seq:          rec.seq,
		packetsInMsg: rec.packetsInMsg,
		msgStartSeq:  rec.msgStartSeq,
		msgSize:      rec.msgSize,
	}
	u.writePacket(h, rec.payload)

	now := time.Now().UnixNano()
	if rec.firstSentAt == 0 {
		rec.firstSentAt = now
	}
	rec.lastSentAt = now
	if rec.seq > u.outSeqSent {
		u.outSeqSent = rec.seq
	}
}

// writePacket puts one packet on the wire, always carrying the latest ack
// (spec.md §4.D.3) and canceling any pending deferred-ack timer.
func (u *udpTransport) writePacket(h udpHeader, payload []byte) {
	h.ack = u.inSeq
	u.inSeqAcked = u.inSeq

	if u.deferredAckTimer != nil {
		u.deferredAckTimer.Stop()
		u.deferredAckTimer = nil
	}
	u.deferredAckPending = false

	buf := append(encodeUDPHeader(h), payload...)
	if _, err := u.conn.WriteToUDP(buf, u.remoteAddr); err != nil {
		u.logger.Debug("udp write failed", "err", err)
	}
}

// sendPureAck emits a Datagram-type packet carrying no payload whose sole
// purpose is to convey the latest ack (spec.md §3 "Pure-ack Datagram").
func (u *udpTransport) sendPureAck() {
	u.writePacket(udpHeader{
		typ:          ptDatagram,
		sourceConnID: u.sourceConnID,
		destConnID:   u.remoteConnID,
	}, nil)
}

func (u *udpTransport) scheduleDeferredAck() {
	if u.deferredAckPending {
		return
	}
	u.deferredAckPending = true
	u.deferredAckTimer = time.NewTimer(deferredAckDelay)
}

// handleDatagram implements spec.md §4.D.4's validation and dispatch chain.
func (u *udpTransport) handleDatagram(dg udpDatagram) {
	if u.remoteAddr == nil || !udpAddrEqual(dg.addr, u.remoteAddr) {
		return
	}

	if u.inactivityTimer != nil {
		u.inactivityTimer.Stop()
		u.inactivityTimer.Reset(u.inactivityDuration)
	}

	h, err := decodeUDPHeader(dg.data)
	if err != nil {
		u.logger.Debug("dropping malformed udp packet", "err", err)
		return
	}
	payload := dg.data[udpHeaderLen:]
	if uint16(len(payload)) != h.payloadLen {
		u.logger.Debug("udp payload length mismatch", "got", len(payload), "want", h.payloadLen)
		return
	}

	if h.sourceConnID != 0 {
		if u.remoteConnID == 0 {
			u.remoteConnID = h.sourceConnID
		} else if u.remoteConnID != h.sourceConnID {
			u.logger.Debug("udp source_conn_id mismatch", "got", h.sourceConnID, "want", u.remoteConnID)
			return
		}
	}

	if h.destConnID != u.sourceConnID {
		u.logger.Debug("udp dest_conn_id mismatch", "got", h.destConnID, "want", u.sourceConnID)
		return
	}

	if h.ack > u.outSeqAcked {
		u.outSeqAcked = h.ack
		u.flushOutgoingBuffer()
		if u.state == stateDisconnected {
			return
		}
		u.flushIncomingBuffer()
		if u.state == stateDisconnected {
			return
		}
	}

	if h.seq > 0 && h.seq <= u.inSeq {
		u.scheduleDeferredAck()
		return
	}

	if h.typ == ptDatagram {
		return
	}

	rec := &inboundPacket{
		seq:          h.seq,
		typ:          h.typ,
		packetsInMsg: h.packetsInMsg,
		msgStartSeq:  h.msgStartSeq,
		msgSize:      h.msgSize,
		payload:      append([]byte(nil), payload...),
	}
	u.inPackets[h.seq] = rec

	// flushIncomingBuffer first so in_seq has already advanced over this
	// packet (if it could) before the even-piece ack piggybacks it (spec.md
	// §4.D.4 orders the flush, step 9, before this ack, step 10).
	u.flushIncomingBuffer()
	if u.state == stateDisconnected {
		return
	}

	if h.packetsInMsg > 3 && ((h.seq-h.msgStartSeq)+1)%2 == 0 {
		u.sendPureAck()
	}
}

// flushIncomingBuffer implements spec.md §4.D.4: advance in_seq over the
// longest contiguous prefix, then drain whole messages in strict seq order.
func (u *udpTransport) flushIncomingBuffer() {
	grew := false
	for {
		if _, ok := u.inPackets[u.inSeq+1]; ok {
			u.inSeq++
			grew = true
		} else {
			break
		}
	}
	if grew {
		u.scheduleDeferredAck()
	}

	for {
		if len(u.inPackets) == 0 {
			break
		}
		seqs := make([]uint32, 0, len(u.inPackets))
		for seq := range u.inPackets {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		headSeq := seqs[0]

		if headSeq <= u.inSeqHandled {
			delete(u.inPackets, headSeq)
			continue
		}

		head := u.inPackets[headSeq]
		if head.msgStartSeq != headSeq {
			break
		}

		needed := head.packetsInMsg
		// packets_in_msg == 0 can never be produced by fragmentMessage (it
		// always yields at least one fragment, spec.md §4.D.2); a peer that
		// sends it is malformed. Drop it rather than loop forever re-visiting
		// a head record that can never satisfy the completeness check below
		// (spec.md §7 "logged and dropped", not hung on).
		if needed == 0 || needed > maxUint32-headSeq+1 {
			u.logger.Debug("dropping udp message with invalid packets_in_msg", "seq", headSeq, "packets_in_msg", needed)
			delete(u.inPackets, headSeq)
			continue
		}
		// A missing earlier packet blocks all later messages (spec.md §5):
		// only consider this message complete once the contiguous-receipt
		// counter has actually reached its last fragment, not merely once
		// every fragment happens to be sitting in the map out of order.
		if headSeq+needed-1 > u.inSeq {
			break
		}
		complete := true
		for i := uint32(0); i < needed; i++ {
			if _, ok := u.inPackets[headSeq+i]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			break
		}

		frags := make([]*inboundPacket, needed)
		for i := uint32(0); i < needed; i++ {
			frags[i] = u.inPackets[headSeq+i]
			delete(u.inPackets, headSeq+i)
		}
		u.inSeqHandled = headSeq + needed - 1

		valid := true
		for _, f := range frags {
			if f.msgSize != head.msgSize || f.typ != head.typ ||
				f.msgStartSeq != head.msgStartSeq || f.packetsInMsg != head.packetsInMsg {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}

		buf := make([]byte, 0, head.msgSize)
		for _, f := range frags {
			buf = append(buf, f.payload...)
		}
		if uint32(len(buf)) != head.msgSize {
			continue
		}

		u.dispatchMessage(head.typ, buf)
		if u.state == stateDisconnected {
			return
		}
	}

	if u.state == stateDisconnecting && u.outSeqAcked >= u.outSeqSent {
		u.destroy(nil)
	}
}

// dispatchMessage implements spec.md §4.D.5.
func (u *udpTransport) dispatchMessage(typ packetType, payload []byte) {
	switch {
	case typ == ptChallenge && u.state == stateChallengeReqSent:
		if len(payload) < 8 {
			u.logger.Debug("challenge payload too short", "len", len(payload))
			return
		}
		challenge := binary.LittleEndian.Uint32(payload[0:4])
		u.serverLoad = binary.LittleEndian.Uint32(payload[4:8])

		body := make([]byte, 4)
		binary.LittleEndian.PutUint32(body, challenge^challengeXOR)
		u.enqueueMessageLocked(ptConnect, body)
		u.state = stateConnectSent

	case typ == ptAccept && u.state == stateConnectSent:
		u.state = stateConnected
		u.flushTicker = time.NewTicker(flushInterval)
		select {
		case u.connectDone <- udpConnectResult{serverLoad: u.serverLoad}:
		default:
		}
		u.handler.fireDebug(fmt.Sprintf("udp connected, server_load=%d", u.serverLoad))

	case typ == ptData && u.state == stateConnected:
		out := payload
		if u.cipher != nil {
			dec, err := u.cipher.decrypt(payload)
			if err != nil {
				u.handler.fireEncryptionError(err)
				return
			}
			out = dec
		}
		u.handler.firePacket(out)

	case typ == ptDatagram && u.state == stateConnected:
		// ack-only, no-op

	case typ == ptDisconnect && (u.state == stateConnected || u.state == stateDisconnecting):
		u.sendPureAck()
		u.destroy(nil)

	default:
		u.logger.Debug("dropping unexpected udp message", "type", typ, "state", u.state)
	}
}

// destroy is spec.md §4.D.1/§5 "destroy": unconditional, synchronous from
// the caller's point of view (by the time an external Destroy() call
// returns, OnClose/OnEnd have fired), called here from inside run().
func (u *udpTransport) destroy(err error) {
	if u.flushTicker != nil {
		u.flushTicker.Stop()
		u.flushTicker = nil
	}
	if u.deferredAckTimer != nil {
		u.deferredAckTimer.Stop()
		u.deferredAckTimer = nil
	}
	if u.disconnectTimer != nil {
		u.disconnectTimer.Stop()
		u.disconnectTimer = nil
	}
	if u.inactivityTimer != nil {
		u.inactivityTimer.Stop()
		u.inactivityTimer = nil
	}

	wasConnected := u.state != stateDisconnected
	u.state = stateDisconnected
	if u.conn != nil {
		u.conn.Close()
	}

	if !wasConnected {
		return
	}

	if err != nil {
		select {
		case u.connectDone <- udpConnectResult{err: err}:
		default:
		}
		u.logger.Error("udp transport error", "err", err)
		u.handler.fireError(err)
	}
	u.handler.fireClose()
	u.handler.fireEnd()
}

func (u *udpTransport) Send(ctx context.Context, payload []byte) error {
	result := make(chan error, 1)
	select {
	case u.sendCh <- udpSendRequest{payload: payload, result: result}:
	case <-u.loopDone:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-u.loopDone:
		return ErrNotConnected
	}
}

func (u *udpTransport) End() error {
	resp := make(chan error, 1)
	select {
	case u.endCh <- resp:
	case <-u.loopDone:
		return ErrNotConnected
	}
	return <-resp
}

func (u *udpTransport) Destroy() error {
	resp := make(chan error, 1)
	select {
	case u.destroyCh <- resp:
		<-resp
	case <-u.loopDone:
	}
	return nil
}

func (u *udpTransport) SetTimeout(d time.Duration) {
	select {
	case u.setTimeoutC <- d:
	case <-u.loopDone:
	}
}

func (u *udpTransport) RemoteAddr() string {
	u.addrMu.Lock()
	defer u.addrMu.Unlock()
	return u.remoteStr
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
