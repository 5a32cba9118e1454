package core

// channel.go – reliable, in-order, sliding-window message sub-stream over
// a Link (C7). Sequence-numbered messages go out through the owning Link's
// send path; the ring buffers are plain fixed-size arrays per the data
// model's "fixed-capacity circular array".

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	ringSize          = 16
	envelopeHeaderSize = 6 // msgtype(2) + sequence(2) + length(2)
	windowMax         = 48
	windowMinDefault  = 2

	rttFast   = 0.1
	rttMedium = 0.3
	rttSlow   = 1.0

	windowMaxFast = 48
	maxTries      = 8
)

type WindowTier int

const (
	TierFast WindowTier = iota
	TierMedium
	TierSlow
	TierVerySlow
)

var (
	ErrChannelFull    = errors.New("channel: tx ring full")
	ErrMessageTooLarge = errors.New("channel: message exceeds link MDU")
	ErrUnknownMsgType = errors.New("channel: unknown message type")
)

// envelope is the Channel-layer wrapper: [msgtype:2][sequence:2][length:2][payload].
type envelope struct {
	msgtype  uint16
	sequence uint16
	payload  []byte

	tries      int
	sentAt     int64
	delivered  bool
}

func marshalEnvelope(msgtype, sequence uint16, payload []byte) []byte {
	out := make([]byte, envelopeHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], msgtype)
	binary.BigEndian.PutUint16(out[2:4], sequence)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[6:], payload)
	return out
}

func unmarshalEnvelope(raw []byte) (*envelope, error) {
	if len(raw) < envelopeHeaderSize {
		return nil, errors.New("channel: short envelope")
	}
	length := binary.BigEndian.Uint16(raw[4:6])
	if len(raw) < envelopeHeaderSize+int(length) {
		return nil, errors.New("channel: truncated envelope")
	}
	return &envelope{
		msgtype:  binary.BigEndian.Uint16(raw[0:2]),
		sequence: binary.BigEndian.Uint16(raw[2:4]),
		payload:  append([]byte(nil), raw[6:6+length]...),
	}, nil
}

// Channel is a reliable ordered message stream over a Link.
type Channel struct {
	link *Link
	tr   *Transport

	tx      [ringSize]*envelope
	rx      [ringSize]*envelope
	nextTX  uint16
	expectedRX uint16

	window      int
	windowMin   int
	windowMax   int
	tier        WindowTier

	handlers []func(msgtype uint16, payload []byte) bool
	closed   bool
}

// NewChannel attaches a fresh Channel to an ACTIVE link, using tr to
// actually place envelopes on the wire.
func NewChannel(tr *Transport, l *Link) *Channel {
	c := &Channel{link: l, tr: tr, window: 4, windowMin: windowMinDefault, windowMax: windowMax, tier: TierMedium}
	l.Channel = c
	return c
}

// AddMessageHandler registers fn; handlers run in registration order with
// claim semantics (first true return terminates dispatch).
func (c *Channel) AddMessageHandler(fn func(msgtype uint16, payload []byte) bool) {
	c.handlers = append(c.handlers, fn)
}

// RemoveMessageHandler removes the handler at position idx in registration
// order; an out-of-range idx is ignored.
func (c *Channel) RemoveMessageHandler(idx int) {
	if idx < 0 || idx >= len(c.handlers) {
		return
	}
	c.handlers = append(c.handlers[:idx], c.handlers[idx+1:]...)
}

// IsReadyToSend reports whether the TX ring has room and the link is active.
func (c *Channel) IsReadyToSend() bool {
	if c.closed || c.link.State != LinkActive {
		return false
	}
	return c.txFreeSlot() >= 0
}

func (c *Channel) txFreeSlot() int {
	for i, e := range c.tx {
		if e == nil {
			return i
		}
	}
	return -1
}

// Send packs msgtype/payload into an envelope, wraps it as a DATA/CHANNEL
// packet and pushes it into the TX ring.
func (c *Channel) Send(msgtype uint16, payload []byte) error {
	if c.closed || c.link.State != LinkActive {
		return ErrLinkNotActive
	}
	mdu := 500 // MDU would come from the owning link's interface in a full wiring
	if len(payload)+envelopeHeaderSize > mdu {
		return ErrMessageTooLarge
	}
	slot := c.txFreeSlot()
	if slot < 0 {
		return ErrChannelFull
	}
	seq := c.nextTX
	c.nextTX++
	e := &envelope{msgtype: msgtype, sequence: seq, payload: payload, sentAt: time.Now().Unix()}
	c.tx[slot] = e
	return c.transmit(e)
}

func (c *Channel) transmit(e *envelope) error {
	wire := marshalEnvelope(e.msgtype, e.sequence, e.payload)
	ct, err := c.link.Encrypt(wire)
	if err != nil {
		return err
	}
	if c.tr == nil {
		return errors.New("channel: no transport attached")
	}
	st := c.tr.state()
	iface, ok := st.Interfaces.Get(c.link.OutInterface)
	if !ok {
		return errors.New("channel: outbound interface not found")
	}
	pkt := Pack(DestHash(c.link.ID), ct, PacketData, CtxChannel, Header1, TransportBroadcast, DestLink, nil)
	c.tr.transmitOn(iface, pkt)
	return nil
}

// onPacketDelivered marks the TX envelope matching sequence as delivered
// and grows the window toward windowMax.
func (c *Channel) onPacketDelivered(sequence uint16) {
	for i, e := range c.tx {
		if e != nil && e.sequence == sequence {
			c.tx[i] = nil
			break
		}
	}
	if c.window < c.windowMax {
		c.window++
	}
}

// onPacketTimeout is called by job() for envelopes whose age exceeds the
// retransmit deadline.
func (c *Channel) onPacketTimeout(e *envelope) {
	e.tries++
	if e.tries >= maxTries {
		c.link.Close()
		return
	}
	e.sentAt = time.Now().Unix()
	_ = c.transmit(e)
	if c.window > c.windowMin {
		c.window--
	}
}

// job scans the TX ring for envelopes past their retransmit deadline.
func (c *Channel) job(now int64) {
	for _, e := range c.tx {
		if e == nil {
			continue
		}
		timeout := retransmitTimeout(e.tries, c.link.RTT, len(c.tx))
		if float64(now-e.sentAt) > timeout {
			c.onPacketTimeout(e)
		}
	}
}

func retransmitTimeout(tries int, rtt float64, ringLen int) float64 {
	base := rtt * 2.5
	if base < 0.025 {
		base = 0.025
	}
	mult := 1.0
	for i := 0; i < tries; i++ {
		mult *= 1.5
	}
	return mult * base * (float64(ringLen) + 1.5)
}

// retier selects a window tier from a fresh RTT EMA sample.
func (c *Channel) retier(rtt float64) {
	switch {
	case rtt <= rttFast:
		c.tier, c.windowMax, c.windowMin = TierFast, windowMaxFast, 16
	case rtt <= rttMedium:
		c.tier, c.windowMin = TierMedium, 5
	case rtt <= rttSlow:
		c.tier, c.windowMin = TierSlow, windowMinDefault
	default:
		c.tier, c.windowMax, c.windowMin = TierVerySlow, 1, 1
	}
	if c.window > c.windowMax {
		c.window = c.windowMax
	}
	if c.window < c.windowMin {
		c.window = c.windowMin
	}
}

// Receive unpacks an inbound envelope, applies the sliding-window
// acceptance rule, inserts into the RX ring in sequence order, and drains
// any now-contiguous prefix to handlers.
func (c *Channel) Receive(raw []byte) error {
	e, err := unmarshalEnvelope(raw)
	if err != nil {
		return err
	}
	dist := circularDistance(e.sequence, c.expectedRX)
	if dist >= windowMax {
		// stale duplicate (behind expected, within half modulus) or
		// out-of-range: either way, drop.
		return nil
	}
	for _, slot := range c.rx {
		if slot != nil && slot.sequence == e.sequence {
			return nil // duplicate already buffered
		}
	}
	c.insertRX(e)
	c.drainRX()
	return nil
}

func circularDistance(seq, expected uint16) int {
	d := int(seq) - int(expected)
	if d < 0 {
		d += 1 << 16
	}
	return d
}

func (c *Channel) insertRX(e *envelope) {
	for i, slot := range c.rx {
		if slot == nil {
			c.rx[i] = e
			return
		}
	}
	// ring full (the window can reach windowMax, which exceeds ringSize):
	// the envelope in slot 0 is overwritten.
	c.rx[0] = e
}

func (c *Channel) drainRX() {
	for {
		found := -1
		for i, slot := range c.rx {
			if slot != nil && slot.sequence == c.expectedRX {
				found = i
				break
			}
		}
		if found < 0 {
			return
		}
		e := c.rx[found]
		c.rx[found] = nil
		c.expectedRX++
		c.dispatch(e)
	}
}

func (c *Channel) dispatch(e *envelope) {
	for _, h := range c.handlers {
		if h(e.msgtype, e.payload) {
			return
		}
	}
}

// onLinkClosed clears both rings, per the Channel lifecycle (destroyed at
// Link close).
func (c *Channel) onLinkClosed() {
	c.closed = true
	for i := range c.tx {
		c.tx[i] = nil
	}
	for i := range c.rx {
		c.rx[i] = nil
	}
}
