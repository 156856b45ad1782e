package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
)

// PayloadTypeL16 is the dynamic payload type used for L16/16000/1.
const PayloadTypeL16 = 96

var ErrBadPacket = errors.New("audio: malformed packet")

// Encoder packs PCM into RTP packets, one per 20 ms frame. One encoder
// covers one transmission turn.
type Encoder struct {
	ssrc   uint32
	seq    uint16
	ts     uint32
	marked bool
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.Reset()
	return e
}

// Reset starts a new turn: fresh SSRC, and the next packet carries the
// marker bit.
func (e *Encoder) Reset() {
	e.ssrc = rand.Uint32()
	e.seq = uint16(rand.Uint32())
	e.ts = rand.Uint32()
	e.marked = false
}

func (e *Encoder) SSRC() uint32 { return e.ssrc }

func (e *Encoder) Encode(samples []int16) ([][]byte, error) {
	out := make([][]byte, 0, (len(samples)+FrameSamples-1)/FrameSamples)
	for start := 0; start < len(samples); start += FrameSamples {
		end := min(start+FrameSamples, len(samples))
		frame := samples[start:end]

		payload := make([]byte, len(frame)*2)
		for i, s := range frame {
			binary.BigEndian.PutUint16(payload[i*2:], uint16(s))
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         !e.marked,
				PayloadType:    PayloadTypeL16,
				SequenceNumber: e.seq,
				Timestamp:      e.ts,
				SSRC:           e.ssrc,
			},
			Payload: payload,
		}
		b, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal rtp: %w", err)
		}
		out = append(out, b)
		e.marked = true
		e.seq++
		e.ts += uint32(len(frame))
	}
	return out, nil
}

// DecodeBatch unpacks every packet of a batch. Any bad packet fails the
// whole batch.
func DecodeBatch(packets [][]byte) ([]int16, error) {
	var out []int16
	for i, b := range packets {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(b); err != nil {
			return nil, fmt.Errorf("%w: packet %d: %v", ErrBadPacket, i, err)
		}
		if pkt.Version != 2 {
			return nil, fmt.Errorf("%w: packet %d: version %d", ErrBadPacket, i, pkt.Version)
		}
		if pkt.PayloadType != PayloadTypeL16 {
			return nil, fmt.Errorf("%w: packet %d: payload type %d", ErrBadPacket, i, pkt.PayloadType)
		}
		if len(pkt.Payload)%2 != 0 {
			return nil, fmt.Errorf("%w: packet %d: odd payload length %d", ErrBadPacket, i, len(pkt.Payload))
		}
		for j := 0; j < len(pkt.Payload); j += 2 {
			out = append(out, int16(binary.BigEndian.Uint16(pkt.Payload[j:])))
		}
	}
	return out, nil
}
