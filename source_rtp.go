package nvdec

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTPPacketSource reassembles H.264 access units from RTP packets into
// decoder Packets. Depacketized data is Annex-B framed, so pair it with a
// PassthroughNormalizer. Timestamps are RTP ticks (90kHz) unwrapped to a
// monotonic 64-bit clock; each access unit's Duration is the tick delta
// from the previous one, which keeps the decoder's expected-timestamp
// sequence aligned with the stream.
//
// WriteRTP is not safe for concurrent use.
type RTPPacketSource struct {
	depacketizer codecs.H264Packet
	pool         *PacketPool

	current *Packet // access unit being assembled

	lastTS     uint32
	extendedTS int64
	haveTS     bool

	prevPTS  int64
	havePrev bool
}

// NewRTPPacketSource creates a source recycling packets through pool.
// A nil pool allocates a private one.
func NewRTPPacketSource(pool *PacketPool) *RTPPacketSource {
	if pool == nil {
		pool = NewPacketPool()
	}
	return &RTPPacketSource{pool: pool}
}

// WriteRTP consumes one RTP packet. It returns a completed access unit
// when the packet closes one (marker bit), or nil while assembling.
// Returned packets belong to the caller; hand them to Decoder.Push with a
// PacketPool so they are recycled.
func (s *RTPPacketSource) WriteRTP(pkt *rtp.Packet) (*Packet, error) {
	payload, err := s.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to depacketize H264 payload: %w", err)
	}

	ts := s.unwrap(pkt.Timestamp)
	if s.current == nil {
		s.current = s.pool.Get()
		s.current.PTS = ts
		s.current.HasPTS = true
	}
	s.current.Data = append(s.current.Data, payload...)

	if !pkt.Marker {
		return nil, nil
	}

	au := s.current
	s.current = nil
	if len(au.Data) == 0 {
		s.pool.Put(au)
		return nil, nil
	}
	if s.havePrev {
		au.Duration = au.PTS - s.prevPTS
	}
	s.prevPTS = au.PTS
	s.havePrev = true
	return au, nil
}

// unwrap extends the 32-bit RTP timestamp to a monotonic 64-bit value.
func (s *RTPPacketSource) unwrap(ts uint32) int64 {
	if !s.haveTS {
		s.haveTS = true
		s.lastTS = ts
		s.extendedTS = int64(ts)
		return s.extendedTS
	}
	delta := int32(ts - s.lastTS)
	s.lastTS = ts
	s.extendedTS += int64(delta)
	return s.extendedTS
}
