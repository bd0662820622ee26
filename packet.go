package nvdec

import "sync"

// Packet is one compressed access unit handed to the decoder.
// A nil *Packet pushed into the decoder signals end of stream.
type Packet struct {
	Data     []byte
	PTS      int64 // presentation timestamp in stream time base units
	HasPTS   bool  // false when the container carried no timestamp
	Duration int64 // frame duration in the same units (may be 0)
}

// PacketPool recycles Packet values between a source and the feeder.
// The pool is passed explicitly to the components that use it; there is
// no process-wide shared pool.
type PacketPool struct {
	pool sync.Pool
}

// NewPacketPool creates an empty packet pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{
		pool: sync.Pool{
			New: func() any { return &Packet{} },
		},
	}
}

// Get returns a reset Packet. The Data slice capacity is kept so sources
// can append without reallocating.
func (p *PacketPool) Get() *Packet {
	pkt := p.pool.Get().(*Packet)
	pkt.Data = pkt.Data[:0]
	pkt.PTS = 0
	pkt.HasPTS = false
	pkt.Duration = 0
	return pkt
}

// Put returns a Packet to the pool. The caller must not touch it afterwards.
func (p *PacketPool) Put(pkt *Packet) {
	if pkt != nil {
		p.pool.Put(pkt)
	}
}
