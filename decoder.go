package nvdec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DecoderState represents the lifecycle state of a Decoder.
type DecoderState int32

const (
	DecoderStateIdle       DecoderState = iota // Zero value, not configured
	DecoderStateConfigured                     // Engine created, not started
	DecoderStateRunning                        // Workers processing packets
	DecoderStateDraining                       // End of stream submitted
	DecoderStateStopped                        // Workers stopped
)

func (s DecoderState) String() string {
	switch s {
	case DecoderStateIdle:
		return "idle"
	case DecoderStateConfigured:
		return "configured"
	case DecoderStateRunning:
		return "running"
	case DecoderStateDraining:
		return "draining"
	case DecoderStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Common errors.
var (
	ErrNotRunning     = errors.New("decoder not running")
	ErrNotConfigured  = errors.New("decoder not configured")
	ErrAlreadyStarted = errors.New("decoder already started")
	ErrDraining       = errors.New("decoder already draining")
)

// DefaultMaxSurfaces is the decode surface pool size used when
// DecoderConfig.MaxSurfaces is zero.
const DefaultMaxSurfaces = 8

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	Params     CodecParameters
	Engine     EngineFactory  // Hardware decode engine constructor
	Normalizer Normalizer     // Packet-to-elementary-stream rewriter
	Converter  FrameConverter // Surface-to-frame converter

	MaxSurfaces int         // Decode surface pool size (0 = DefaultMaxSurfaces)
	PacketPool  *PacketPool // Optional: packets are recycled here after feeding
	OnError     func(error) // Optional: invoked once on fatal pipeline failure
}

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	PacketsSubmitted uint64
	ChunksFed        uint64
	FramesDecoded    uint64
	FramesConverted  uint64
	FramesReordered  uint64
	FramesEmitted    uint64
}

// Decoder coordinates an asynchronous hardware decode engine behind a
// synchronous push/pop API. A feeder goroutine normalizes submitted
// packets and feeds the engine; engine callbacks gate surface reuse
// through a permit pool; a converter goroutine turns finished pictures
// into caller-owned frame buffers and restores strict presentation order.
//
// Push and Pop are intended for a single caller goroutine each; Start,
// Stop and Clear may be called from any goroutine.
type Decoder struct {
	cfg    DecoderConfig
	engine DecodeEngine

	state      atomic.Int32
	frameCount atomic.Int64
	draining   atomic.Bool

	// Hand-off queues, recreated on every Start.
	pktQueue   *Queue[*Packet]      // feeder input
	bufQueue   *Queue[*FrameBuffer] // destination buffers, submission order
	dispQueue  *Queue[DisplayInfo]  // display-ready pictures
	orderQueue *Queue[int64]        // expected output timestamps
	outQueue   *Queue[*FrameBuffer] // frames ready for Pop
	permits    *PermitPool

	// Reorder buffer, owned exclusively by the converter goroutine.
	reorder map[int64]*FrameBuffer

	// Timestamp tracking for submission, single Push caller.
	lastPTS   int64
	ptsSeeded bool

	seqMu  sync.Mutex
	format SequenceFormat
	hasFmt bool

	errMu    sync.Mutex
	fatalErr error

	mu sync.Mutex // guards lifecycle transitions
	wg sync.WaitGroup

	stats   DecoderStats
	statsMu sync.Mutex
}

// NewDecoder creates a decoder and its engine. On return the decoder is
// configured but not running; call Start before pushing packets.
// An engine that rejects the codec parameters fails construction and no
// goroutines are spawned.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if cfg.Converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	if cfg.MaxSurfaces == 0 {
		cfg.MaxSurfaces = DefaultMaxSurfaces
	}
	if cfg.MaxSurfaces < 0 {
		return nil, fmt.Errorf("invalid surface pool size %d", cfg.MaxSurfaces)
	}

	d := &Decoder{cfg: cfg}

	engine, err := cfg.Engine(cfg.Params, d)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode engine: %w", err)
	}
	d.engine = engine
	d.state.Store(int32(DecoderStateConfigured))

	return d, nil
}

// State returns the current decoder state.
func (d *Decoder) State() DecoderState {
	return DecoderState(d.state.Load())
}

// Err returns the fatal pipeline error, if any.
func (d *Decoder) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.fatalErr
}

// FrameCount returns packets submitted minus frames popped.
func (d *Decoder) FrameCount() int64 {
	return d.frameCount.Load()
}

// Draining reports whether end of stream has been submitted.
func (d *Decoder) Draining() bool {
	return d.draining.Load()
}

// Format returns the stream geometry reported by the engine, if any.
func (d *Decoder) Format() (SequenceFormat, bool) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	return d.format, d.hasFmt
}

// Stats returns decoding statistics.
func (d *Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Start creates the queues and the permit pool and spawns the feeder and
// converter workers. Valid from the configured or stopped state.
func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch DecoderState(d.state.Load()) {
	case DecoderStateRunning, DecoderStateDraining:
		return ErrAlreadyStarted
	case DecoderStateIdle:
		return ErrNotConfigured
	}

	d.pktQueue = NewQueue[*Packet]()
	d.bufQueue = NewQueue[*FrameBuffer]()
	d.dispQueue = NewQueue[DisplayInfo]()
	d.orderQueue = NewQueue[int64]()
	d.outQueue = NewQueue[*FrameBuffer]()
	d.permits = NewPermitPool(d.cfg.MaxSurfaces)
	d.reorder = make(map[int64]*FrameBuffer, d.cfg.MaxSurfaces)

	d.frameCount.Store(0)
	d.draining.Store(false)
	d.ptsSeeded = false
	d.lastPTS = 0

	d.errMu.Lock()
	d.fatalErr = nil
	d.errMu.Unlock()

	d.state.Store(int32(DecoderStateRunning))

	d.wg.Add(2)
	go d.feedLoop()
	go d.convertLoop()

	return nil
}

// Stop kills every queue and permit, waits for both workers to exit and
// leaves the decoder in the stopped state. Blocked callbacks wake with
// failure; frames still in flight are abandoned.
func (d *Decoder) Stop() {
	d.mu.Lock()
	switch DecoderState(d.state.Load()) {
	case DecoderStateRunning, DecoderStateDraining:
		d.killAll()
		d.state.Store(int32(DecoderStateStopped))
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Clear stops the decoder and resets all transient state so that a
// subsequent Start behaves as if freshly constructed.
func (d *Decoder) Clear() {
	d.Stop()

	d.mu.Lock()
	d.frameCount.Store(0)
	d.draining.Store(false)
	d.ptsSeeded = false
	d.lastPTS = 0
	d.reorder = nil
	d.permits = nil

	d.errMu.Lock()
	d.fatalErr = nil
	d.errMu.Unlock()

	d.statsMu.Lock()
	d.stats = DecoderStats{}
	d.statsMu.Unlock()

	if DecoderState(d.state.Load()) != DecoderStateIdle {
		d.state.Store(int32(DecoderStateConfigured))
	}
	d.mu.Unlock()
}

// Close stops the decoder and releases the engine.
func (d *Decoder) Close() error {
	d.Stop()
	if d.engine != nil {
		return d.engine.Close()
	}
	return nil
}

// Push submits one packet and the destination buffer for the frame it
// decodes to. A nil packet marks end of stream and starts draining; it
// must be submitted at most once. Push is valid only while running.
//
// When a packet carries a timestamp it seeds the expected output sequence
// directly; otherwise the previous timestamp advanced by the previous
// duration is used (see Decoder timestamp heuristic in the package docs).
func (d *Decoder) Push(pkt *Packet, dst *FrameBuffer) error {
	if err := d.Err(); err != nil {
		return err
	}
	switch DecoderState(d.state.Load()) {
	case DecoderStateRunning:
	case DecoderStateDraining:
		return ErrDraining
	default:
		return ErrNotRunning
	}

	if pkt == nil {
		d.draining.Store(true)
		d.state.Store(int32(DecoderStateDraining))
		d.pktQueue.Push(nil)
		return nil
	}

	if !d.ptsSeeded {
		d.ptsSeeded = true
		if pkt.HasPTS {
			d.lastPTS = pkt.PTS
		}
	} else {
		d.lastPTS += pkt.Duration
	}
	d.orderQueue.Push(d.lastPTS)

	d.pktQueue.Push(pkt)
	d.bufQueue.Push(dst)
	d.frameCount.Add(1)

	d.statsMu.Lock()
	d.stats.PacketsSubmitted++
	d.statsMu.Unlock()

	return nil
}

// Pop returns the next frame in presentation order, or ok=false when no
// frame is ready yet. During draining it keeps succeeding until every
// in-flight frame has been emitted.
func (d *Decoder) Pop() (*FrameBuffer, bool) {
	if d.frameCount.Load() == 0 && !d.draining.Load() {
		return nil, false
	}
	fb, ok := d.outQueue.TryPop()
	if !ok {
		return nil, false
	}
	d.frameCount.Add(-1)

	d.statsMu.Lock()
	d.stats.FramesEmitted++
	d.statsMu.Unlock()

	return fb, true
}

// killAll signals shutdown on every queue and permit.
func (d *Decoder) killAll() {
	if d.pktQueue != nil {
		d.pktQueue.Kill()
	}
	if d.bufQueue != nil {
		d.bufQueue.Kill()
	}
	if d.dispQueue != nil {
		d.dispQueue.Kill()
	}
	if d.orderQueue != nil {
		d.orderQueue.Kill()
	}
	if d.outQueue != nil {
		d.outQueue.Kill()
	}
	if d.permits != nil {
		d.permits.Kill()
	}
}

// fail latches the first fatal error, aborts the pipeline and notifies the
// error callback. Mid-stream decode corruption cannot be locally repaired,
// so there is no retry path.
func (d *Decoder) fail(err error) {
	d.errMu.Lock()
	first := d.fatalErr == nil
	if first {
		d.fatalErr = err
	}
	d.errMu.Unlock()

	if !first {
		return
	}

	d.killAll()
	d.state.Store(int32(DecoderStateStopped))

	if cb := d.cfg.OnError; cb != nil {
		go cb(err)
	}
}

// feedLoop drains submitted packets, normalizes them and feeds the engine.
// A nil or empty packet flushes the engine and ends the loop; draining of
// the pictures still inside the engine is driven by its callbacks.
func (d *Decoder) feedLoop() {
	defer d.wg.Done()

	for {
		pkt, ok := d.pktQueue.Pop()
		if !ok {
			return
		}

		if pkt == nil || len(pkt.Data) == 0 {
			if err := d.engine.Ingest(Chunk{EndOfStream: true}); err != nil {
				d.fail(fmt.Errorf("failed to flush engine: %w", err))
			}
			return
		}

		chunks, err := d.cfg.Normalizer.Normalize(pkt)
		if err != nil {
			d.fail(fmt.Errorf("failed to normalize packet: %w", err))
			return
		}
		for i := range chunks {
			if err := d.engine.Ingest(chunks[i]); err != nil {
				d.fail(fmt.Errorf("engine rejected chunk: %w", err))
				return
			}
		}

		d.statsMu.Lock()
		d.stats.ChunksFed += uint64(len(chunks))
		d.statsMu.Unlock()

		if d.cfg.PacketPool != nil {
			d.cfg.PacketPool.Put(pkt)
		}
	}
}

// convertLoop drains display-ready pictures, converts them into the next
// pending destination buffer and emits frames in expected-timestamp order.
//
// wantPTS is the timestamp the next emitted frame must carry. It is popped
// from the order queue once and held until a matching picture arrives;
// pictures that complete early wait in the reorder buffer. After a match,
// buffered successors are flushed while they line up with the expected
// sequence. The reorder buffer stays bounded by the engine's display
// lead, which the surface pool caps.
func (d *Decoder) convertLoop() {
	defer d.wg.Done()

	var wantPTS int64
	haveWant := false

	for {
		info, ok := d.dispQueue.Pop()
		if !ok {
			return
		}
		dst, ok := d.bufQueue.Pop()
		if !ok {
			return
		}

		src, unmap, err := d.engine.MapSurface(info.SurfaceIndex)
		if err != nil {
			d.fail(fmt.Errorf("failed to map surface %d: %w", info.SurfaceIndex, err))
			return
		}
		err = d.cfg.Converter.Convert(src, dst)
		unmap()
		if err != nil {
			d.fail(fmt.Errorf("failed to convert frame: %w", err))
			return
		}
		dst.PTS = info.PTS

		d.statsMu.Lock()
		d.stats.FramesConverted++
		d.statsMu.Unlock()

		if !haveWant {
			wantPTS, ok = d.orderQueue.Pop()
			if !ok {
				return
			}
			haveWant = true
		}

		if info.PTS == wantPTS {
			d.outQueue.Push(dst)
			haveWant = false

			// Flush pictures that completed ahead of their turn.
			for len(d.reorder) > 0 {
				wantPTS, ok = d.orderQueue.Pop()
				if !ok {
					return
				}
				held, exists := d.reorder[wantPTS]
				if !exists {
					haveWant = true
					break
				}
				delete(d.reorder, wantPTS)
				d.outQueue.Push(held)
			}
		} else {
			d.reorder[info.PTS] = dst

			d.statsMu.Lock()
			d.stats.FramesReordered++
			d.statsMu.Unlock()
		}

		// Output consumed, allow the engine to reuse the surface.
		d.permits.Release(info.SurfaceIndex)
	}
}

// OnSequence implements EngineCallbacks. Invoked by the engine when stream
// geometry is known; records it and reinitializes the engine's decode
// state.
func (d *Decoder) OnSequence(format *SequenceFormat) bool {
	d.seqMu.Lock()
	d.format = *format
	d.hasFmt = true
	d.seqMu.Unlock()

	if err := d.engine.Reconfigure(format); err != nil {
		d.fail(fmt.Errorf("failed to reconfigure engine: %w", err))
		return false
	}
	return true
}

// OnDecodeSubmit implements EngineCallbacks. Blocks until the target
// surface's permit is available, then issues the decode. Abandons the
// picture if the pipeline is shut down while waiting.
func (d *Decoder) OnDecodeSubmit(pic *PictureParams) bool {
	permits := d.permits
	if permits == nil {
		return false
	}
	if pic.SurfaceIndex < 0 || pic.SurfaceIndex >= permits.Size() {
		d.fail(fmt.Errorf("picture surface index %d outside pool of %d", pic.SurfaceIndex, permits.Size()))
		return false
	}
	if !permits.Acquire(pic.SurfaceIndex) {
		return false
	}
	if err := d.engine.Decode(pic); err != nil {
		d.fail(fmt.Errorf("engine rejected decode submission: %w", err))
		return false
	}

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.statsMu.Unlock()

	return true
}

// OnDisplayReady implements EngineCallbacks. Hands the finished picture to
// the converter without blocking.
func (d *Decoder) OnDisplayReady(info DisplayInfo) bool {
	if q := d.dispQueue; q != nil {
		q.Push(info)
	}
	return true
}
