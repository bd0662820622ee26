package nvdec

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testWidth  = 320
	testHeight = 240
	testPitch  = 384
)

// fakeEngine simulates a hardware engine decoding into a fixed surface
// pool and completing pictures in a configurable display order. Mapped
// surfaces carry the picture timestamp in every luma byte so tests can
// verify which frame landed in which destination buffer.
type fakeEngine struct {
	cb       EngineCallbacks
	surfaces int

	// displayOrder lists timestamps in the order the engine announces
	// finished pictures; empty announces immediately after decode.
	displayOrder []int64

	convertDelay time.Duration // artificial MapSurface latency
	failIngest   bool
	failReconfig bool

	mu          sync.Mutex
	seqSent     bool
	nextSurface int
	curPTS      int64
	surfPTS     map[int]int64 // surface -> timestamp decoded into it
	decoded     map[int64]int // timestamp -> surface, not yet displayed
	emitted     int           // progress through displayOrder

	busy       map[int]bool // surface occupied from decode until unmap
	violations atomic.Int32 // decodes into an occupied surface
	reconfigs  atomic.Int32
}

func newFakeEngine(surfaces int, displayOrder []int64) *fakeEngine {
	return &fakeEngine{
		surfaces:     surfaces,
		displayOrder: displayOrder,
		surfPTS:      make(map[int]int64),
		decoded:      make(map[int64]int),
		busy:         make(map[int]bool),
	}
}

// reset clears per-run state so the engine can back a restarted decoder.
func (e *fakeEngine) reset(displayOrder []int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.displayOrder = displayOrder
	e.seqSent = false
	e.nextSurface = 0
	e.emitted = 0
	e.surfPTS = make(map[int]int64)
	e.decoded = make(map[int64]int)
	e.busy = make(map[int]bool)
}

func (e *fakeEngine) factory() EngineFactory {
	return func(params CodecParameters, cb EngineCallbacks) (DecodeEngine, error) {
		e.cb = cb
		return e, nil
	}
}

func (e *fakeEngine) sequenceSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqSent
}

func (e *fakeEngine) Reconfigure(format *SequenceFormat) error {
	if e.failReconfig {
		return errors.New("reconfigure rejected")
	}
	e.reconfigs.Add(1)
	return nil
}

func (e *fakeEngine) Ingest(chunk Chunk) error {
	if e.failIngest {
		return errors.New("ingest rejected")
	}
	if chunk.EndOfStream {
		return nil
	}

	if !e.sequenceSent() {
		ok := e.cb.OnSequence(&SequenceFormat{
			CodedWidth:   testWidth,
			CodedHeight:  testHeight,
			FrameRateNum: 30,
			FrameRateDen: 1,
			MinSurfaces:  e.surfaces,
		})
		if !ok {
			return errors.New("sequence rejected")
		}
		e.mu.Lock()
		e.seqSent = true
		e.mu.Unlock()
	}

	e.mu.Lock()
	idx := e.nextSurface
	e.nextSurface = (e.nextSurface + 1) % e.surfaces
	e.curPTS = chunk.PTS
	e.mu.Unlock()

	// Blocks until the surface permit is free; abandoned on shutdown.
	if !e.cb.OnDecodeSubmit(&PictureParams{SurfaceIndex: idx}) {
		return nil
	}

	e.emitReady()
	return nil
}

func (e *fakeEngine) Decode(pic *PictureParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[pic.SurfaceIndex] {
		e.violations.Add(1)
	}
	e.busy[pic.SurfaceIndex] = true
	e.surfPTS[pic.SurfaceIndex] = e.curPTS
	e.decoded[e.curPTS] = pic.SurfaceIndex
	return nil
}

// emitReady announces every decoded picture the display order allows.
func (e *fakeEngine) emitReady() {
	for {
		var pts int64
		var surf int

		e.mu.Lock()
		if len(e.displayOrder) == 0 {
			if len(e.decoded) == 0 {
				e.mu.Unlock()
				return
			}
			for p, s := range e.decoded {
				pts, surf = p, s
				break
			}
		} else {
			if e.emitted >= len(e.displayOrder) {
				e.mu.Unlock()
				return
			}
			pts = e.displayOrder[e.emitted]
			s, ok := e.decoded[pts]
			if !ok {
				e.mu.Unlock()
				return
			}
			surf = s
			e.emitted++
		}
		delete(e.decoded, pts)
		e.mu.Unlock()

		e.cb.OnDisplayReady(DisplayInfo{SurfaceIndex: surf, PTS: pts})
	}
}

func (e *fakeEngine) MapSurface(index int) (*Surface, func(), error) {
	if e.convertDelay > 0 {
		time.Sleep(e.convertDelay)
	}

	e.mu.Lock()
	pts := e.surfPTS[index]
	e.mu.Unlock()

	data := make([]byte, testPitch*(testHeight+testHeight/2))
	luma := data[:testPitch*testHeight]
	for i := range luma {
		luma[i] = byte(pts)
	}
	chroma := data[testPitch*testHeight:]
	for i := range chroma {
		chroma[i] = 0x80
	}

	surface := &Surface{
		Data:   data,
		Pitch:  testPitch,
		Width:  testWidth,
		Height: testHeight,
		Format: PixelFormatNV12,
	}
	unmap := func() {
		e.mu.Lock()
		e.busy[index] = false
		e.mu.Unlock()
	}
	return surface, unmap, nil
}

func (e *fakeEngine) Close() error { return nil }

func newTestDecoder(t *testing.T, engine *fakeEngine) *Decoder {
	t.Helper()
	d, err := NewDecoder(DecoderConfig{
		Params:      CodecParameters{Codec: VideoCodecH264, Width: testWidth, Height: testHeight},
		Engine:      engine.factory(),
		Normalizer:  PassthroughNormalizer{},
		Converter:   NV12Converter{},
		MaxSurfaces: engine.surfaces,
	})
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

func pushFrames(t *testing.T, d *Decoder, timestamps []int64, duration int64) {
	t.Helper()
	for _, pts := range timestamps {
		fb := NewFrameBuffer(testWidth, testHeight, PixelFormatI420)
		pkt := &Packet{Data: []byte{0, 0, 0, 1, 0x65}, PTS: pts, HasPTS: true, Duration: duration}
		if err := d.Push(pkt, fb); err != nil {
			t.Fatalf("Push(%d) failed: %v", pts, err)
		}
	}
}

func popFrames(t *testing.T, d *Decoder, n int) []*FrameBuffer {
	t.Helper()
	var out []*FrameBuffer
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n {
		if fb, ok := d.Pop(); ok {
			out = append(out, fb)
			continue
		}
		if err := d.Err(); err != nil {
			t.Fatalf("pipeline failed after %d of %d frames: %v", len(out), n, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("popped %d of %d frames before timeout", len(out), n)
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

func checkFrameOrder(t *testing.T, frames []*FrameBuffer, want []int64) {
	t.Helper()
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, fb := range frames {
		if fb.PTS != want[i] {
			t.Errorf("frame %d: PTS = %d, want %d", i, fb.PTS, want[i])
		}
		if got := fb.Data[0][0]; got != byte(want[i]) {
			t.Errorf("frame %d: luma content = %d, want %d", i, got, byte(want[i]))
		}
	}
}

func TestDecoderInOrderCompletion(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if d.State() != DecoderStateRunning {
		t.Fatalf("State = %v, want running", d.State())
	}

	pushFrames(t, d, []int64{100, 200, 300}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) failed: %v", err)
	}
	if d.State() != DecoderStateDraining {
		t.Errorf("State = %v, want draining", d.State())
	}

	frames := popFrames(t, d, 3)
	checkFrameOrder(t, frames, []int64{100, 200, 300})

	if n := d.FrameCount(); n != 0 {
		t.Errorf("FrameCount = %d after drain, want 0", n)
	}
	if _, ok := d.Pop(); ok {
		t.Error("Pop succeeded after stream was exhausted")
	}
	d.Stop()
}

func TestDecoderOutOfOrderCompletion(t *testing.T) {
	// Engine finishes the middle frame first.
	engine := newFakeEngine(4, []int64{200, 100, 300})
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{100, 200, 300}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) failed: %v", err)
	}

	frames := popFrames(t, d, 3)
	checkFrameOrder(t, frames, []int64{100, 200, 300})

	stats := d.Stats()
	if stats.FramesReordered == 0 {
		t.Error("expected reordered frames with out-of-order completion")
	}
	d.Stop()
}

func TestDecoderHeavilyReorderedStream(t *testing.T) {
	submitted := []int64{0, 100, 200, 300, 400, 500, 600, 700}
	completion := []int64{300, 100, 0, 200, 500, 400, 700, 600}

	engine := newFakeEngine(8, completion)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, submitted, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) failed: %v", err)
	}

	frames := popFrames(t, d, len(submitted))
	checkFrameOrder(t, frames, submitted)
	d.Stop()
}

func TestDecoderFrameCountAccounting(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pushFrames(t, d, []int64{0, 100}, 100)
	if n := d.FrameCount(); n != 2 {
		t.Errorf("FrameCount = %d after 2 pushes, want 2", n)
	}

	frames := popFrames(t, d, 1)
	if frames[0].PTS != 0 {
		t.Errorf("first frame PTS = %d, want 0", frames[0].PTS)
	}
	if n := d.FrameCount(); n != 1 {
		t.Errorf("FrameCount = %d after 1 pop, want 1", n)
	}

	popFrames(t, d, 1)
	if n := d.FrameCount(); n != 0 {
		t.Errorf("FrameCount = %d after 2 pops, want 0", n)
	}
	d.Stop()
}

func TestDecoderPopNotReady(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := d.Pop(); ok {
		t.Error("Pop succeeded with no frames submitted")
	}
	d.Stop()
}

func TestDecoderSecondDrainFails(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{100}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("first Push(nil) failed: %v", err)
	}

	countBefore := d.FrameCount()
	if err := d.Push(nil, nil); !errors.Is(err, ErrDraining) {
		t.Errorf("second Push(nil) = %v, want ErrDraining", err)
	}
	if err := d.Push(&Packet{Data: []byte{1}}, nil); !errors.Is(err, ErrDraining) {
		t.Errorf("Push after drain = %v, want ErrDraining", err)
	}
	if d.FrameCount() != countBefore {
		t.Error("failed push altered frame count")
	}
	if d.State() != DecoderStateDraining {
		t.Errorf("State = %v, want draining", d.State())
	}
	d.Stop()
}

func TestDecoderPushBeforeStart(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	err := d.Push(&Packet{Data: []byte{1}}, nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Push before Start = %v, want ErrNotRunning", err)
	}
}

func TestDecoderStopWhileBlocked(t *testing.T) {
	// One surface and a slow converter force the second decode submit
	// to block on the permit while frames queue up behind it.
	engine := newFakeEngine(1, nil)
	engine.convertDelay = 300 * time.Millisecond
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{0, 100, 200}, 100)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not terminate blocked workers")
	}
	if d.State() != DecoderStateStopped {
		t.Errorf("State = %v, want stopped", d.State())
	}
}

func TestDecoderPermitMutualExclusion(t *testing.T) {
	submitted := make([]int64, 20)
	for i := range submitted {
		submitted[i] = int64(i) * 100
	}

	engine := newFakeEngine(2, nil)
	engine.convertDelay = 2 * time.Millisecond
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go func() {
		// Feed from a separate goroutine: pushes outpace the
		// two-surface pool and must be throttled by permits alone.
		for _, pts := range submitted {
			fb := NewFrameBuffer(testWidth, testHeight, PixelFormatI420)
			d.Push(&Packet{Data: []byte{1}, PTS: pts, HasPTS: true, Duration: 100}, fb)
		}
		d.Push(nil, nil)
	}()

	frames := popFrames(t, d, len(submitted))
	checkFrameOrder(t, frames, submitted)

	if n := engine.violations.Load(); n != 0 {
		t.Errorf("engine observed %d decodes into an occupied surface", n)
	}
	d.Stop()
}

func TestDecoderClearResets(t *testing.T) {
	engine := newFakeEngine(4, nil)
	engine.convertDelay = 50 * time.Millisecond
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{100, 200}, 100)
	d.Clear()

	if d.State() != DecoderStateConfigured {
		t.Errorf("State after Clear = %v, want configured", d.State())
	}
	if n := d.FrameCount(); n != 0 {
		t.Errorf("FrameCount after Clear = %d, want 0", n)
	}
	if d.Draining() {
		t.Error("Draining still set after Clear")
	}
	if stats := d.Stats(); stats != (DecoderStats{}) {
		t.Errorf("Stats after Clear = %+v, want zero", stats)
	}

	// A restarted decoder behaves as freshly constructed.
	engine.reset(nil)
	engine.convertDelay = 0
	if err := d.Start(); err != nil {
		t.Fatalf("Start after Clear failed: %v", err)
	}
	pushFrames(t, d, []int64{1000, 1100, 1200}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) after restart failed: %v", err)
	}
	frames := popFrames(t, d, 3)
	checkFrameOrder(t, frames, []int64{1000, 1100, 1200})
	d.Stop()
}

func TestDecoderIngestFailureIsFatal(t *testing.T) {
	engine := newFakeEngine(4, nil)
	engine.failIngest = true

	errCh := make(chan error, 1)
	d, err := NewDecoder(DecoderConfig{
		Params:      CodecParameters{Codec: VideoCodecH264},
		Engine:      engine.factory(),
		Normalizer:  PassthroughNormalizer{},
		Converter:   NV12Converter{},
		MaxSurfaces: engine.surfaces,
		OnError:     func(err error) { errCh <- err },
	})
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fb := NewFrameBuffer(testWidth, testHeight, PixelFormatI420)
	if err := d.Push(&Packet{Data: []byte{1}, PTS: 0, HasPTS: true}, fb); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("fatal engine failure was not reported")
	}
	if d.Err() == nil {
		t.Error("Err() is nil after fatal failure")
	}
	if err := d.Push(&Packet{Data: []byte{1}}, nil); err == nil {
		t.Error("Push succeeded after fatal failure")
	}
	d.Stop()
}

func TestNewDecoderEngineRejectsParams(t *testing.T) {
	factory := func(params CodecParameters, cb EngineCallbacks) (DecodeEngine, error) {
		return nil, errors.New("codec not supported")
	}
	_, err := NewDecoder(DecoderConfig{
		Params:     CodecParameters{Codec: VideoCodecUnknown},
		Engine:     factory,
		Normalizer: PassthroughNormalizer{},
		Converter:  NV12Converter{},
	})
	if err == nil {
		t.Fatal("NewDecoder succeeded with rejecting engine")
	}
}

func TestNewDecoderValidatesConfig(t *testing.T) {
	engine := newFakeEngine(4, nil)
	cases := []struct {
		name string
		cfg  DecoderConfig
	}{
		{"missing engine", DecoderConfig{Normalizer: PassthroughNormalizer{}, Converter: NV12Converter{}}},
		{"missing normalizer", DecoderConfig{Engine: engine.factory(), Converter: NV12Converter{}}},
		{"missing converter", DecoderConfig{Engine: engine.factory(), Normalizer: PassthroughNormalizer{}}},
	}
	for _, tc := range cases {
		if _, err := NewDecoder(tc.cfg); err == nil {
			t.Errorf("%s: NewDecoder succeeded", tc.name)
		}
	}
}

func TestDecoderSequenceCallbackReconfigures(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{0}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) failed: %v", err)
	}
	popFrames(t, d, 1)

	if n := engine.reconfigs.Load(); n != 1 {
		t.Errorf("engine reconfigured %d times, want 1", n)
	}
	format, ok := d.Format()
	if !ok {
		t.Fatal("Format not recorded after sequence callback")
	}
	if format.CodedWidth != testWidth || format.CodedHeight != testHeight {
		t.Errorf("Format = %dx%d, want %dx%d", format.CodedWidth, format.CodedHeight, testWidth, testHeight)
	}
	d.Stop()
}

func TestDecoderStats(t *testing.T) {
	engine := newFakeEngine(4, nil)
	d := newTestDecoder(t, engine)
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pushFrames(t, d, []int64{0, 100, 200}, 100)
	if err := d.Push(nil, nil); err != nil {
		t.Fatalf("Push(nil) failed: %v", err)
	}
	popFrames(t, d, 3)

	stats := d.Stats()
	if stats.PacketsSubmitted != 3 {
		t.Errorf("PacketsSubmitted = %d, want 3", stats.PacketsSubmitted)
	}
	if stats.FramesDecoded != 3 {
		t.Errorf("FramesDecoded = %d, want 3", stats.FramesDecoded)
	}
	if stats.FramesConverted != 3 {
		t.Errorf("FramesConverted = %d, want 3", stats.FramesConverted)
	}
	if stats.FramesEmitted != 3 {
		t.Errorf("FramesEmitted = %d, want 3", stats.FramesEmitted)
	}
	d.Stop()
}
