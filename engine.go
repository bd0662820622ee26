package nvdec

// Chunk is one normalized elementary-stream fragment ready for engine
// ingestion. A Chunk with EndOfStream set carries no data and tells the
// engine to flush every picture it still holds.
type Chunk struct {
	Data        []byte
	PTS         int64
	HasPTS      bool
	EndOfStream bool
}

// SequenceFormat describes the coded stream geometry the engine detected.
type SequenceFormat struct {
	CodedWidth   int
	CodedHeight  int
	FrameRateNum int
	FrameRateDen int
	MinSurfaces  int // minimum decode surfaces the stream needs (0 = unknown)
}

// PictureParams carries the engine's per-picture decode arguments.
// SurfaceIndex is the only field this package interprets; Handle is
// engine-private state threaded back into DecodeEngine.Decode unchanged.
type PictureParams struct {
	SurfaceIndex int
	Handle       uintptr
}

// DisplayInfo identifies one finished decoded picture. The engine produces
// exactly one DisplayInfo per decoded picture, in display order as far as
// the engine is concerned, which is not necessarily submission order.
type DisplayInfo struct {
	SurfaceIndex int
	PTS          int64
}

// EngineCallbacks is implemented by the decoder and invoked by the engine.
// Calls may arrive on goroutines or native threads this package does not
// own; implementations only move data through queues and permits.
type EngineCallbacks interface {
	// OnSequence reports new stream geometry. Returning false aborts
	// parsing.
	OnSequence(format *SequenceFormat) bool

	// OnDecodeSubmit asks permission to decode into the target surface.
	// It may block until the surface is reusable. Returning false
	// abandons the picture.
	OnDecodeSubmit(pic *PictureParams) bool

	// OnDisplayReady announces a finished picture. It must not block.
	OnDisplayReady(info DisplayInfo) bool
}

// DecodeEngine is the hardware decode engine consumed by the pipeline.
// Ingest may invoke the registered EngineCallbacks before it returns, on
// the calling goroutine or on engine-owned threads; after an end-of-stream
// Ingest returns, no further callbacks may be issued.
type DecodeEngine interface {
	// Reconfigure (re)initializes the engine's decode state for new
	// stream geometry. Called from OnSequence.
	Reconfigure(format *SequenceFormat) error

	// Ingest feeds one elementary-stream chunk to the engine.
	Ingest(chunk Chunk) error

	// Decode submits one picture for decoding. Called from
	// OnDecodeSubmit after the surface permit has been acquired.
	Decode(pic *PictureParams) error

	// MapSurface maps a decoded surface for reading. The returned
	// function unmaps it and must be called exactly once.
	MapSurface(index int) (*Surface, func(), error)

	// Close releases the engine.
	Close() error
}

// EngineFactory creates a DecodeEngine bound to the given callbacks.
// The decoder core registers itself as the callback receiver at
// configuration time.
type EngineFactory func(params CodecParameters, callbacks EngineCallbacks) (DecodeEngine, error)

// Normalizer rewrites container-framed packets into the elementary-stream
// chunks the engine requires. One packet may yield zero or more chunks;
// timestamps are preserved or flagged absent, never invented.
// The returned chunks are valid until the next Normalize call.
type Normalizer interface {
	Normalize(pkt *Packet) ([]Chunk, error)
}

// FrameConverter maps a decoded surface into a destination frame buffer,
// handling format conversion and resizing. It runs synchronously on the
// converter goroutine; failures are fatal to the pipeline.
type FrameConverter interface {
	Convert(src *Surface, dst *FrameBuffer) error
}
