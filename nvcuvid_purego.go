//go:build linux && !nonvdec

// NVDEC hardware decode engine via libnvcuvid using purego.
//
// The engine wraps the NVCUVID parser/decoder pair behind the
// DecodeEngine interface. Parser callbacks fire on the thread calling
// cuvidParseVideoData (the decoder's feeder goroutine) and are bridged
// to EngineCallbacks through registered trampolines.
//
// Library locations checked (in order):
//   - NVCUVID_LIB_PATH environment variable
//   - System library paths (libnvcuvid.so.1)

package nvdec

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	nvcuvidOnce    sync.Once
	nvcuvidHandle  uintptr
	nvcuvidInitErr error
)

var (
	cuvidCreateVideoParser  func(parser *uintptr, params *cuvidParserParams) uint32
	cuvidParseVideoData     func(parser uintptr, pkt *cuvidSourceDataPacket) uint32
	cuvidDestroyVideoParser func(parser uintptr) uint32
	cuvidCreateDecoder      func(decoder *uintptr, info *cuvidDecodeCreateInfo) uint32
	cuvidDestroyDecoder     func(decoder uintptr) uint32
	cuvidDecodePicture      func(decoder uintptr, picParams uintptr) uint32
	cuvidMapVideoFrame      func(decoder uintptr, picIdx int32, devPtr *uint64, pitch *uint32, params *cuvidProcParams) uint32
	cuvidUnmapVideoFrame    func(decoder uintptr, devPtr uint64) uint32
)

// cudaVideoCodec enum values from nvcuvid.h.
const (
	cudaVideoCodecMPEG4 = 2
	cudaVideoCodecH264  = 4
	cudaVideoCodecHEVC  = 8
	cudaVideoCodecVP8   = 9
	cudaVideoCodecVP9   = 10
	cudaVideoCodecAV1   = 11
)

const (
	cuvidPktEndOfStream = 0x01
	cuvidPktTimestamp   = 0x02

	cudaVideoChromaFormat420      = 1
	cudaVideoSurfaceFormatNV12    = 0
	cudaVideoDeinterlaceModeWeave = 0

	maxSeqHdrBytes = 1024
)

// CUVIDPARSERPARAMS
type cuvidParserParams struct {
	CodecType            uint32
	MaxNumDecodeSurfaces uint32
	ClockRate            uint32
	ErrorThreshold       uint32
	MaxDisplayDelay      uint32
	Flags                uint32
	Reserved1            [4]uint32
	UserData             uintptr
	SequenceCallback     uintptr
	DecodePicture        uintptr
	DisplayPicture       uintptr
	GetOperatingPoint    uintptr
	GetSEIMsg            uintptr
	Reserved2            [5]uintptr
	ExtVideoInfo         *cuvidFormatEx
}

// CUVIDEOFORMAT
type cuvidFormat struct {
	Codec                  uint32
	FrameRateNum           uint32
	FrameRateDen           uint32
	ProgressiveSequence    uint8
	BitDepthLumaMinus8     uint8
	BitDepthChromaMinus8   uint8
	MinNumDecodeSurfaces   uint8
	CodedWidth             uint32
	CodedHeight            uint32
	DisplayArea            [4]int32
	ChromaFormat           uint32
	Bitrate                uint32
	DisplayAspectRatio     [2]int32
	VideoSignalDescription uint32
	SeqHdrDataLength       uint32
}

// CUVIDEOFORMATEX
type cuvidFormatEx struct {
	Format    cuvidFormat
	RawSeqHdr [maxSeqHdrBytes]byte
}

// CUVIDPARSERDISPINFO
type cuvidParserDispInfo struct {
	PictureIndex     int32
	ProgressiveFrame int32
	TopFieldFirst    int32
	RepeatFirstField int32
	Timestamp        int64
}

// CUVIDDECODECREATEINFO (LP64 layout)
type cuvidDecodeCreateInfo struct {
	Width             uint64
	Height            uint64
	NumDecodeSurfaces uint64
	CodecType         uint32
	ChromaFormat      uint32
	CreationFlags     uint64
	BitDepthMinus8    uint64
	IntraDecodeOnly   uint64
	MaxWidth          uint64
	MaxHeight         uint64
	Reserved1         uint64
	DisplayArea       [4]int16
	OutputFormat      uint32
	DeinterlaceMode   uint32
	TargetWidth       uint64
	TargetHeight      uint64
	NumOutputSurfaces uint64
	VidLock           uintptr
	TargetRect        [4]int16
	EnableHistogram   uint64
	Reserved2         [4]uint64
}

// CUVIDPROCPARAMS
type cuvidProcParams struct {
	ProgressiveFrame int32
	SecondField      int32
	TopFieldFirst    int32
	UnpairedField    int32
	ReservedFlags    uint32
	ReservedZero     uint32
	RawInputDptr     uint64
	RawInputPitch    uint32
	RawInputFormat   uint32
	RawOutputDptr    uint64
	RawOutputPitch   uint32
	Reserved1        uint32
	OutputStream     uintptr
	Reserved         [46]uint32
	Reserved2        [1]uintptr
}

// CUVIDSOURCEDATAPACKET (LP64 layout)
type cuvidSourceDataPacket struct {
	Flags       uint64
	PayloadSize uint64
	Payload     uintptr
	Timestamp   int64
}

func loadNVCUVID() error {
	nvcuvidOnce.Do(func() {
		nvcuvidInitErr = loadNVCUVIDLib()
	})
	return nvcuvidInitErr
}

func loadNVCUVIDLib() error {
	paths := []string{
		"libnvcuvid.so.1",
		"libnvcuvid.so",
		"/usr/lib/x86_64-linux-gnu/libnvcuvid.so.1",
	}
	if envPath := os.Getenv("NVCUVID_LIB_PATH"); envPath != "" {
		paths = append([]string{envPath}, paths...)
	}

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			nvcuvidHandle = handle
			loadNVCUVIDSymbols()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to load libnvcuvid: %w", lastErr)
}

func loadNVCUVIDSymbols() {
	purego.RegisterLibFunc(&cuvidCreateVideoParser, nvcuvidHandle, "cuvidCreateVideoParser")
	purego.RegisterLibFunc(&cuvidParseVideoData, nvcuvidHandle, "cuvidParseVideoData")
	purego.RegisterLibFunc(&cuvidDestroyVideoParser, nvcuvidHandle, "cuvidDestroyVideoParser")
	purego.RegisterLibFunc(&cuvidCreateDecoder, nvcuvidHandle, "cuvidCreateDecoder")
	purego.RegisterLibFunc(&cuvidDestroyDecoder, nvcuvidHandle, "cuvidDestroyDecoder")
	purego.RegisterLibFunc(&cuvidDecodePicture, nvcuvidHandle, "cuvidDecodePicture")
	purego.RegisterLibFunc(&cuvidMapVideoFrame, nvcuvidHandle, "cuvidMapVideoFrame64")
	purego.RegisterLibFunc(&cuvidUnmapVideoFrame, nvcuvidHandle, "cuvidUnmapVideoFrame64")
}

// IsNVDECAvailable checks whether the CUDA driver and NVCUVID libraries
// can be loaded.
func IsNVDECAvailable() bool {
	return loadCUDA() == nil && loadNVCUVID() == nil
}

func cuvidCodecID(c VideoCodec) (uint32, bool) {
	switch c {
	case VideoCodecH264:
		return cudaVideoCodecH264, true
	case VideoCodecH265:
		return cudaVideoCodecHEVC, true
	case VideoCodecVP8:
		return cudaVideoCodecVP8, true
	case VideoCodecVP9:
		return cudaVideoCodecVP9, true
	case VideoCodecAV1:
		return cudaVideoCodecAV1, true
	case VideoCodecMPEG4:
		return cudaVideoCodecMPEG4, true
	default:
		return 0, false
	}
}

// Engine registry: CUVID callbacks deliver an integer cookie as user
// data, never a Go pointer.
var (
	engineRegMu   sync.Mutex
	engineReg     = map[uintptr]*nvdecEngine{}
	engineNextID  uintptr
	trampolineOne sync.Once
	seqCallback   uintptr
	decCallback   uintptr
	dispCallback  uintptr
)

func registerEngine(e *nvdecEngine) uintptr {
	engineRegMu.Lock()
	defer engineRegMu.Unlock()
	engineNextID++
	engineReg[engineNextID] = e
	return engineNextID
}

func unregisterEngine(id uintptr) {
	engineRegMu.Lock()
	delete(engineReg, id)
	engineRegMu.Unlock()
}

func lookupEngine(id uintptr) *nvdecEngine {
	engineRegMu.Lock()
	defer engineRegMu.Unlock()
	return engineReg[id]
}

func engineTrampolines() {
	trampolineOne.Do(func() {
		seqCallback = purego.NewCallback(handleSequence)
		decCallback = purego.NewCallback(handleDecodePicture)
		dispCallback = purego.NewCallback(handleDisplayPicture)
	})
}

func handleSequence(user, format uintptr) uintptr {
	e := lookupEngine(user)
	if e == nil {
		return 0
	}
	f := (*cuvidFormat)(unsafe.Pointer(format))

	e.mu.Lock()
	e.lastFormat = *f
	e.mu.Unlock()

	sf := &SequenceFormat{
		CodedWidth:   int(f.CodedWidth),
		CodedHeight:  int(f.CodedHeight),
		FrameRateNum: int(f.FrameRateNum),
		FrameRateDen: int(f.FrameRateDen),
		MinSurfaces:  int(f.MinNumDecodeSurfaces),
	}
	if !e.callbacks.OnSequence(sf) {
		return 0
	}
	return uintptr(e.maxSurfaces)
}

func handleDecodePicture(user, picParams uintptr) uintptr {
	e := lookupEngine(user)
	if e == nil {
		return 0
	}
	// CurrPicIdx is the third int of CUVIDPICPARAMS.
	idx := *(*int32)(unsafe.Pointer(picParams + 8))
	pic := &PictureParams{SurfaceIndex: int(idx), Handle: picParams}
	if !e.callbacks.OnDecodeSubmit(pic) {
		return 0
	}
	return 1
}

func handleDisplayPicture(user, dispInfo uintptr) uintptr {
	e := lookupEngine(user)
	if e == nil {
		return 0
	}
	d := (*cuvidParserDispInfo)(unsafe.Pointer(dispInfo))
	if !e.callbacks.OnDisplayReady(DisplayInfo{
		SurfaceIndex: int(d.PictureIndex),
		PTS:          d.Timestamp,
	}) {
		return 0
	}
	return 1
}

// NVDECOptions configures the NVDEC engine.
type NVDECOptions struct {
	DeviceID    int // CUDA device ordinal
	MaxSurfaces int // decode surface pool size (0 = DefaultMaxSurfaces)
}

// NewNVDECEngineFactory returns an EngineFactory creating NVDEC engines
// on the given device. Pass it to DecoderConfig.Engine; MaxSurfaces
// should match DecoderConfig.MaxSurfaces.
func NewNVDECEngineFactory(opts NVDECOptions) EngineFactory {
	return func(params CodecParameters, cb EngineCallbacks) (DecodeEngine, error) {
		return newNVDECEngine(opts, params, cb)
	}
}

// nvdecEngine drives one NVCUVID parser/decoder pair.
type nvdecEngine struct {
	id          uintptr
	callbacks   EngineCallbacks
	ctx         *cudaContext
	maxSurfaces int

	parser       uintptr
	parserParams *cuvidParserParams // kept alive for the parser's lifetime

	mu         sync.Mutex // guards decoder handle and lastFormat
	decoder    uintptr
	lastFormat cuvidFormat

	hostBuf []byte // reused device-to-host frame staging buffer
}

func newNVDECEngine(opts NVDECOptions, params CodecParameters, cb EngineCallbacks) (DecodeEngine, error) {
	if cb == nil {
		return nil, fmt.Errorf("engine callbacks are required")
	}
	codecID, ok := cuvidCodecID(params.Codec)
	if !ok {
		return nil, fmt.Errorf("codec %s not supported by NVDEC", params.Codec)
	}
	if err := loadNVCUVID(); err != nil {
		return nil, err
	}
	ctx, err := newCUDAContext(opts.DeviceID)
	if err != nil {
		return nil, err
	}
	engineTrampolines()

	maxSurfaces := opts.MaxSurfaces
	if maxSurfaces <= 0 {
		maxSurfaces = DefaultMaxSurfaces
	}

	e := &nvdecEngine{
		callbacks:   cb,
		ctx:         ctx,
		maxSurfaces: maxSurfaces,
	}
	e.id = registerEngine(e)

	pp := &cuvidParserParams{
		CodecType:            codecID,
		MaxNumDecodeSurfaces: uint32(maxSurfaces),
		ErrorThreshold:       100,
		MaxDisplayDelay:      1,
		UserData:             e.id,
		SequenceCallback:     seqCallback,
		DecodePicture:        decCallback,
		DisplayPicture:       dispCallback,
	}
	// The parser understands raw Annex-B sequence headers only; a
	// normalizer that injects parameter sets in band makes this optional.
	if n := len(params.Extradata); n > 0 && n <= maxSeqHdrBytes && isAnnexBStartCode(params.Extradata) {
		ex := &cuvidFormatEx{}
		ex.Format.SeqHdrDataLength = uint32(n)
		copy(ex.RawSeqHdr[:], params.Extradata)
		pp.ExtVideoInfo = ex
	}
	e.parserParams = pp

	if err := cudaError("cuvidCreateVideoParser", cuvidCreateVideoParser(&e.parser, pp)); err != nil {
		unregisterEngine(e.id)
		ctx.destroy()
		return nil, err
	}
	return e, nil
}

func (e *nvdecEngine) Reconfigure(format *SequenceFormat) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ctx.push(); err != nil {
		return err
	}
	defer e.ctx.pop()

	if e.decoder != 0 {
		cuvidDestroyDecoder(e.decoder)
		e.decoder = 0
	}

	info := &cuvidDecodeCreateInfo{
		Width:             uint64(format.CodedWidth),
		Height:            uint64(format.CodedHeight),
		NumDecodeSurfaces: uint64(e.maxSurfaces),
		CodecType:         e.lastFormat.Codec,
		ChromaFormat:      cudaVideoChromaFormat420,
		BitDepthMinus8:    uint64(e.lastFormat.BitDepthLumaMinus8),
		MaxWidth:          uint64(format.CodedWidth),
		MaxHeight:         uint64(format.CodedHeight),
		OutputFormat:      cudaVideoSurfaceFormatNV12,
		DeinterlaceMode:   cudaVideoDeinterlaceModeWeave,
		TargetWidth:       uint64(format.CodedWidth),
		TargetHeight:      uint64(format.CodedHeight),
		NumOutputSurfaces: 2,
	}
	return cudaError("cuvidCreateDecoder", cuvidCreateDecoder(&e.decoder, info))
}

func (e *nvdecEngine) Ingest(chunk Chunk) error {
	pkt := cuvidSourceDataPacket{}
	if chunk.EndOfStream {
		pkt.Flags = cuvidPktEndOfStream
	} else {
		if len(chunk.Data) == 0 {
			return nil
		}
		pkt.Payload = uintptr(unsafe.Pointer(&chunk.Data[0]))
		pkt.PayloadSize = uint64(len(chunk.Data))
		if chunk.HasPTS {
			pkt.Flags = cuvidPktTimestamp
			pkt.Timestamp = chunk.PTS
		}
	}

	if err := e.ctx.push(); err != nil {
		return err
	}
	defer e.ctx.pop()

	err := cudaError("cuvidParseVideoData", cuvidParseVideoData(e.parser, &pkt))
	runtime.KeepAlive(chunk.Data)
	return err
}

func (e *nvdecEngine) Decode(pic *PictureParams) error {
	e.mu.Lock()
	decoder := e.decoder
	e.mu.Unlock()
	if decoder == 0 {
		return fmt.Errorf("decode before sequence callback")
	}

	if err := e.ctx.push(); err != nil {
		return err
	}
	defer e.ctx.pop()
	return cudaError("cuvidDecodePicture", cuvidDecodePicture(decoder, pic.Handle))
}

// MapSurface maps the decoded picture, stages it into the engine's host
// buffer and unmaps the device frame. The returned surface data is valid
// until the next MapSurface call; the converter goroutine is the only
// caller, so a single staging buffer suffices.
func (e *nvdecEngine) MapSurface(index int) (*Surface, func(), error) {
	e.mu.Lock()
	decoder := e.decoder
	format := e.lastFormat
	e.mu.Unlock()
	if decoder == 0 {
		return nil, nil, fmt.Errorf("no decoder configured")
	}

	if err := e.ctx.push(); err != nil {
		return nil, nil, err
	}
	defer e.ctx.pop()

	var devPtr uint64
	var pitch uint32
	proc := &cuvidProcParams{ProgressiveFrame: 1}
	if err := cudaError("cuvidMapVideoFrame", cuvidMapVideoFrame(decoder, int32(index), &devPtr, &pitch, proc)); err != nil {
		return nil, nil, err
	}

	height := int(format.CodedHeight)
	size := int(pitch) * (height + (height+1)/2)
	if cap(e.hostBuf) < size {
		e.hostBuf = make([]byte, size)
	}
	e.hostBuf = e.hostBuf[:size]

	copyErr := cudaError("cuMemcpyDtoH",
		cuMemcpyDtoH(uintptr(unsafe.Pointer(&e.hostBuf[0])), devPtr, uint64(size)))
	cuvidUnmapVideoFrame(decoder, devPtr)
	if copyErr != nil {
		return nil, nil, copyErr
	}

	surface := &Surface{
		Data:   e.hostBuf,
		Pitch:  int(pitch),
		Width:  int(format.CodedWidth),
		Height: height,
		Format: PixelFormatNV12,
	}
	return surface, func() {}, nil
}

func (e *nvdecEngine) Close() error {
	e.mu.Lock()
	if e.decoder != 0 {
		e.ctx.push()
		cuvidDestroyDecoder(e.decoder)
		e.ctx.pop()
		e.decoder = 0
	}
	e.mu.Unlock()

	if e.parser != 0 {
		cuvidDestroyVideoParser(e.parser)
		e.parser = 0
	}
	unregisterEngine(e.id)
	e.ctx.destroy()
	return nil
}
