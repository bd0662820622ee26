// Package nvdec coordinates an asynchronous hardware video decode engine
// (NVDEC via NVCUVID) behind a synchronous push/pop API that emits frames
// in strict presentation order.
//
// The engine decodes pictures out of order and reports completion through
// callbacks on threads this package does not own. The Decoder reconstructs
// submission order around a bounded pool of reusable decode surfaces:
//
//   Push -> packet queue -> feeder -> normalizer -> engine (external)
//   engine callbacks -> permit pool / display queue
//   converter -> frame converter -> reorder buffer -> output queue -> Pop
//
// # Architecture
//
// Two worker goroutines run per decoder. The feeder normalizes packets
// into elementary-stream chunks and feeds the engine. The converter drains
// display-ready pictures, converts each into the next caller-supplied
// FrameBuffer, restores presentation order and releases the surface for
// reuse. Engine callbacks gate decode submissions through one permit per
// surface so a surface is never overwritten before its pixels were read.
//
// # Native Libraries
//
// The NVDEC engine loads libnvcuvid and libcuda dynamically via purego
// (CGO_ENABLED=0). Set NVCUVID_LIB_PATH / CUDA_DRIVER_LIB_PATH to override
// the library locations, and use IsNVDECAvailable to probe support. Any
// DecodeEngine implementation can be substituted, which is how the tests
// run without hardware.
//
// # Build Tags
//
//   - nonvdec: disable the NVCUVID bindings
//
// # Supported Codecs
//
// H.264, H.265, VP8, VP9, AV1 and MPEG-4 Part 2, subject to what the GPU
// generation supports. AVCC/HVCC container samples are rewritten to
// Annex-B by AnnexBNormalizer; streams that are already elementary pass
// through untouched.
package nvdec
