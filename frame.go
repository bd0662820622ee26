// Core frame and surface types used across the nvdec package.
package nvdec

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420  PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                     // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24                    // Packed RGB, 3 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB24"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGB24:
		return 1 // Packed
	default:
		return 0
	}
}

// FrameBuffer is a caller-owned destination for one decoded frame.
// The caller allocates it before submitting the matching packet and keeps
// ownership across submission and emission; the pipeline only writes into
// it and sets PTS.
type FrameBuffer struct {
	Data   [][]byte    // Plane data
	Stride []int       // Stride for each plane in bytes
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	Format PixelFormat // Pixel format
	PTS    int64       // Presentation timestamp, set on emission
}

// NewFrameBuffer allocates a frame buffer for the given geometry.
func NewFrameBuffer(width, height int, format PixelFormat) *FrameBuffer {
	fb := &FrameBuffer{
		Width:  width,
		Height: height,
		Format: format,
	}
	switch format {
	case PixelFormatI420:
		uvW, uvH := (width+1)/2, (height+1)/2
		fb.Data = [][]byte{
			make([]byte, width*height),
			make([]byte, uvW*uvH),
			make([]byte, uvW*uvH),
		}
		fb.Stride = []int{width, uvW, uvW}
	case PixelFormatNV12:
		uvH := (height + 1) / 2
		fb.Data = [][]byte{
			make([]byte, width*height),
			make([]byte, width*uvH),
		}
		fb.Stride = []int{width, width}
	case PixelFormatRGB24:
		fb.Data = [][]byte{make([]byte, width*height*3)}
		fb.Stride = []int{width * 3}
	}
	return fb
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := ((width + 1) / 2) * ((height + 1) / 2)
	return ySize + uvSize*2
}

// Surface is a host-visible view of one mapped decode surface.
// Data stays valid only until the unmap function returned by
// DecodeEngine.MapSurface is called.
type Surface struct {
	Data   []byte      // Luma plane followed by the chroma plane(s)
	Pitch  int         // Row pitch in bytes, shared by all planes
	Width  int         // Picture width in pixels
	Height int         // Picture height in pixels
	Format PixelFormat // NV12 for NVDEC output
}

// LumaPlane returns the luma rows of the surface.
func (s *Surface) LumaPlane() []byte {
	return s.Data[:s.Pitch*s.Height]
}

// ChromaPlane returns the interleaved chroma rows of an NV12 surface.
func (s *Surface) ChromaPlane() []byte {
	return s.Data[s.Pitch*s.Height:]
}
