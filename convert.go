package nvdec

import "fmt"

// NV12Converter copies a mapped NV12 decode surface into an I420
// destination frame, deinterleaving the chroma plane and resizing with
// fixed-point nearest sampling when the geometries differ. It is the host
// memory stand-in for a device-side converter and performs no color-space
// conversion.
type NV12Converter struct{}

func (NV12Converter) Convert(src *Surface, dst *FrameBuffer) error {
	if src.Format != PixelFormatNV12 {
		return fmt.Errorf("unsupported surface format %s", src.Format)
	}
	if dst.Format != PixelFormatI420 {
		return fmt.Errorf("unsupported destination format %s", dst.Format)
	}
	if len(dst.Data) != 3 || len(dst.Stride) != 3 {
		return fmt.Errorf("destination has %d planes, want 3", len(dst.Data))
	}
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height)
	}

	luma := src.LumaPlane()
	chroma := src.ChromaPlane()

	// Fixed-point sampling ratios (16.16).
	xRatio := (src.Width << 16) / dst.Width
	yRatio := (src.Height << 16) / dst.Height

	for y := 0; y < dst.Height; y++ {
		sy := (y * yRatio) >> 16
		srcRow := luma[sy*src.Pitch:]
		dstRow := dst.Data[0][y*dst.Stride[0]:]
		if src.Width == dst.Width {
			copy(dstRow[:dst.Width], srcRow[:src.Width])
			continue
		}
		for x := 0; x < dst.Width; x++ {
			dstRow[x] = srcRow[(x*xRatio)>>16]
		}
	}

	dstUVW := (dst.Width + 1) / 2
	dstUVH := (dst.Height + 1) / 2
	srcUVH := (src.Height + 1) / 2
	for y := 0; y < dstUVH; y++ {
		sy := (y * yRatio) >> 16
		if sy >= srcUVH {
			sy = srcUVH - 1
		}
		srcRow := chroma[sy*src.Pitch:]
		uRow := dst.Data[1][y*dst.Stride[1]:]
		vRow := dst.Data[2][y*dst.Stride[2]:]
		for x := 0; x < dstUVW; x++ {
			sx := (x * xRatio) >> 16
			if sx >= (src.Width+1)/2 {
				sx = (src.Width+1)/2 - 1
			}
			uRow[x] = srcRow[sx*2]
			vRow[x] = srcRow[sx*2+1]
		}
	}
	return nil
}

// RGBConverter converts a mapped NV12 decode surface into packed RGB24,
// resizing with fixed-point nearest sampling when the geometries differ.
// Color conversion follows BT.601 limited range.
type RGBConverter struct{}

func (RGBConverter) Convert(src *Surface, dst *FrameBuffer) error {
	if src.Format != PixelFormatNV12 {
		return fmt.Errorf("unsupported surface format %s", src.Format)
	}
	if dst.Format != PixelFormatRGB24 {
		return fmt.Errorf("unsupported destination format %s", dst.Format)
	}
	if len(dst.Data) != 1 || len(dst.Stride) != 1 {
		return fmt.Errorf("destination has %d planes, want 1", len(dst.Data))
	}
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height)
	}

	luma := src.LumaPlane()
	chroma := src.ChromaPlane()

	xRatio := (src.Width << 16) / dst.Width
	yRatio := (src.Height << 16) / dst.Height
	srcUVH := (src.Height + 1) / 2
	srcUVW := (src.Width + 1) / 2

	for y := 0; y < dst.Height; y++ {
		sy := (y * yRatio) >> 16
		cy := sy / 2
		if cy >= srcUVH {
			cy = srcUVH - 1
		}
		lumaRow := luma[sy*src.Pitch:]
		chromaRow := chroma[cy*src.Pitch:]
		out := dst.Data[0][y*dst.Stride[0]:]

		for x := 0; x < dst.Width; x++ {
			sx := (x * xRatio) >> 16
			cx := sx / 2
			if cx >= srcUVW {
				cx = srcUVW - 1
			}

			c := float64(lumaRow[sx]) - 16
			d := float64(chromaRow[cx*2]) - 128
			e := float64(chromaRow[cx*2+1]) - 128

			out[x*3] = clampByte(1.164*c + 1.596*e)
			out[x*3+1] = clampByte(1.164*c - 0.392*d - 0.813*e)
			out[x*3+2] = clampByte(1.164*c + 2.017*d)
		}
	}
	return nil
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
