package nvdec

// VideoCodec identifies the compressed bitstream type fed to the engine.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecAV1
	VideoCodecMPEG4
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecAV1:
		return "AV1"
	case VideoCodecMPEG4:
		return "MPEG4"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecH265:
		return "video/H265"
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecAV1:
		return "video/AV1"
	case VideoCodecMPEG4:
		return "video/MP4V-ES"
	default:
		return ""
	}
}

// CodecParameters describes the stream a decoder is configured for.
type CodecParameters struct {
	Codec  VideoCodec
	Width  int // coded width as reported by the container (0 = unknown)
	Height int // coded height as reported by the container (0 = unknown)

	// Extradata is the container-level codec configuration record
	// (avcC for H.264, hvcC for H.265). Empty for elementary streams
	// that carry parameter sets in band.
	Extradata []byte
}
