package nvdec

import (
	"errors"
	"fmt"
)

// ErrInvalidExtradata reports a malformed codec configuration record.
var ErrInvalidExtradata = errors.New("invalid codec extradata")

var annexBStartCode = []byte{0, 0, 0, 1}

// PassthroughNormalizer forwards packet data unchanged. Use it for
// elementary streams that are already in the format the engine expects
// (Annex-B H.264/H.265, IVF-less VP9 frames, AV1 OBUs).
type PassthroughNormalizer struct{}

func (PassthroughNormalizer) Normalize(pkt *Packet) ([]Chunk, error) {
	if len(pkt.Data) == 0 {
		return nil, nil
	}
	return []Chunk{{Data: pkt.Data, PTS: pkt.PTS, HasPTS: pkt.HasPTS}}, nil
}

// AnnexBNormalizer rewrites AVCC/HVCC length-prefixed samples into the
// Annex-B byte stream NVDEC parses, injecting the parameter sets from the
// container extradata in front of every keyframe. Samples that already use
// start codes pass through untouched.
//
// The returned chunk data is reused between calls.
type AnnexBNormalizer struct {
	codec         VideoCodec
	headers       []byte // parameter set NAL units, start-code framed
	nalLengthSize int
	buf           []byte
}

// NewAnnexBNormalizer creates a normalizer for H.264 or H.265 streams.
// Extradata may be empty when parameter sets travel in band.
func NewAnnexBNormalizer(params CodecParameters) (*AnnexBNormalizer, error) {
	n := &AnnexBNormalizer{codec: params.Codec, nalLengthSize: 4}

	switch params.Codec {
	case VideoCodecH264, VideoCodecH265:
	default:
		return nil, fmt.Errorf("codec %s does not use Annex-B framing", params.Codec)
	}

	if len(params.Extradata) == 0 {
		return n, nil
	}
	if isAnnexBStartCode(params.Extradata) {
		// Extradata already holds start-code framed parameter sets.
		n.headers = append([]byte(nil), params.Extradata...)
		return n, nil
	}

	var err error
	if params.Codec == VideoCodecH264 {
		err = n.parseAVCDecoderConfig(params.Extradata)
	} else {
		err = n.parseHEVCDecoderConfig(params.Extradata)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AnnexBNormalizer) Normalize(pkt *Packet) ([]Chunk, error) {
	if len(pkt.Data) == 0 {
		return nil, nil
	}

	if isAnnexBStartCode(pkt.Data) {
		return []Chunk{{Data: pkt.Data, PTS: pkt.PTS, HasPTS: pkt.HasPTS}}, nil
	}

	n.buf = n.buf[:0]
	injected := false

	data := pkt.Data
	for len(data) > 0 {
		if len(data) < n.nalLengthSize {
			return nil, fmt.Errorf("truncated NAL length prefix (%d bytes left)", len(data))
		}
		length := 0
		for i := 0; i < n.nalLengthSize; i++ {
			length = length<<8 | int(data[i])
		}
		data = data[n.nalLengthSize:]
		if length <= 0 || length > len(data) {
			return nil, fmt.Errorf("NAL length %d exceeds sample of %d bytes", length, len(data))
		}
		nalu := data[:length]
		data = data[length:]

		if !injected && n.isKeyframeNALU(nalu) {
			n.buf = append(n.buf, n.headers...)
			injected = true
		}
		n.buf = append(n.buf, annexBStartCode...)
		n.buf = append(n.buf, nalu...)
	}

	if len(n.buf) == 0 {
		return nil, nil
	}
	return []Chunk{{Data: n.buf, PTS: pkt.PTS, HasPTS: pkt.HasPTS}}, nil
}

// isKeyframeNALU reports whether the NAL unit starts a random access point.
func (n *AnnexBNormalizer) isKeyframeNALU(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	if n.codec == VideoCodecH264 {
		return nalu[0]&0x1F == 5 // IDR slice
	}
	// H.265 IRAP types: BLA (16-18), IDR (19-20), CRA (21).
	t := (nalu[0] >> 1) & 0x3F
	return t >= 16 && t <= 21
}

// parseAVCDecoderConfig extracts SPS/PPS from an avcC record
// (ISO/IEC 14496-15) and frames them with start codes.
func (n *AnnexBNormalizer) parseAVCDecoderConfig(extra []byte) error {
	if len(extra) < 7 || extra[0] != 1 {
		return ErrInvalidExtradata
	}
	n.nalLengthSize = int(extra[4]&0x03) + 1

	offset := 5
	numSPS := int(extra[offset] & 0x1F)
	offset++
	for i := 0; i < numSPS; i++ {
		var err error
		offset, err = n.appendLengthPrefixed(extra, offset)
		if err != nil {
			return err
		}
	}

	if offset >= len(extra) {
		return ErrInvalidExtradata
	}
	numPPS := int(extra[offset])
	offset++
	for i := 0; i < numPPS; i++ {
		var err error
		offset, err = n.appendLengthPrefixed(extra, offset)
		if err != nil {
			return err
		}
	}
	return nil
}

// parseHEVCDecoderConfig extracts VPS/SPS/PPS from an hvcC record.
func (n *AnnexBNormalizer) parseHEVCDecoderConfig(extra []byte) error {
	if len(extra) < 23 || extra[0] != 1 {
		return ErrInvalidExtradata
	}
	n.nalLengthSize = int(extra[21]&0x03) + 1

	numArrays := int(extra[22])
	offset := 23
	for i := 0; i < numArrays; i++ {
		if offset+3 > len(extra) {
			return ErrInvalidExtradata
		}
		numNALUs := int(extra[offset+1])<<8 | int(extra[offset+2])
		offset += 3
		for j := 0; j < numNALUs; j++ {
			var err error
			offset, err = n.appendLengthPrefixed(extra, offset)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// appendLengthPrefixed appends one 16-bit length-prefixed NAL unit from
// extra at offset to the header block and returns the new offset.
func (n *AnnexBNormalizer) appendLengthPrefixed(extra []byte, offset int) (int, error) {
	if offset+2 > len(extra) {
		return 0, ErrInvalidExtradata
	}
	length := int(extra[offset])<<8 | int(extra[offset+1])
	offset += 2
	if offset+length > len(extra) {
		return 0, ErrInvalidExtradata
	}
	n.headers = append(n.headers, annexBStartCode...)
	n.headers = append(n.headers, extra[offset:offset+length]...)
	return offset + length, nil
}

// isAnnexBStartCode checks for an H.264/H.265 Annex-B start code.
// Per ITU-T H.264 Annex B, NAL units are prefixed with 0x00000001 at
// stream start and 0x000001 between NALUs.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}
