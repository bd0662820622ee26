//go:build !linux || nonvdec

package nvdec

import "errors"

var errNVDECUnavailable = errors.New("NVDEC support not built on this platform")

// IsNVDECAvailable reports whether NVDEC hardware decoding is available.
// Always false on this platform.
func IsNVDECAvailable() bool {
	return false
}

// NVDECOptions configures the NVDEC engine.
type NVDECOptions struct {
	DeviceID    int
	MaxSurfaces int
}

// NewNVDECEngineFactory returns a factory that always fails on platforms
// without NVDEC support.
func NewNVDECEngineFactory(opts NVDECOptions) EngineFactory {
	return func(params CodecParameters, cb EngineCallbacks) (DecodeEngine, error) {
		return nil, errNVDECUnavailable
	}
}
