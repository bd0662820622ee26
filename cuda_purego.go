//go:build linux && !nonvdec

package nvdec

import (
	"fmt"
	"os"
	"sync"

	"github.com/ebitengine/purego"
)

// Minimal libcuda driver-API surface needed to host NVDEC: context
// management and device-to-host copies of mapped frames.

var (
	cudaOnce    sync.Once
	cudaHandle  uintptr
	cudaInitErr error
)

var (
	cuInit           func(flags uint32) uint32
	cuDeviceGet      func(device *int32, ordinal int32) uint32
	cuCtxCreate      func(ctx *uintptr, flags uint32, device int32) uint32
	cuCtxDestroy     func(ctx uintptr) uint32
	cuCtxPushCurrent func(ctx uintptr) uint32
	cuCtxPopCurrent  func(ctx *uintptr) uint32
	cuMemcpyDtoH     func(dst uintptr, src uint64, byteCount uint64) uint32
)

// loadCUDA loads the CUDA driver library.
func loadCUDA() error {
	cudaOnce.Do(func() {
		cudaInitErr = loadCUDALib()
	})
	return cudaInitErr
}

func loadCUDALib() error {
	paths := []string{
		"libcuda.so.1",
		"libcuda.so",
		"/usr/lib/x86_64-linux-gnu/libcuda.so.1",
		"/usr/local/cuda/lib64/stubs/libcuda.so",
	}
	if envPath := os.Getenv("CUDA_DRIVER_LIB_PATH"); envPath != "" {
		paths = append([]string{envPath}, paths...)
	}

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			cudaHandle = handle
			loadCUDASymbols()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to load libcuda: %w", lastErr)
}

func loadCUDASymbols() {
	purego.RegisterLibFunc(&cuInit, cudaHandle, "cuInit")
	purego.RegisterLibFunc(&cuDeviceGet, cudaHandle, "cuDeviceGet")
	purego.RegisterLibFunc(&cuCtxCreate, cudaHandle, "cuCtxCreate_v2")
	purego.RegisterLibFunc(&cuCtxDestroy, cudaHandle, "cuCtxDestroy_v2")
	purego.RegisterLibFunc(&cuCtxPushCurrent, cudaHandle, "cuCtxPushCurrent_v2")
	purego.RegisterLibFunc(&cuCtxPopCurrent, cudaHandle, "cuCtxPopCurrent_v2")
	purego.RegisterLibFunc(&cuMemcpyDtoH, cudaHandle, "cuMemcpyDtoH_v2")
}

// cudaError converts a CUresult into an error, nil on CUDA_SUCCESS.
func cudaError(op string, code uint32) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("%s failed: CUDA error %d", op, code)
}

// cudaContext is a pushed/popped CUDA driver context shared by the feeder
// and converter goroutines. Per-call push keeps the context usable from
// any OS thread the scheduler picks.
type cudaContext struct {
	ctx uintptr
}

func newCUDAContext(deviceID int) (*cudaContext, error) {
	if err := loadCUDA(); err != nil {
		return nil, err
	}
	if err := cudaError("cuInit", cuInit(0)); err != nil {
		return nil, err
	}
	var device int32
	if err := cudaError("cuDeviceGet", cuDeviceGet(&device, int32(deviceID))); err != nil {
		return nil, err
	}
	c := &cudaContext{}
	if err := cudaError("cuCtxCreate", cuCtxCreate(&c.ctx, 0, device)); err != nil {
		return nil, err
	}
	// Creation leaves the context current on this thread; detach it so
	// every user goes through push/pop.
	var popped uintptr
	if err := cudaError("cuCtxPopCurrent", cuCtxPopCurrent(&popped)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cudaContext) push() error {
	return cudaError("cuCtxPushCurrent", cuCtxPushCurrent(c.ctx))
}

func (c *cudaContext) pop() {
	var popped uintptr
	cuCtxPopCurrent(&popped)
}

func (c *cudaContext) destroy() {
	if c.ctx != 0 {
		cuCtxDestroy(c.ctx)
		c.ctx = 0
	}
}
