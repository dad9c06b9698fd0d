// Package options holds the functional options used to configure a session and
// the runtime backends it creates.
package options

import (
	"fmt"
	"runtime"
)

type Options struct {
	// RuntimeOptions holds the backend-specific session options, e.g. the
	// *ort.SessionOptions used by every model created in an ORT session.
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLOptions     map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared
// library file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath only applies to the ORT backend, got %q", o.Backend)
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) enables onnxruntime telemetry, which is disabled by
// default.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used within a
// single operator.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used across
// operators.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) toggles the CPU memory arena.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) toggles memory pattern optimisation.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) appends the CUDA execution provider with the given
// provider options.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.ORTOptions.CudaOptions == nil {
			o.ORTOptions.CudaOptions = map[string]string{}
		}
		for k, v := range options {
			o.ORTOptions.CudaOptions[k] = v
		}
		return nil
	}
}

// WithCoreML (ORT only) appends the CoreML execution provider with the given
// flags.
func WithCoreML(flags map[string]string) WithOption {
	return func(o *Options) error {
		if o.ORTOptions.CoreMLOptions == nil {
			o.ORTOptions.CoreMLOptions = map[string]string{}
		}
		for k, v := range flags {
			o.ORTOptions.CoreMLOptions[k] = v
		}
		return nil
	}
}
