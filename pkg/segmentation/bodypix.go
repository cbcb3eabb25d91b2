//go:build bodypix

// BodyPix person segmentation on ONNX Runtime.
//
// The models are the BodyPix MobileNetV1 graphs exported to ONNX, one file per
// multiplier, named bodypix_mobilenetv1_<percent>_stride16.onnx:
//
//	if err := segmentation.InitRuntime(""); err != nil {
//	    log.Fatal(err)
//	}
//	defer segmentation.DestroyRuntime()
//
//	loader := segmentation.NewBodyPixLoader(segmentation.BodyPixConfig{ModelDir: "models"}, logger)
//	cfg, _ := segmentation.NewLoadConfig(segmentation.Multiplier100)
//	model, err := loader.Load(ctx, cfg)

package segmentation

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

var (
	runtimeInitialized bool
	runtimeMu          sync.Mutex
)

// InitRuntime initializes the ONNX runtime environment. libraryPath may be
// empty to search the usual install locations.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized {
		return nil
	}

	if libraryPath == "" {
		libraryPath = findONNXRuntimeLibrary()
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	runtimeInitialized = true
	return nil
}

// DestroyRuntime tears the ONNX runtime environment down at shutdown.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy ONNX runtime: %w", err)
	}
	runtimeInitialized = false
	return nil
}

func findONNXRuntimeLibrary() string {
	paths := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			paths = append(paths, filepath.Join(dir, "libonnxruntime.so"))
		}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BodyPixLoader loads BodyPix ONNX models from a directory.
type BodyPixLoader struct {
	cfg    BodyPixConfig
	logger *zap.SugaredLogger
}

// NewBodyPixLoader creates a loader. Zero fields of cfg take their defaults.
func NewBodyPixLoader(cfg BodyPixConfig, logger *zap.SugaredLogger) *BodyPixLoader {
	return &BodyPixLoader{
		cfg:    cfg.withDefaults(),
		logger: logging.Or(logger).Named("bodypix"),
	}
}

// Load implements Loader. It blocks until the session is built; there is no timeout.
func (l *BodyPixLoader) Load(ctx context.Context, cfg LoadConfig) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if err := InitRuntime(l.cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	path := l.cfg.ModelPath(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", ErrModelLoad, err)
	}
	defer options.Destroy()

	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("%w: graph optimization: %w", ErrModelLoad, err)
	}
	if err := options.SetIntraOpNumThreads(l.cfg.Threads); err != nil {
		return nil, fmt.Errorf("%w: intra-op threads: %w", ErrModelLoad, err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{l.cfg.InputName},
		[]string{l.cfg.OutputName},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrModelLoad, err)
	}

	l.logger.Infow("model loaded", "path", path,
		"multiplier", float64(cfg.Multiplier), "outputStride", cfg.OutputStride,
		"architecture", cfg.Architecture)

	return &bodyPixModel{
		session:    session,
		load:       cfg,
		resolution: l.cfg.InternalResolution,
	}, nil
}

type bodyPixModel struct {
	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	load       LoadConfig
	resolution float64
}

// SegmentPerson implements Model. ONNX Runtime sessions accept concurrent Run
// calls, so overlapping inferences only share the read lock.
func (m *bodyPixModel) SegmentPerson(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrModelClosed
	}

	b := frame.Bounds()
	stride := m.load.OutputStride
	inW, inH := internalSize(b.Dx(), b.Dy(), m.resolution, stride)
	outW, outH := outputResolution(inW, stride), outputResolution(inH, stride)

	input, err := ort.NewTensor(ort.NewShape(1, int64(inH), int64(inW), 3), toInputTensor(frame, inW, inH))
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %w", ErrInference, err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outH), int64(outW), 1))
	if err != nil {
		return nil, fmt.Errorf("%w: output tensor: %w", ErrInference, err)
	}
	defer output.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("%w: run: %w", ErrInference, err)
	}

	seg, err := scoresToSegmentation(output.GetData(), outW, outH, b.Dx(), b.Dy(), opts.ScoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	return seg, nil
}

// Close implements Model.
func (m *bodyPixModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

var (
	_ Loader = (*BodyPixLoader)(nil)
	_ Model  = (*bodyPixModel)(nil)
)
