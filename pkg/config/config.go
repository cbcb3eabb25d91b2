// Package config reads the billboard service configuration from the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/spf13/cast"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/elements"
	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/render"
	"github.com/realtime-ai/billboard/pkg/segmentation"
	"github.com/realtime-ai/billboard/pkg/segpipeline"
	"github.com/realtime-ai/billboard/pkg/trace"
)

const (
	CameraSourceDevice = "device"
	CameraSourceFile   = "file"
)

// Config is the complete service configuration.
type Config struct {
	HTTPAddr     string
	RTCUDPPort   int
	RTCEndpoints []string
	ICELite      bool

	CameraSource string
	CameraFile   string
	CameraLoop   bool
	Constraints  camera.Constraints

	ModelDir       string
	Multiplier     segmentation.Multiplier
	ONNXRuntimeLib string
	// ScoreThreshold defaults to 0.5. It is an operator tuning knob.
	ScoreThreshold float64

	SegmentationEnabled bool
	Overlap             segpipeline.OverlapPolicy
	// MaskForeground and MaskBackground default to white and black. Both must
	// be opaque and distinct so the mask stays two-valued. Composite reads the
	// green channel as alpha.
	MaskForeground color.RGBA
	MaskBackground color.RGBA

	RenderFPS    int
	Billboard    render.BillboardConfig
	OutputFormat string

	LogLevel      string
	TraceExporter string
	OTLPEndpoint  string
	Environment   string
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	pipe := segpipeline.DefaultConfig()
	return &Config{
		HTTPAddr:            ":8080",
		RTCUDPPort:          9000,
		CameraSource:        CameraSourceDevice,
		CameraLoop:          true,
		Constraints:         camera.DefaultConstraints(),
		ModelDir:            "models",
		Multiplier:          pipe.Multiplier,
		ScoreThreshold:      pipe.Segment.ScoreThreshold,
		SegmentationEnabled: pipe.SegmentationEnabled,
		Overlap:             pipe.Overlap,
		MaskForeground:      pipe.Foreground,
		MaskBackground:      pipe.Background,
		RenderFPS:           render.DefaultFPS,
		Billboard:           render.DefaultBillboardConfig(),
		OutputFormat:        elements.FormatPNG,
		LogLevel:            "info",
		TraceExporter:       trace.ExporterNone,
		OTLPEndpoint:        "localhost:4317",
		Environment:         "development",
	}
}

// Load reads .env files (".env" when none are named) into the process
// environment, without overriding variables that are already set, and then
// builds the configuration from the environment. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup, starting from Default, and
// validates it.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := &parser{lookup: lookup}

	p.strVar("HTTP_ADDR", &cfg.HTTPAddr)
	p.intVar("RTC_UDP_PORT", &cfg.RTCUDPPort)
	p.listVar("RTC_ENDPOINTS", &cfg.RTCEndpoints)
	p.boolVar("RTC_ICE_LITE", &cfg.ICELite)

	p.strVar("CAMERA_SOURCE", &cfg.CameraSource)
	p.strVar("CAMERA_FILE", &cfg.CameraFile)
	p.boolVar("CAMERA_LOOP", &cfg.CameraLoop)
	p.strVar("CAMERA_DEVICE", &cfg.Constraints.DeviceID)
	p.intVar("CAMERA_WIDTH", &cfg.Constraints.Width)
	p.intVar("CAMERA_HEIGHT", &cfg.Constraints.Height)
	p.floatVar("CAMERA_FRAME_RATE", &cfg.Constraints.FrameRate)
	if v, ok := p.get("CAMERA_FACING"); ok {
		cfg.Constraints.FacingMode = camera.FacingMode(strings.ToLower(v))
	}

	p.strVar("MODEL_DIR", &cfg.ModelDir)
	if v, ok := p.get("MODEL_MULTIPLIER"); ok {
		m, err := cast.ToFloat64E(v)
		if err != nil {
			p.fail("MODEL_MULTIPLIER", v, err)
		} else {
			cfg.Multiplier = segmentation.Multiplier(m)
		}
	}
	p.strVar("ONNXRUNTIME_LIB", &cfg.ONNXRuntimeLib)
	p.floatVar("SEGMENT_THRESHOLD", &cfg.ScoreThreshold)

	p.boolVar("SEGMENTATION_ENABLED", &cfg.SegmentationEnabled)
	if v, ok := p.get("OVERLAP_POLICY"); ok {
		policy, err := segpipeline.ParseOverlapPolicy(v)
		if err != nil {
			p.fail("OVERLAP_POLICY", v, err)
		} else {
			cfg.Overlap = policy
		}
	}
	p.colorVar("MASK_FOREGROUND", &cfg.MaskForeground)
	p.colorVar("MASK_BACKGROUND", &cfg.MaskBackground)

	p.intVar("RENDER_FPS", &cfg.RenderFPS)
	if v, ok := p.get("BILLBOARD_POSITION"); ok {
		xyz, err := parseFloats(v, 3)
		if err != nil {
			p.fail("BILLBOARD_POSITION", v, err)
		} else {
			cfg.Billboard.Position = render.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]}
		}
	}
	if v, ok := p.get("BILLBOARD_SIZE"); ok {
		wh, err := parseFloats(strings.ReplaceAll(strings.ToLower(v), "x", ","), 2)
		if err != nil {
			p.fail("BILLBOARD_SIZE", v, err)
		} else {
			cfg.Billboard.Width, cfg.Billboard.Height = wh[0], wh[1]
		}
	}
	p.intVar("BILLBOARD_OUTPUT_WIDTH", &cfg.Billboard.OutputWidth)
	p.strVar("OUTPUT_FORMAT", &cfg.OutputFormat)
	cfg.Billboard.SegmentationEnabled = cfg.SegmentationEnabled

	p.strVar("LOG_LEVEL", &cfg.LogLevel)
	p.strVar("TRACE_EXPORTER", &cfg.TraceExporter)
	p.strVar("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	p.strVar("ENVIRONMENT", &cfg.Environment)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is empty"))
	}
	if c.RTCUDPPort < 0 || c.RTCUDPPort > 65535 {
		errs = append(errs, fmt.Errorf("RTC_UDP_PORT %d out of range", c.RTCUDPPort))
	}
	switch c.CameraSource {
	case CameraSourceDevice:
	case CameraSourceFile:
		if c.CameraFile == "" {
			errs = append(errs, errors.New("CAMERA_FILE is required when CAMERA_SOURCE=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CAMERA_SOURCE %q", c.CameraSource))
	}
	if err := c.Constraints.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Multiplier.Valid() {
		errs = append(errs, fmt.Errorf("%w: %v", segmentation.ErrInvalidMultiplier, float64(c.Multiplier)))
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("SEGMENT_THRESHOLD %.2f outside [0, 1]", c.ScoreThreshold))
	}
	if c.MaskForeground.A != 255 {
		errs = append(errs, fmt.Errorf("MASK_FOREGROUND must be opaque, got alpha %d", c.MaskForeground.A))
	}
	if c.MaskBackground.A != 255 {
		errs = append(errs, fmt.Errorf("MASK_BACKGROUND must be opaque, got alpha %d", c.MaskBackground.A))
	}
	if c.MaskForeground == c.MaskBackground {
		errs = append(errs, errors.New("MASK_FOREGROUND and MASK_BACKGROUND must differ"))
	}
	if c.RenderFPS <= 0 {
		errs = append(errs, fmt.Errorf("RENDER_FPS must be positive, got %d", c.RenderFPS))
	}
	if c.Billboard.Width <= 0 || c.Billboard.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid BILLBOARD_SIZE %gx%g", c.Billboard.Width, c.Billboard.Height))
	}
	if c.Billboard.OutputWidth < 0 {
		errs = append(errs, fmt.Errorf("BILLBOARD_OUTPUT_WIDTH must not be negative, got %d", c.Billboard.OutputWidth))
	}
	if _, err := elements.MediaTypeForFormat(c.OutputFormat); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.TraceExporter {
	case trace.ExporterNone, trace.ExporterStdout, trace.ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("unknown TRACE_EXPORTER %q", c.TraceExporter))
	}
	return errors.Join(errs...)
}

// Pipeline returns the segmentation pipeline settings.
func (c *Config) Pipeline() segpipeline.Config {
	pc := segpipeline.DefaultConfig()
	pc.Constraints = c.Constraints
	pc.Multiplier = c.Multiplier
	pc.Segment.ScoreThreshold = c.ScoreThreshold
	pc.Foreground = c.MaskForeground
	pc.Background = c.MaskBackground
	pc.Overlap = c.Overlap
	pc.SegmentationEnabled = c.SegmentationEnabled
	return pc
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (p *parser) strVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) intVar(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) floatVar(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = f
}

func (p *parser) boolVar(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

func (p *parser) listVar(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) colorVar(key string, dst *color.RGBA) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	c, err := ParseColor(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = c
}

// ParseColor parses a hex colour ("#ff8800" or "ff8800") into an opaque RGBA.
func ParseColor(s string) (color.RGBA, error) {
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return color.RGBA{}, err
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated numbers, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, part := range parts {
		f, err := cast.ToFloat64E(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
