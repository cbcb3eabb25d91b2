// Command billboard captures the local camera, segments the person in every
// rendered frame and publishes the cut-out billboard to browsers over
// WebSocket and WebRTC.
//
// Run with:
//
//	go run -tags bodypix ./cmd/billboard
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/config"
	"github.com/realtime-ai/billboard/pkg/elements"
	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/render"
	"github.com/realtime-ai/billboard/pkg/segmentation"
	"github.com/realtime-ai/billboard/pkg/segpipeline"
	"github.com/realtime-ai/billboard/pkg/server"
	"github.com/realtime-ai/billboard/pkg/texture"
	"github.com/realtime-ai/billboard/pkg/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewLogger("billboard", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.ReplaceGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := trace.DefaultConfig()
	traceCfg.ExporterType = cfg.TraceExporter
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.Environment = cfg.Environment
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("trace shutdown", "error", err)
		}
	}()

	source, err := newSource(cfg, logger)
	if err != nil {
		return err
	}

	if err := segmentation.InitRuntime(cfg.ONNXRuntimeLib); err != nil {
		// The pipeline still runs and reports the model as failed.
		logger.Errorw("onnx runtime unavailable", "error", err)
	}
	defer segmentation.DestroyRuntime()
	loader := segmentation.NewBodyPixLoader(segmentation.BodyPixConfig{
		ModelDir:    cfg.ModelDir,
		LibraryPath: cfg.ONNXRuntimeLib,
	}, logger)

	sessionID := uuid.New().String()
	bus := pipeline.NewEventBus()

	// Output: raw billboard frames -> encoder -> websocket peers -> webrtc peers.
	encoder, err := elements.NewFrameEncodeElement(cfg.OutputFormat, logger)
	if err != nil {
		return err
	}
	wsSink := elements.NewWebSocketSinkElement(logger)
	rtcSink := elements.NewWebRTCSinkElement(logger)

	output := pipeline.NewPipelineWithBus("billboard-output", bus)
	output.AddElements([]pipeline.Element{encoder, wsSink, rtcSink})
	defer output.Link(encoder, wsSink)()
	defer output.Link(wsSink, rtcSink)()

	startCtx, span := trace.InstrumentPipelineStart(ctx, output.Name())
	err = output.Start(startCtx)
	if err != nil {
		trace.RecordError(span, err)
	}
	span.End()
	if err != nil {
		return fmt.Errorf("start output pipeline: %w", err)
	}
	defer func() {
		_, span := trace.InstrumentPipelineStop(context.Background(), output.Name())
		defer span.End()
		if err := output.Stop(); err != nil {
			logger.Warnw("output pipeline stop", "error", err)
		}
	}()

	seg := segpipeline.New(cfg.Pipeline(), source, loader, bus, logger)
	defer seg.Close()

	mask := texture.NewMaskTexture()
	seg.AttachMaskTexture(mask)

	scheduler := render.NewScheduler(cfg.RenderFPS, logger)
	seg.Register(scheduler)
	billboard := render.NewBillboard(cfg.Billboard, seg, mask, output, sessionID, logger)
	scheduler.Register(billboard.OnFrame)

	go forwardStatus(ctx, bus, seg, output, sessionID)

	srv := server.New(server.Config{
		HTTPAddr:   cfg.HTTPAddr,
		RTCUDPPort: cfg.RTCUDPPort,
		ICELite:    cfg.ICELite,
		Endpoint:   cfg.RTCEndpoints,
	}, server.Options{
		State:     seg,
		Mask:      mask,
		Billboard: billboard,
		WebSocket: wsSink,
		WebRTC:    rtcSink,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warnw("server stop", "error", err)
		}
	}()

	// Binding the hidden video sink starts camera acquisition and model loading.
	sink := camera.NewSink(logger)
	seg.OnVideoSinkBound(sink)

	logger.Infow("billboard running",
		"session", sessionID,
		"addr", srv.Addr(),
		"camera", cfg.CameraSource,
		"multiplier", float64(cfg.Multiplier),
		"segmentation", cfg.SegmentationEnabled,
		"fps", cfg.RenderFPS)

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infow("shutting down", "stats", seg.Stats())
	return nil
}

func newSource(cfg *config.Config, logger *zap.SugaredLogger) (camera.Source, error) {
	switch cfg.CameraSource {
	case config.CameraSourceFile:
		return camera.NewFileSource(cfg.CameraFile, cfg.CameraLoop, logger)
	default:
		return camera.NewDeviceSource(logger), nil
	}
}

// forwardStatus pushes the pipeline state to every peer whenever the camera
// or model changes state.
func forwardStatus(ctx context.Context, bus pipeline.Bus, seg *segpipeline.Pipeline, output *pipeline.Pipeline, sessionID string) {
	events := make(chan pipeline.Event, 16)
	types := []pipeline.EventType{
		pipeline.EventCameraStateChanged,
		pipeline.EventCameraUnavailable,
		pipeline.EventModelStateChanged,
		pipeline.EventModelLoadFailed,
		pipeline.EventPeerConnected,
	}
	for _, t := range types {
		bus.Subscribe(t, events)
	}
	defer func() {
		for _, t := range types {
			bus.Unsubscribe(t, events)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			output.Push(&pipeline.PipelineMessage{
				Type:      pipeline.MsgTypeData,
				SessionID: sessionID,
				Timestamp: evt.Timestamp,
				Metadata:  seg.State(),
			})
		}
	}
}
