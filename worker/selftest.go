package worker

import (
	"context"
	"fmt"
	"time"

	"SmartBin/decoder"
	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/perception"

	"go.uber.org/zap"
)

// SelfTest waits up to timeout for the first captured frame, runs one
// inference on it and publishes the result. Any error means the pipeline
// must not start.
func SelfTest(ctx context.Context, backend Backend, dec decoder.Decoder, state *perception.State, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var frame *iface.Frame
	for frame = state.Frame(); frame == nil; frame = state.Frame() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("self-test: %w within %s", iface.ErrNoFrame, timeout)
		case <-ticker.C:
		}
	}

	start := time.Now()
	set, err := infer(backend, dec, *frame)
	if err != nil {
		return fmt.Errorf("self-test inference: %w", err)
	}
	state.PublishDetections(set, frame.Seq)
	logger.Log().Info("self-test passed",
		zap.Uint64("frame", frame.Seq),
		zap.Int("boxes", len(set)),
		zap.Duration("took", time.Since(start)))
	return nil
}
