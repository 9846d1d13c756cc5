package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"

	"go.uber.org/zap"
)

// FrameSource owns a Camera and keeps the latest frame in a perception.State.
type FrameSource struct {
	cam   iface.Camera
	state *perception.State
	retry time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewFrameSource(cam iface.Camera, state *perception.State, retry time.Duration) *FrameSource {
	return &FrameSource{cam: cam, state: state, retry: retry}
}

// Start opens the camera and launches the capture loop. An open failure is
// returned wrapped in iface.ErrDeviceOpen and nothing is started.
func (s *FrameSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("frame source already started")
	}
	if err := s.cam.Open(); err != nil {
		return fmt.Errorf("%w: %w", iface.ErrDeviceOpen, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
	logger.Log().Info("capture loop started")
	return nil
}

func (s *FrameSource) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.captureOnce(); err != nil {
			monitor.CaptureFailures.Inc()
			logger.Log().Warn("frame capture failed, keeping previous frame", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retry):
			}
		}
	}
}

func (s *FrameSource) captureOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", iface.ErrCapture, r)
		}
	}()
	f, err := s.cam.ReadFrame()
	if err != nil {
		return err
	}
	if !f.Valid() {
		return fmt.Errorf("%w: invalid frame %dx%d with %d bytes", iface.ErrCapture, f.Width, f.Height, len(f.Data))
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	s.state.PublishFrame(&f)
	monitor.FramesCaptured.Inc()
	return nil
}

// Read returns the most recent frame without blocking, or nil before the first capture.
func (s *FrameSource) Read() *iface.Frame {
	return s.state.Frame()
}

// Stop signals the loop, waits for the current read to finish and closes the camera.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	<-s.done
	s.running = false
	logger.Log().Info("capture loop stopped")
	return s.cam.Close()
}
