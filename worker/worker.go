package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"SmartBin/decoder"
	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"

	"go.uber.org/zap"
)

const defaultIdle = 5 * time.Millisecond

// Backend runs one synchronous forward pass. engine.Detector implements it.
type Backend interface {
	Infer(frame iface.Frame) (iface.Tensor, error)
}

// InferenceWorker repeatedly infers on the latest published frame and
// publishes the decoded boxes back into the same perception.State.
type InferenceWorker struct {
	backend Backend
	decoder decoder.Decoder
	state   *perception.State

	// Idle is how long to wait when there is no new frame to infer.
	Idle time.Duration
	// OnFatal is called once, from the worker goroutine, when an iteration
	// reports a detector/decoder shape mismatch. The loop exits afterwards.
	OnFatal func(error)

	lastSeq uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(backend Backend, dec decoder.Decoder, state *perception.State) *InferenceWorker {
	return &InferenceWorker{
		backend: backend,
		decoder: dec,
		state:   state,
		Idle:    defaultIdle,
	}
}

func (w *InferenceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("inference worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx, w.done)
	return nil
}

// Stop waits for the in-flight inference, if any, to finish.
func (w *InferenceWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	<-w.done
	w.running = false
}

func (w *InferenceWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Inference backends keep per-thread state, one OS thread for the whole loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("inference worker started")
	defer logger.Log().Info("inference worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		published, err := w.Step()
		if err != nil {
			var shapeErr *decoder.ShapeError
			if errors.As(err, &shapeErr) {
				logger.Log().Error("detector output does not match decoder configuration", zap.Error(err))
				if w.OnFatal != nil {
					w.OnFatal(err)
				}
				return
			}
			monitor.InferenceFailures.Inc()
			logger.Log().Warn("inference iteration failed, keeping previous detections", zap.Error(err))
		}
		if !published {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Idle):
			}
		}
	}
}

// Step runs one iteration. It reports false without error when there is no
// frame newer than the last one inferred. Panics are returned as errors.
func (w *InferenceWorker) Step() (published bool, err error) {
	frame := w.state.Frame()
	if frame == nil || frame.Seq == w.lastSeq {
		return false, nil
	}
	if w.lastSeq != 0 && frame.Seq > w.lastSeq+1 {
		monitor.FramesSkipped.Add(float64(frame.Seq - w.lastSeq - 1))
	}
	w.lastSeq = frame.Seq

	start := time.Now()
	set, err := infer(w.backend, w.decoder, *frame)
	if err != nil {
		return false, err
	}
	cycle := w.state.PublishDetections(set, frame.Seq)
	elapsed := time.Since(start)

	monitor.Inferences.Inc()
	monitor.InferenceSeconds.Observe(elapsed.Seconds())
	monitor.SetDetections(w.decoder.Priors.Labels, countByClass(set))
	logger.Log().Debug("detections published",
		zap.Uint64("cycle", cycle),
		zap.Uint64("frame", frame.Seq),
		zap.Int("boxes", len(set)),
		zap.Duration("took", elapsed))
	return true, nil
}

// infer is the recover boundary around one forward pass plus decode.
func infer(backend Backend, dec decoder.Decoder, frame iface.Frame) (set iface.DetectionSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			if shapeErr, ok := r.(*decoder.ShapeError); ok {
				err = shapeErr
				return
			}
			err = fmt.Errorf("inference panic: %v", r)
		}
	}()
	tensor, err := backend.Infer(frame)
	if err != nil {
		return nil, fmt.Errorf("infer frame %d: %w", frame.Seq, err)
	}
	return dec.Decode(tensor), nil
}

func countByClass(set iface.DetectionSet) map[int]int {
	counts := make(map[int]int)
	for _, b := range set {
		counts[b.Class]++
	}
	return counts
}
