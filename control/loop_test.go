package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SmartBin/decoder"
	iface "SmartBin/interface"
	"SmartBin/perception"
	"SmartBin/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var priors = iface.AnchorPriors{
	Sizes:  []iface.Prior{{Width: 1, Height: 1}},
	Labels: []string{"can", "bottle", "ken"},
}

type recordingActuator struct {
	mu        sync.Mutex
	staged    []iface.Pattern
	committed []iface.Pattern
	failSet   bool
}

func (a *recordingActuator) SetPattern(p iface.Pattern) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSet {
		return errors.New("strip unplugged")
	}
	a.staged = append(a.staged, p)
	return nil
}

func (a *recordingActuator) Commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = append(a.committed, a.staged[len(a.staged)-1])
	return nil
}

func (a *recordingActuator) patterns() []iface.Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]iface.Pattern(nil), a.committed...)
}

type recordingDisplay struct {
	overlays []iface.Overlay
}

func (d *recordingDisplay) Render(o iface.Overlay) error {
	d.overlays = append(d.overlays, o)
	return nil
}

func box(class int, conf float64) iface.Box {
	return iface.Box{XMin: 0.1, YMin: 0.1, XMax: 0.4, YMax: 0.4, Class: class, Confidence: conf}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		set     iface.DetectionSet
		state   iface.FeedbackState
		labels  []string
		message string
	}{
		{"empty", nil, iface.FeedbackNone, nil, NothingMessage},
		{"can", iface.DetectionSet{box(0, 0.8)}, iface.FeedbackCan, []string{"can"}, CanMessage},
		{"bottle", iface.DetectionSet{box(1, 0.7)}, iface.FeedbackBottle, []string{"bottle"}, BottleMessage},
		{"both", iface.DetectionSet{box(1, 0.7), box(0, 0.6), box(0, 0.55)}, iface.FeedbackBoth,
			[]string{"can", "bottle"}, CanMessage + "\n" + BottleMessage},
		{"other label", iface.DetectionSet{box(2, 0.9)}, iface.FeedbackNone, []string{"ken"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := Derive(tt.set, priors)
			assert.Equal(t, tt.state, fb.State)
			assert.Equal(t, tt.labels, fb.Labels)
			assert.Equal(t, tt.message, fb.Message)
			if len(tt.set) == 0 {
				assert.Nil(t, fb.Primary)
				assert.Nil(t, fb.Position)
			} else {
				require.NotNil(t, fb.Primary)
				require.NotNil(t, fb.Position)
			}
		})
	}
}

func TestDerivePrimaryIsMostConfident(t *testing.T) {
	fb := Derive(iface.DetectionSet{box(1, 0.6), box(0, 0.9), box(0, 0.7)}, priors)
	require.NotNil(t, fb.Primary)
	assert.Equal(t, 0, fb.Primary.Class)
	assert.Equal(t, 0.9, fb.Primary.Confidence)
}

func TestDerivePositionIsPrimaryCenter(t *testing.T) {
	far := iface.Box{XMin: 0.6, YMin: 0.2, XMax: 1.0, YMax: 0.6, Class: 1, Confidence: 0.95}
	fb := Derive(iface.DetectionSet{box(0, 0.7), far}, priors)
	require.NotNil(t, fb.Position)
	assert.InDelta(t, 0.8, fb.Position.X, 1e-12)
	assert.InDelta(t, 0.4, fb.Position.Y, 1e-12)
	assert.Equal(t, far.Center(), *fb.Position)
}

func TestTickDrivesActuatorsOnChange(t *testing.T) {
	state := perception.New()
	act := &recordingActuator{}
	disp := &recordingDisplay{}
	loop := New(state, priors, time.Millisecond, []iface.Actuator{act}, []iface.Display{disp})

	_, ok := loop.Last()
	assert.False(t, ok)

	fb := loop.Tick()
	assert.Equal(t, iface.FeedbackNone, fb.State)
	assert.Zero(t, fb.Cycle)
	loop.Tick()

	seq := state.PublishFrame(&iface.Frame{Data: make([]byte, 3), Width: 1, Height: 1})
	state.PublishDetections(iface.DetectionSet{box(0, 0.9)}, seq)
	fb = loop.Tick()
	assert.Equal(t, iface.FeedbackCan, fb.State)
	assert.Equal(t, uint64(1), fb.Cycle)
	assert.Equal(t, seq, fb.FrameSeq)

	assert.Equal(t, []iface.Pattern{{State: iface.FeedbackNone}, {State: iface.FeedbackCan}}, act.patterns())
	require.Len(t, disp.overlays, 3)
	last := disp.overlays[2]
	assert.Equal(t, CanMessage, last.Message)
	assert.NotNil(t, last.Frame)
	assert.Len(t, last.Detections, 1)

	got, ok := loop.Last()
	require.True(t, ok)
	assert.Equal(t, fb, got)
}

func TestTickToleratesActuatorErrors(t *testing.T) {
	act := &recordingActuator{failSet: true}
	loop := New(perception.New(), priors, time.Millisecond, []iface.Actuator{act}, nil)
	assert.NotPanics(t, func() { loop.Tick() })
	assert.Empty(t, act.patterns())
}

func TestProgressClamps(t *testing.T) {
	act := &recordingActuator{}
	Progress([]iface.Actuator{act}, 30)
	Progress([]iface.Actuator{act}, 130)
	Progress([]iface.Actuator{act}, -5)
	assert.Equal(t, []iface.Pattern{
		{State: iface.FeedbackLoading, Progress: 30},
		{State: iface.FeedbackLoading, Progress: 100},
		{State: iface.FeedbackLoading, Progress: 0},
	}, act.patterns())
}

// slowBackend always reports one can and takes a few ms per call.
type slowBackend struct{}

func (slowBackend) Infer(iface.Frame) (iface.Tensor, error) {
	time.Sleep(3 * time.Millisecond)
	t := iface.Tensor{GridH: 1, GridW: 1, Anchors: 1, Depth: 5 + priors.NumClasses(),
		Data: make([]float32, 5+priors.NumClasses())}
	t.Data[4] = 6
	t.Data[5] = 4
	return t, nil
}

// Once N inference cycles have completed, every later tick sees a snapshot
// from cycle N or newer, never an empty default.
func TestTickNeverSeesStaleSnapshot(t *testing.T) {
	const n = 5
	state := perception.New()
	w := worker.New(slowBackend{}, decoder.Decoder{Priors: priors, Confidence: 0.5, Iou: 0.5}, state)
	w.Idle = time.Millisecond
	loop := New(state, priors, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			state.PublishFrame(&iface.Frame{Data: make([]byte, 3), Width: 1, Height: 1})
			time.Sleep(time.Millisecond)
		}
	}()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return state.Stats().DetectionsPublished >= n
	}, 2*time.Second, time.Millisecond)

	var prev uint64
	for i := 0; i < 200; i++ {
		fb := loop.Tick()
		require.GreaterOrEqual(t, fb.Cycle, uint64(n))
		require.GreaterOrEqual(t, fb.Cycle, prev)
		require.Equal(t, iface.FeedbackCan, fb.State)
		prev = fb.Cycle
	}
}
