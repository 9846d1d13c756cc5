package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	iface "SmartBin/interface"
	"SmartBin/perception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCamera returns frames filled with an increasing byte and fails
// every read listed in failOn.
type scriptedCamera struct {
	mu      sync.Mutex
	openErr error
	failOn  map[int]bool
	reads   int
	opened  bool
	closed  bool
}

func (c *scriptedCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = true
	return nil
}

func (c *scriptedCamera) ReadFrame() (iface.Frame, error) {
	c.mu.Lock()
	c.reads++
	n := c.reads
	fail := c.failOn[n]
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
	if fail {
		return iface.Frame{}, iface.ErrCapture
	}
	data := make([]byte, 2*2*3)
	for i := range data {
		data[i] = byte(n)
	}
	return iface.Frame{Data: data, Width: 2, Height: 2}, nil
}

func (c *scriptedCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedCamera) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestFrameSourceOpenFailure(t *testing.T) {
	cam := &scriptedCamera{openErr: errors.New("no such device")}
	src := NewFrameSource(cam, perception.New(), time.Millisecond)

	err := src.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, iface.ErrDeviceOpen)
	assert.Nil(t, src.Read())
	assert.NoError(t, src.Stop())
	assert.False(t, cam.closed)
}

func TestFrameSourcePublishesLatest(t *testing.T) {
	cam := &scriptedCamera{}
	state := perception.New()
	src := NewFrameSource(cam, state, time.Millisecond)

	require.NoError(t, src.Start(context.Background()))
	require.Eventually(t, func() bool {
		f := src.Read()
		return f != nil && f.Seq >= 3
	}, time.Second, time.Millisecond)

	f := src.Read()
	assert.True(t, f.Valid())
	assert.False(t, f.Timestamp.IsZero())
	assert.Error(t, src.Start(context.Background()))

	require.NoError(t, src.Stop())
	assert.True(t, cam.closed)

	reads := cam.readCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, reads, cam.readCount(), "loop kept reading after Stop")
}

func TestFrameSourceSkipsFailedReads(t *testing.T) {
	cam := &scriptedCamera{failOn: map[int]bool{2: true, 3: true}}
	state := perception.New()
	src := NewFrameSource(cam, state, time.Millisecond)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.Eventually(t, func() bool { return cam.readCount() >= 5 }, time.Second, time.Millisecond)
	f := src.Read()
	require.NotNil(t, f)
	assert.NotEqual(t, byte(2), f.Data[0])
	assert.NotEqual(t, byte(3), f.Data[0])
	assert.Less(t, state.Stats().FramesPublished, uint64(cam.readCount()))
}

func TestFrameSourceStopsOnContext(t *testing.T) {
	cam := &scriptedCamera{}
	src := NewFrameSource(cam, perception.New(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, src.Start(ctx))
	cancel()
	require.Eventually(t, func() bool {
		n := cam.readCount()
		time.Sleep(5 * time.Millisecond)
		return n == cam.readCount()
	}, time.Second, time.Millisecond)
	assert.NoError(t, src.Stop())
}
