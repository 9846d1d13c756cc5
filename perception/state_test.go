package perception

import (
	"sync"
	"testing"
	"time"

	iface "SmartBin/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateEmpty(t *testing.T) {
	s := New()
	assert.Nil(t, s.Frame())
	_, ok := s.Detections()
	assert.False(t, ok)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestStateLastWriteWins(t *testing.T) {
	s := New()
	first := &iface.Frame{Data: []byte{1, 2, 3}, Width: 1, Height: 1}
	second := &iface.Frame{Data: []byte{4, 5, 6}, Width: 1, Height: 1}

	assert.Equal(t, uint64(1), s.PublishFrame(first))
	assert.Equal(t, uint64(2), s.PublishFrame(second))
	assert.Same(t, second, s.Frame())

	set := iface.DetectionSet{{Class: 1, Confidence: 0.8}}
	assert.Equal(t, uint64(1), s.PublishDetections(iface.DetectionSet{}, 1))
	assert.Equal(t, uint64(2), s.PublishDetections(set, 2))

	snap, ok := s.Detections()
	require.True(t, ok)
	assert.Equal(t, set, snap.Detections)
	assert.Equal(t, uint64(2), snap.Cycle)
	assert.Equal(t, uint64(2), snap.FrameSeq)
	assert.WithinDuration(t, time.Now(), snap.PublishedAt, time.Second)
	assert.Equal(t, Stats{FramesPublished: 2, DetectionsPublished: 2}, s.Stats())
}

// The writer fills each frame with one byte value and tags every box with the
// set length and frame seq, so any mixed read shows up as a mismatch.
func TestStateNoTornReads(t *testing.T) {
	s := New()
	const writes = 2000
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			v := byte(i % 251)
			data := make([]byte, 12)
			for j := range data {
				data[j] = v
			}
			s.PublishFrame(&iface.Frame{Data: data, Width: 2, Height: 2})
			boxes := make(iface.DetectionSet, i%5)
			for j := range boxes {
				boxes[j] = iface.Box{Class: i % 5, Confidence: float64(i)}
			}
			s.PublishDetections(boxes, uint64(i))
		}
		close(done)
	}()
	go func() {
		defer wg.Done()
		var lastCycle uint64
		for {
			select {
			case <-done:
				return
			default:
			}
			if f := s.Frame(); f != nil {
				for _, b := range f.Data {
					if b != f.Data[0] {
						t.Errorf("torn frame %v", f.Data)
						return
					}
				}
			}
			if snap, ok := s.Detections(); ok {
				if snap.Cycle < lastCycle {
					t.Errorf("cycle went backwards: %d after %d", snap.Cycle, lastCycle)
					return
				}
				lastCycle = snap.Cycle
				for _, b := range snap.Detections {
					if b.Class != len(snap.Detections) || b.Confidence != float64(snap.FrameSeq) {
						t.Errorf("torn detections %v at seq %d", snap.Detections, snap.FrameSeq)
						return
					}
				}
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(writes), s.Stats().FramesPublished)
}
