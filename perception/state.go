// Package perception holds the two last-write-wins cells shared by the
// capture loop, the inference loop and the control loop.
//
// Each cell has a single writer role and is published as a whole value via
// an atomic pointer swap, so a reader sees either the previous or the new
// value, never a mix. Readers never block writers and vice versa. A frame and
// the detections a reader observes may come from different capture cycles.
package perception

import (
	"sync/atomic"
	"time"

	iface "SmartBin/interface"
)

// Snapshot is one published inference result.
type Snapshot struct {
	Detections iface.DetectionSet
	// Cycle counts completed inference iterations, starting at 1.
	Cycle uint64
	// FrameSeq is the Seq of the frame the detections were computed from.
	FrameSeq    uint64
	PublishedAt time.Time
}

type Stats struct {
	FramesPublished     uint64
	DetectionsPublished uint64
}

type State struct {
	frame      atomic.Pointer[iface.Frame]
	detections atomic.Pointer[Snapshot]
	frameSeq   atomic.Uint64
	cycle      atomic.Uint64
}

func New() *State {
	return &State{}
}

// PublishFrame stores f as the latest frame and stamps its Seq.
// The caller must not touch f afterwards.
func (s *State) PublishFrame(f *iface.Frame) uint64 {
	f.Seq = s.frameSeq.Add(1)
	s.frame.Store(f)
	return f.Seq
}

// Frame returns the latest frame or nil before the first capture.
func (s *State) Frame() *iface.Frame {
	return s.frame.Load()
}

// PublishDetections stores a new result and returns its cycle number.
func (s *State) PublishDetections(set iface.DetectionSet, frameSeq uint64) uint64 {
	snap := &Snapshot{
		Detections:  set,
		Cycle:       s.cycle.Add(1),
		FrameSeq:    frameSeq,
		PublishedAt: time.Now(),
	}
	s.detections.Store(snap)
	return snap.Cycle
}

// Detections returns the latest result; ok is false until the first publish.
func (s *State) Detections() (Snapshot, bool) {
	snap := s.detections.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

func (s *State) Stats() Stats {
	return Stats{
		FramesPublished:     s.frameSeq.Load(),
		DetectionsPublished: s.cycle.Load(),
	}
}
