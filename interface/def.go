package iface

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceOpen = errors.New("capture device could not be opened")
	ErrCapture    = errors.New("frame capture failed")
	ErrNoFrame    = errors.New("no frame captured yet")
)

// Frame is one captured image, BGR, Height x Width x 3 bytes, row major.
// Data is shared by reference once published and must not be modified.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}

// Tensor is the raw detector output of shape (GridH, GridW, Anchors, Depth),
// Depth = 5 + number of classes.
type Tensor struct {
	GridH   int
	GridW   int
	Anchors int
	Depth   int
	Data    []float32
}

func (t Tensor) At(row, col, anchor, k int) float32 {
	return t.Data[((row*t.GridW+col)*t.Anchors+anchor)*t.Depth+k]
}

func (t Tensor) Shape() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", t.GridH, t.GridW, t.Anchors, t.Depth)
}

// Position is a normalized point in the frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a normalized bounding box, every coordinate in [0, 1].
type Box struct {
	XMin       float64
	YMin       float64
	XMax       float64
	YMax       float64
	Class      int
	Confidence float64
}

func (b Box) Center() Position {
	return Position{X: (b.XMin + b.XMax) / 2, Y: (b.YMin + b.YMax) / 2}
}

func (b Box) Area() float64 {
	w := b.XMax - b.XMin
	h := b.YMax - b.YMin
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// DetectionSet is ordered by descending confidence within each class.
type DetectionSet []Box

type Prior struct {
	Width, Height float64
}

// AnchorPriors is loaded once at startup and never modified.
type AnchorPriors struct {
	Sizes  []Prior
	Labels []string
}

func (p AnchorPriors) NumClasses() int { return len(p.Labels) }

func (p AnchorPriors) NumAnchors() int { return len(p.Sizes) }

// ClassIndex returns -1 when the label is unknown.
func (p AnchorPriors) ClassIndex(label string) int {
	for i, l := range p.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

func (p AnchorPriors) Label(class int) string {
	if class < 0 || class >= len(p.Labels) {
		return fmt.Sprintf("class-%d", class)
	}
	return p.Labels[class]
}
