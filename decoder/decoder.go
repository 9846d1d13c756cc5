// Package decoder turns a raw grid detector tensor into labeled, suppressed boxes.
//
// Per grid cell (r, c) and anchor a the tensor holds tx, ty, tw, th, objectness
// and one logit per class. The box center is (c + sigmoid(tx)) / gridW,
// (r + sigmoid(ty)) / gridH, its size prior.Width * exp(tw) / gridW,
// prior.Height * exp(th) / gridH. Class confidence is sigmoid(objectness)
// times the softmax of the class logits. Everything here is pure: inputs are
// never modified and identical inputs give identical outputs.
package decoder

import (
	"fmt"
	"math"
	"sort"

	iface "SmartBin/interface"
)

const boxValues = 5

// ShapeError means the detector and decoder configurations disagree.
// Decode panics with it; callers treat it as fatal.
type ShapeError struct {
	Shape      string
	DataLen    int
	Anchors    int
	NumClasses int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor shape %s with %d values does not match %d anchors and %d classes",
		e.Shape, e.DataLen, e.Anchors, e.NumClasses)
}

type Decoder struct {
	Priors     iface.AnchorPriors
	Confidence float64
	Iou        float64
	MaxBoxes   int
}

func (d Decoder) Decode(t iface.Tensor) iface.DetectionSet {
	set := Decode(t, d.Priors, d.Priors.NumClasses(), d.Confidence, d.Iou)
	return Limit(set, d.MaxBoxes)
}

// Decode keeps every (cell, anchor, class) whose confidence is strictly above
// confidence, then runs non-max suppression per class. The result is grouped by
// class index, each group in descending confidence.
func Decode(t iface.Tensor, priors iface.AnchorPriors, numClasses int, confidence, iou float64) iface.DetectionSet {
	checkShape(t, priors, numClasses)

	candidates := make([][]iface.Box, numClasses)
	probs := make([]float64, numClasses)
	for r := 0; r < t.GridH; r++ {
		for c := 0; c < t.GridW; c++ {
			for a := 0; a < t.Anchors; a++ {
				objectness := sigmoid(float64(t.At(r, c, a, 4)))
				// confidence = objectness * p with p <= 1; NaN never passes
				if !(objectness > confidence) {
					continue
				}
				softmax(t, r, c, a, probs)
				var cell iface.Box
				built := false
				for k, p := range probs {
					conf := objectness * p
					if !(conf > confidence) {
						continue
					}
					if !built {
						cell = cellBox(t, priors.Sizes[a], r, c, a)
						built = true
					}
					b := cell
					b.Class = k
					b.Confidence = conf
					candidates[k] = append(candidates[k], b)
				}
			}
		}
	}

	set := iface.DetectionSet{}
	for _, group := range candidates {
		set = append(set, SuppressNonMax(group, iou)...)
	}
	return set
}

func checkShape(t iface.Tensor, priors iface.AnchorPriors, numClasses int) {
	ok := numClasses > 0 &&
		t.GridH > 0 && t.GridW > 0 &&
		t.Anchors == priors.NumAnchors() &&
		t.Depth == boxValues+numClasses &&
		len(t.Data) == t.GridH*t.GridW*t.Anchors*t.Depth
	if !ok {
		panic(&ShapeError{Shape: t.Shape(), DataLen: len(t.Data), Anchors: priors.NumAnchors(), NumClasses: numClasses})
	}
}

func cellBox(t iface.Tensor, prior iface.Prior, r, c, a int) iface.Box {
	gw := float64(t.GridW)
	gh := float64(t.GridH)
	x := (float64(c) + sigmoid(float64(t.At(r, c, a, 0)))) / gw
	y := (float64(r) + sigmoid(float64(t.At(r, c, a, 1)))) / gh
	w := prior.Width * math.Exp(float64(t.At(r, c, a, 2))) / gw
	h := prior.Height * math.Exp(float64(t.At(r, c, a, 3))) / gh
	return iface.Box{
		XMin: clamp(x - w/2),
		YMin: clamp(y - h/2),
		XMax: clamp(x + w/2),
		YMax: clamp(y + h/2),
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// softmax writes the class distribution of one cell/anchor into dst.
func softmax(t iface.Tensor, r, c, a int, dst []float64) {
	maxLogit := math.Inf(-1)
	for k := range dst {
		if v := float64(t.At(r, c, a, boxValues+k)); v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for k := range dst {
		dst[k] = math.Exp(float64(t.At(r, c, a, boxValues+k)) - maxLogit)
		sum += dst[k]
	}
	for k := range dst {
		dst[k] /= sum
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// IoU is the intersection over union of two boxes, 0 when both are empty.
func IoU(a, b iface.Box) float64 {
	iw := math.Min(a.XMax, b.XMax) - math.Max(a.XMin, b.XMin)
	ih := math.Min(a.YMax, b.YMax) - math.Max(a.YMin, b.YMin)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SuppressNonMax assumes all boxes share one class. It keeps the highest
// confidence box, drops every remaining box overlapping it by more than iou,
// and repeats. Equal confidences keep their input order.
func SuppressNonMax(boxes []iface.Box, iou float64) []iface.Box {
	if len(boxes) == 0 {
		return nil
	}
	sorted := make([]iface.Box, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]iface.Box, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && IoU(sorted[i], sorted[j]) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// Limit keeps the max most confident boxes without reordering them.
// max <= 0 means no limit.
func Limit(set iface.DetectionSet, max int) iface.DetectionSet {
	if max <= 0 || len(set) <= max {
		return set
	}
	order := make([]int, len(set))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return set[order[i]].Confidence > set[order[j]].Confidence
	})
	keep := make([]bool, len(set))
	for _, idx := range order[:max] {
		keep[idx] = true
	}
	out := make(iface.DetectionSet, 0, max)
	for i, b := range set {
		if keep[i] {
			out = append(out, b)
		}
	}
	return out
}

// Primary is the most confident box, the first one on ties.
func Primary(set iface.DetectionSet) (iface.Box, bool) {
	if len(set) == 0 {
		return iface.Box{}, false
	}
	best := set[0]
	for _, b := range set[1:] {
		if b.Confidence > best.Confidence {
			best = b
		}
	}
	return best, true
}
