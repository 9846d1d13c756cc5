package control

import (
	"strings"

	"SmartBin/decoder"
	iface "SmartBin/interface"
)

const (
	CanLabel    = "can"
	BottleLabel = "bottle"

	CanMessage     = "Throw your can in the recycling bin\nPlease wash the can first!"
	BottleMessage  = "Throw your bottle into the recycling bin\nPlease empty it first!"
	NothingMessage = "No recyclable trash detected"
)

// Feedback is what one control tick decided.
type Feedback struct {
	State iface.FeedbackState
	// Labels present in the detection set, in class index order, without repeats.
	Labels  []string
	Primary *iface.Box
	// Position is the center of Primary, nil when nothing was detected.
	Position *iface.Position
	Message  string
	// Cycle and FrameSeq identify the detection snapshot used; both are 0
	// before the first inference.
	Cycle    uint64
	FrameSeq uint64
}

// Derive maps a detection set to feedback. An empty set gives FeedbackNone
// with the "nothing detected" message; boxes of other labels give
// FeedbackNone with no message.
func Derive(set iface.DetectionSet, priors iface.AnchorPriors) Feedback {
	if len(set) == 0 {
		return Feedback{State: iface.FeedbackNone, Message: NothingMessage}
	}

	present := make([]bool, priors.NumClasses())
	for _, b := range set {
		if b.Class >= 0 && b.Class < len(present) {
			present[b.Class] = true
		}
	}
	fb := Feedback{State: iface.FeedbackNone}
	for class, ok := range present {
		if ok {
			fb.Labels = append(fb.Labels, priors.Labels[class])
		}
	}
	if primary, ok := decoder.Primary(set); ok {
		fb.Primary = &primary
		center := primary.Center()
		fb.Position = &center
	}

	can := hasLabel(present, priors, CanLabel)
	bottle := hasLabel(present, priors, BottleLabel)
	var msgs []string
	if can {
		msgs = append(msgs, CanMessage)
	}
	if bottle {
		msgs = append(msgs, BottleMessage)
	}
	fb.Message = strings.Join(msgs, "\n")
	switch {
	case can && bottle:
		fb.State = iface.FeedbackBoth
	case can:
		fb.State = iface.FeedbackCan
	case bottle:
		fb.State = iface.FeedbackBottle
	}
	return fb
}

func hasLabel(present []bool, priors iface.AnchorPriors, label string) bool {
	idx := priors.ClassIndex(label)
	return idx >= 0 && present[idx]
}
