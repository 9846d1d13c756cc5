package iface

type FeedbackState int

const (
	FeedbackOff FeedbackState = iota
	FeedbackNone
	FeedbackCan
	FeedbackBottle
	FeedbackBoth
	FeedbackLoading
)

func (s FeedbackState) String() string {
	switch s {
	case FeedbackOff:
		return "off"
	case FeedbackNone:
		return "none"
	case FeedbackCan:
		return "can"
	case FeedbackBottle:
		return "bottle"
	case FeedbackBoth:
		return "both"
	case FeedbackLoading:
		return "loading"
	default:
		return "unknown"
	}
}

// Pattern is what an Actuator shows. Progress is only meaningful for FeedbackLoading.
type Pattern struct {
	State    FeedbackState
	Progress int
}

// Overlay carries everything a display needs for one control tick.
type Overlay struct {
	Frame      *Frame
	Detections DetectionSet
	Labels     []string
	Primary    *Box
	Position   *Position
	Message    string
	State      FeedbackState
}

type Camera interface {
	Open() error
	ReadFrame() (Frame, error)
	Close() error
}

// Actuator maps feedback states to hardware (light strip, indicators).
// SetPattern stages a pattern; Commit makes it visible.
type Actuator interface {
	SetPattern(p Pattern) error
	Commit() error
}

type Display interface {
	Render(o Overlay) error
}
