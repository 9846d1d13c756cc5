package video

import (
	"fmt"
	"image"
	"image/color"
	"runtime"
	"strings"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	boxColor     = color.RGBA{0, 255, 0, 0}
	primaryColor = color.RGBA{0, 0, 255, 0}
	textColor    = color.RGBA{255, 255, 255, 0}
)

// Window shows the annotated camera feed in a HighGUI window. All OpenCV
// window calls happen on one locked goroutine; Render only hands over the
// latest overlay and drops any that was not drawn yet.
type Window struct {
	title   string
	size    int
	pending chan iface.Overlay
	done    chan struct{}
}

func NewWindow(title string, size int) *Window {
	w := &Window{
		title:   title,
		size:    size,
		pending: make(chan iface.Overlay, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Window) Render(o iface.Overlay) error {
	for {
		select {
		case w.pending <- o:
			return nil
		default:
		}
		select {
		case <-w.pending:
		default:
		}
	}
}

func (w *Window) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	window := gocv.NewWindow(w.title)
	defer window.Close()
	defer close(w.done)
	for o := range w.pending {
		img, err := Annotate(o, w.size)
		if err != nil {
			logger.Log().Warn("overlay skipped", zap.Error(err))
			continue
		}
		window.IMShow(img)
		window.WaitKey(1)
		img.Close()
	}
}

// Close stops the window goroutine. Render must not be called afterwards.
func (w *Window) Close() {
	close(w.pending)
	<-w.done
}

// Annotate draws boxes, labels and the message onto a copy of the overlay
// frame, resized so its longer side is size when size > 0.
func Annotate(o iface.Overlay, size int) (gocv.Mat, error) {
	if !o.Frame.Valid() {
		return gocv.Mat{}, fmt.Errorf("%w: overlay without a valid frame", iface.ErrNoFrame)
	}
	src, err := gocv.NewMatFromBytes(o.Frame.Height, o.Frame.Width, gocv.MatTypeCV8UC3, o.Frame.Data)
	if err != nil {
		return gocv.Mat{}, err
	}
	img := src.Clone()
	src.Close()

	if size > 0 {
		scale := float64(size) / float64(max(img.Cols(), img.Rows()))
		sz := image.Pt(int(float64(img.Cols())*scale), int(float64(img.Rows())*scale))
		gocv.Resize(img, &img, sz, 0, 0, gocv.InterpolationLinear)
	}
	w, h := float64(img.Cols()), float64(img.Rows())

	for _, b := range o.Detections {
		rect := image.Rect(int(b.XMin*w), int(b.YMin*h), int(b.XMax*w), int(b.YMax*h))
		c := boxColor
		if o.Primary != nil && *o.Primary == b {
			c = primaryColor
		}
		gocv.Rectangle(&img, rect, c, 2)
		label := fmt.Sprintf("%s %.2f", labelOf(o.Labels, b.Class), b.Confidence)
		gocv.PutText(&img, label, image.Pt(rect.Min.X, max(rect.Min.Y-5, 12)), gocv.FontHersheySimplex, 0.5, c, 1)
	}

	if o.Position != nil {
		gocv.Circle(&img, image.Pt(int(o.Position.X*w), int(o.Position.Y*h)), 4, primaryColor, -1)
	}

	lines := strings.Split(o.Message, "\n")
	for i, line := range lines {
		y := img.Rows() - 10 - (len(lines)-1-i)*20
		gocv.PutText(&img, line, image.Pt(10, y), gocv.FontHersheySimplex, 0.5, textColor, 1)
	}
	return img, nil
}

func labelOf(labels []string, class int) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	return fmt.Sprintf("class-%d", class)
}
