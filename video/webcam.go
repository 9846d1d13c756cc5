package video

import (
	"fmt"
	"sync"
	"time"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Webcam is a Camera backed by an OpenCV capture device.
type Webcam struct {
	Device int
	Width  int
	Height int

	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func NewWebcam(device, width, height int) *Webcam {
	return &Webcam{Device: device, Width: width, Height: height}
}

func (w *Webcam) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	capture, err := gocv.OpenVideoCapture(w.Device)
	if err != nil {
		return fmt.Errorf("%w: camera %d: %w", iface.ErrDeviceOpen, w.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: camera %d", iface.ErrDeviceOpen, w.Device)
	}
	if w.Width > 0 && w.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(w.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(w.Height))
	}
	w.cap = capture
	w.mat = gocv.NewMat()
	logger.Log().Info("camera opened",
		zap.Int("device", w.Device),
		zap.Float64("width", capture.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", capture.Get(gocv.VideoCaptureFrameHeight)))
	return nil
}

// ReadFrame copies the captured image out of OpenCV memory.
func (w *Webcam) ReadFrame() (iface.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cap == nil {
		return iface.Frame{}, fmt.Errorf("%w: camera not open", iface.ErrCapture)
	}
	if ok := w.cap.Read(&w.mat); !ok || w.mat.Empty() {
		return iface.Frame{}, fmt.Errorf("%w: camera %d returned no image", iface.ErrCapture, w.Device)
	}
	if w.mat.Type() != gocv.MatTypeCV8UC3 {
		return iface.Frame{}, fmt.Errorf("%w: unexpected mat type %v", iface.ErrCapture, w.mat.Type())
	}
	return iface.Frame{
		Data:      w.mat.ToBytes(),
		Width:     w.mat.Cols(),
		Height:    w.mat.Rows(),
		Timestamp: time.Now(),
	}, nil
}

func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cap == nil {
		return nil
	}
	err := w.cap.Close()
	if mErr := w.mat.Close(); err == nil {
		err = mErr
	}
	w.cap = nil
	return err
}
