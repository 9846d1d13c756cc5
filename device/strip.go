package device

import (
	"fmt"
	"io"
	"sync"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

type Color struct {
	R, G, B byte
}

var (
	Black = Color{}
	Red   = Color{R: 255}
	Green = Color{G: 255}
	Blue  = Color{B: 255}
)

// Strip zones on the bin. Zones beyond the strip length are ignored.
const (
	statusEnd = 8  // pixels [0, 8) status
	bottleEnd = 15 // pixels [8, 15) bottle slot
	canEnd    = 25 // pixels [15, 25) can slot
)

// frameHeader starts every commit; the bridge firmware then reads one count
// byte and count RGB triples.
var frameHeader = []byte{'L', 'E', 'D'}

// Strip drives an addressable LED strip through a serial bridge.
type Strip struct {
	mu     sync.Mutex
	port   io.WriteCloser
	pixels []Color
}

// OpenStrip opens the serial bridge at 8N1.
func OpenStrip(portName string, baud, pixels int) (*Strip, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: led strip %s: %w", iface.ErrDeviceOpen, portName, err)
	}
	logger.Log().Info("led strip opened", zap.String("port", portName), zap.Int("baud", baud), zap.Int("pixels", pixels))
	return NewStrip(port, pixels), nil
}

func NewStrip(port io.WriteCloser, pixels int) *Strip {
	if pixels > 255 {
		pixels = 255
	}
	return &Strip{port: port, pixels: make([]Color, pixels)}
}

func (s *Strip) SetPattern(p iface.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.State {
	case iface.FeedbackOff:
		s.fill(0, len(s.pixels), Black)
	case iface.FeedbackNone:
		s.fill(0, len(s.pixels), Red)
		s.fill(0, statusEnd, Green)
	case iface.FeedbackCan, iface.FeedbackBottle, iface.FeedbackBoth:
		s.fill(0, len(s.pixels), Red)
		if p.State != iface.FeedbackCan {
			s.fill(statusEnd, bottleEnd, Blue)
		}
		if p.State != iface.FeedbackBottle {
			s.fill(bottleEnd, canEnd, Green)
		}
	case iface.FeedbackLoading:
		lit := len(s.pixels) * max(0, min(100, p.Progress)) / 100
		s.fill(0, len(s.pixels), Black)
		s.fill(0, lit, Green)
	default:
		return fmt.Errorf("unsupported feedback state %v", p.State)
	}
	return nil
}

func (s *Strip) fill(from, to int, c Color) {
	to = min(to, len(s.pixels))
	for i := from; i < to; i++ {
		s.pixels[i] = c
	}
}

// Pixels returns a copy of the staged colors.
func (s *Strip) Pixels() []Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Color(nil), s.pixels...)
}

func (s *Strip) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 0, len(frameHeader)+1+3*len(s.pixels))
	buf = append(buf, frameHeader...)
	buf = append(buf, byte(len(s.pixels)))
	for _, c := range s.pixels {
		buf = append(buf, c.R, c.G, c.B)
	}
	if _, err := s.port.Write(buf); err != nil {
		return fmt.Errorf("led strip write: %w", err)
	}
	return nil
}

// Off blanks the strip and closes the port.
func (s *Strip) Off() error {
	var errs []error
	if err := s.SetPattern(iface.Pattern{State: iface.FeedbackOff}); err != nil {
		errs = append(errs, err)
	}
	if err := s.Commit(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("led strip off: %v", errs)
	}
	return nil
}
