package config

import (
	"fmt"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate rejects malformed model and detection settings and fills defaults for the rest.
func Validate(cfg *Config) error {
	m := &cfg.Model
	if m.InputSize <= 0 {
		return invalid("model.input_size must be > 0, got %d", m.InputSize)
	}
	if len(m.Anchors) == 0 {
		return invalid("model.anchors is required")
	}
	if len(m.Anchors)%2 != 0 {
		return invalid("model.anchors must hold (width, height) pairs, got %d values", len(m.Anchors))
	}
	for i, a := range m.Anchors {
		if a <= 0 {
			return invalid("model.anchors[%d] must be > 0, got %g", i, a)
		}
	}
	if len(m.Labels) == 0 {
		return invalid("model.labels is required")
	}
	seen := make(map[string]bool, len(m.Labels))
	for _, l := range m.Labels {
		if l == "" {
			return invalid("model.labels contains an empty label")
		}
		if seen[l] {
			return invalid("model.labels contains duplicate label %q", l)
		}
		seen[l] = true
	}
	if m.WeightsPath == "" {
		return invalid("model.weights_path is required")
	}
	if m.MaxBoxPerImage < 0 {
		return invalid("model.max_box_per_image must be >= 0, got %d", m.MaxBoxPerImage)
	}
	switch len(m.GridSize) {
	case 0:
		g := m.InputSize / 32
		if g <= 0 {
			return invalid("model.input_size %d too small to derive grid_size", m.InputSize)
		}
		m.GridSize = []int{g, g}
	case 2:
		if m.GridSize[0] <= 0 || m.GridSize[1] <= 0 {
			return invalid("model.grid_size must be positive, got %v", m.GridSize)
		}
	default:
		return invalid("model.grid_size must be [height, width], got %v", m.GridSize)
	}
	if m.InputName == "" {
		m.InputName = DefaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = DefaultOutputName
	}

	if cfg.Detection.ConfidenceThreshold == nil {
		v := DefaultConfidence
		cfg.Detection.ConfidenceThreshold = &v
	}
	if cfg.Detection.IouThreshold == nil {
		v := DefaultIou
		cfg.Detection.IouThreshold = &v
	}
	if c := *cfg.Detection.ConfidenceThreshold; c < 0 || c > 1 {
		return invalid("detection.confidence_threshold must be between 0.0 and 1.0, got %g", c)
	}
	if iou := *cfg.Detection.IouThreshold; iou < 0 || iou > 1 {
		return invalid("detection.iou_threshold must be between 0.0 and 1.0, got %g", iou)
	}

	if cfg.Camera.RetryDelayMs <= 0 {
		cfg.Camera.RetryDelayMs = DefaultRetryMs
	}
	if cfg.Camera.ReplayIntervalMs <= 0 {
		cfg.Camera.ReplayIntervalMs = DefaultReplayMs
	}
	if cfg.Control.TickMs <= 0 {
		cfg.Control.TickMs = DefaultTickMs
	}
	switch cfg.Control.Display {
	case "":
		cfg.Control.Display = "none"
	case "none", "window":
	default:
		return invalid("control.display must be none or window, got %q", cfg.Control.Display)
	}
	if cfg.LED.Pixels <= 0 {
		cfg.LED.Pixels = DefaultPixels
	}
	if cfg.LED.Baud <= 0 {
		cfg.LED.Baud = DefaultBaud
	}
	if cfg.LED.Enabled && cfg.LED.Port == "" {
		return invalid("led.port is required when led.enabled is set")
	}
	if cfg.Monitor.Port == 0 {
		cfg.Monitor.Port = DefaultMonitorPort
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
	if cfg.RPC.Port == 0 {
		cfg.RPC.Port = DefaultRPCPort
	}
	if cfg.RegServer.Use && cfg.RegServer.Host == "" {
		return invalid("regserver.host is required when regserver.use is set")
	}
	switch cfg.Log.Mode {
	case "":
		cfg.Log.Mode = "production"
	case "production", "development":
	default:
		return invalid("log.mode must be production or development, got %q", cfg.Log.Mode)
	}
	return nil
}
