package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	iface "SmartBin/interface"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultConfidence  = 0.5
	DefaultIou         = 0.5
	DefaultTickMs      = 60
	DefaultPixels      = 25
	DefaultBaud        = 115200
	DefaultRetryMs     = 100
	DefaultReplayMs    = 200
	DefaultInputName   = "input_1"
	DefaultOutputName  = "output"
	DefaultMonitorPort = 50053
	DefaultAPIPort     = 8080
	DefaultRPCPort     = 50051
)

type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Camera    CameraConfig    `yaml:"camera"`
	Control   ControlConfig   `yaml:"control"`
	LED       LEDConfig       `yaml:"led"`
	Monitor   PortConfig      `yaml:"monitor"`
	API       PortConfig      `yaml:"api"`
	RPC       PortConfig      `yaml:"rpc"`
	RegServer RegServerConfig `yaml:"regserver"`
	Log       LogConfig       `yaml:"log"`
}

type ModelConfig struct {
	Backend        string    `yaml:"backend"`
	InputSize      int       `yaml:"input_size"`
	GridSize       []int     `yaml:"grid_size"`
	Anchors        []float64 `yaml:"anchors"`
	Labels         []string  `yaml:"labels"`
	MaxBoxPerImage int       `yaml:"max_box_per_image"`
	WeightsPath    string    `yaml:"weights_path"`
	RuntimeLibrary string    `yaml:"runtime_library"`
	InputName      string    `yaml:"input_name"`
	OutputName     string    `yaml:"output_name"`
	UseGPU         bool      `yaml:"use_gpu"`
}

type DetectionConfig struct {
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	IouThreshold        *float64 `yaml:"iou_threshold"`
}

type CameraConfig struct {
	Device           int    `yaml:"device"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	ReplayDir        string `yaml:"replay_dir"`
	ReplayIntervalMs int    `yaml:"replay_interval_ms"`
	RetryDelayMs     int    `yaml:"retry_delay_ms"`
}

type ControlConfig struct {
	TickMs     int    `yaml:"tick_ms"`
	Display    string `yaml:"display"`
	WindowSize int    `yaml:"window_size"`
}

type LEDConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	Pixels  int    `yaml:"pixels"`
}

type PortConfig struct {
	Port int `yaml:"port"`
}

type RegServerConfig struct {
	Use  bool   `yaml:"use"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Confidence() float64 { return *c.Detection.ConfidenceThreshold }

func (c *Config) Iou() float64 { return *c.Detection.IouThreshold }

func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Control.TickMs) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Camera.RetryDelayMs) * time.Millisecond
}

func (c *Config) ReplayInterval() time.Duration {
	return time.Duration(c.Camera.ReplayIntervalMs) * time.Millisecond
}

// GridH and GridW are set by Validate; an omitted grid_size is input_size/32.
func (c *Config) GridH() int { return c.Model.GridSize[0] }

func (c *Config) GridW() int { return c.Model.GridSize[1] }

// Priors converts the flat anchor list (w0, h0, w1, h1, ...) into AnchorPriors.
func (c *Config) Priors() iface.AnchorPriors {
	sizes := make([]iface.Prior, 0, len(c.Model.Anchors)/2)
	for i := 0; i+1 < len(c.Model.Anchors); i += 2 {
		sizes = append(sizes, iface.Prior{Width: c.Model.Anchors[i], Height: c.Model.Anchors[i+1]})
	}
	labels := make([]string, len(c.Model.Labels))
	copy(labels, c.Model.Labels)
	return iface.AnchorPriors{Sizes: sizes, Labels: labels}
}
