package engine

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"SmartBin/config"
	iface "SmartBin/interface"
	"SmartBin/logger"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Detector owns one onnxruntime session with fixed input and output tensors.
// Infer is safe for concurrent use but runs one forward pass at a time.
type Detector struct {
	mu      sync.Mutex
	size    int
	gridH   int
	gridW   int
	anchors int
	depth   int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// New loads the model described by cfg. The input tensor is (1, S, S, 3) and
// the output (1, gridH, gridW, anchors, 5+classes).
func New(cfg *config.Config) (*Detector, error) {
	m := cfg.Model
	if !ort.IsInitialized() {
		if m.RuntimeLibrary != "" {
			ort.SetSharedLibraryPath(m.RuntimeLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("error setting intra op threads: %w", err)
	}
	if m.UseGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	priors := cfg.Priors()
	d := &Detector{
		size:    m.InputSize,
		gridH:   cfg.GridH(),
		gridW:   cfg.GridW(),
		anchors: priors.NumAnchors(),
		depth:   5 + priors.NumClasses(),
	}

	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(d.size), int64(d.size), 3))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(d.gridH), int64(d.gridW), int64(d.anchors), int64(d.depth)))
	if err != nil {
		d.input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	d.session, err = ort.NewAdvancedSession(
		m.WeightsPath,
		[]string{m.InputName},
		[]string{m.OutputName},
		[]ort.Value{d.input},
		[]ort.Value{d.output},
		options,
	)
	if err != nil {
		d.input.Destroy()
		d.output.Destroy()
		return nil, fmt.Errorf("error loading model %s: %w", m.WeightsPath, err)
	}
	logger.Log().Info("model loaded",
		zap.String("weights", m.WeightsPath),
		zap.Int("input", d.size),
		zap.Int("gridH", d.gridH),
		zap.Int("gridW", d.gridW),
		zap.Int("anchors", d.anchors),
		zap.Bool("gpu", m.UseGPU))
	return d, nil
}

// Infer runs one forward pass. A frame whose buffer does not match its
// dimensions is a caller bug and panics.
func (d *Detector) Infer(frame iface.Frame) (iface.Tensor, error) {
	if !frame.Valid() {
		panic(fmt.Sprintf("malformed frame %dx%d with %d bytes", frame.Width, frame.Height, len(frame.Data)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rgb, err := d.preprocess(frame)
	if err != nil {
		return iface.Tensor{}, err
	}
	normalize(rgb, d.input.GetData())
	if err := d.session.Run(); err != nil {
		return iface.Tensor{}, fmt.Errorf("model inference: %w", err)
	}
	out := d.output.GetData()
	data := make([]float32, len(out))
	copy(data, out)
	return iface.Tensor{GridH: d.gridH, GridW: d.gridW, Anchors: d.anchors, Depth: d.depth, Data: data}, nil
}

// preprocess resizes the BGR frame to the model input and returns RGB bytes.
func (d *Detector) preprocess(frame iface.Frame) ([]byte, error) {
	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer src.Close()
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(d.size, d.size), 0, 0, gocv.InterpolationLinear)
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)
	return rgb.ToBytes(), nil
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Log().Error("failed to destroy onnxruntime environment", zap.Error(err))
		}
	}
}
