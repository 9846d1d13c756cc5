package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "SmartBin/Adhoc"
	"SmartBin/api"
	"SmartBin/camera"
	"SmartBin/config"
	"SmartBin/control"
	"SmartBin/decoder"
	"SmartBin/device"
	"SmartBin/engine"
	rpc "SmartBin/gRPC"
	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"
	"SmartBin/video"
	"SmartBin/worker"

	"go.uber.org/zap"
)

const (
	selfTestTimeout  = 10 * time.Second
	healthStaleAfter = 10 * time.Second
	stopTimeout      = 3 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()
	os.Exit(run(*configPath))
}

// fatal reports an unrecoverable error on stderr and in the log.
func fatal(stage string, err error) int {
	fmt.Fprintln(os.Stderr, strings.Repeat("!", 64))
	fmt.Fprintf(os.Stderr, "SmartBin terminated: %s: %v\n", stage, err)
	fmt.Fprintln(os.Stderr, strings.Repeat("!", 64))
	logger.Log().Error("fatal error, terminating", zap.String("stage", stage), zap.Error(err))
	logger.Sync()
	return 1
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fatal("config", err)
	}
	if err := logger.Init(cfg.Log.Mode, cfg.Log.Level); err != nil {
		return fatal("logger", err)
	}
	defer logger.Sync()
	logger.Log().Info("SmartBin starting",
		zap.String("config", configPath),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Strings("labels", cfg.Model.Labels),
		zap.Float64("confidence", cfg.Confidence()),
		zap.Float64("iou", cfg.Iou()))

	priors := cfg.Priors()
	state := perception.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actuators := []iface.Actuator{&device.LogActuator{}}
	if cfg.LED.Enabled {
		strip, err := device.OpenStrip(cfg.LED.Port, cfg.LED.Baud, cfg.LED.Pixels)
		if err != nil {
			logger.Log().Warn("led strip unavailable, continuing without it", zap.Error(err))
		} else {
			actuators = append(actuators, strip)
			defer func() {
				if err := strip.Off(); err != nil {
					logger.Log().Warn("led strip off failed", zap.Error(err))
				}
			}()
		}
	}
	control.Progress(actuators, 10)

	var cam iface.Camera
	if cfg.Camera.ReplayDir != "" {
		cam = device.NewReplay(cfg.Camera.ReplayDir, cfg.ReplayInterval(), cfg.Camera.Width, cfg.Camera.Height)
	} else {
		cam = video.NewWebcam(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height)
	}
	source := camera.NewFrameSource(cam, state, cfg.RetryDelay())
	if err := source.Start(ctx); err != nil {
		return fatal("camera", err)
	}
	defer func() {
		if err := source.Stop(); err != nil {
			logger.Log().Warn("camera close failed", zap.Error(err))
		}
	}()
	control.Progress(actuators, 30)

	detector, err := engine.New(cfg)
	if err != nil {
		return fatal("model", err)
	}
	defer detector.Destroy()
	control.Progress(actuators, 70)

	dec := decoder.Decoder{
		Priors:     priors,
		Confidence: cfg.Confidence(),
		Iou:        cfg.Iou(),
		MaxBoxes:   cfg.Model.MaxBoxPerImage,
	}
	if err := worker.SelfTest(ctx, detector, dec, state, selfTestTimeout); err != nil {
		return fatal("self-test", err)
	}
	control.Progress(actuators, 100)

	fatalCh := make(chan error, 1)
	inference := worker.New(detector, dec, state)
	inference.OnFatal = func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}
	if err := inference.Start(ctx); err != nil {
		return fatal("inference worker", err)
	}
	defer inference.Stop()

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	var loop *control.Loop
	apiServer := api.New(state, priors, func() (control.Feedback, bool) { return loop.Last() }, requestShutdown)
	displays := []iface.Display{apiServer}
	if cfg.Control.Display == "window" {
		window := video.NewWindow("SmartBin", cfg.Control.WindowSize)
		displays = append(displays, window)
		defer window.Close()
	}
	loop = control.New(state, priors, cfg.TickPeriod(), actuators, displays)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	apiServer.Start(cfg.API.Port)

	health := rpc.NewHealthServer(state, healthStaleAfter)
	if err := health.Start(cfg.RPC.Port); err != nil {
		logger.Log().Error("gRPC health server not started", zap.Error(err))
	} else {
		health.SetReady()
		wg.Add(1)
		go func() {
			defer wg.Done()
			health.Watch(ctx, time.Second)
		}()
		defer health.Stop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.Monitor.Port, ctx)
	}()

	if cfg.RegServer.Use {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("failed to get outbound IP", zap.Error(err))
		}
		hb := adhoc.NewHeartbeat(cfg.RegServer.Host, cfg.RegServer.Port, ip, cfg.API.Port, func() (string, uint64) {
			fb, _ := loop.Last()
			return fb.State.String(), fb.Cycle
		})
		wg.Add(1)
		go hb.Run(ctx, &wg)
		logger.Log().Info("registration heartbeat started", zap.String("id", hb.ID()), zap.String("url", hb.URL))
	} else {
		logger.Log().Info("regserver.use is false, skipping registration")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	code := 0
	select {
	case sig := <-signals:
		logger.Log().Info("signal received, shutting down", zap.Stringer("signal", sig))
	case <-shutdownCh:
		logger.Log().Info("shutdown requested, shutting down")
	case err := <-fatalCh:
		code = fatal("inference", err)
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := apiServer.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log().Warn("api server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Log().Info("SmartBin stopped", zap.Int("exit", code))
	return code
}
