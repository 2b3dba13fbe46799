package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sensorbox/internal/api"
	"github.com/banshee-data/sensorbox/internal/config"
	"github.com/banshee-data/sensorbox/internal/controller"
	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/recorder"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/sensor/depthnet"
	"github.com/banshee-data/sensorbox/internal/sensor/gstcam"
	"github.com/banshee-data/sensorbox/internal/sensor/rplidar"
	"github.com/banshee-data/sensorbox/internal/version"
)

var (
	configPath  = flag.String("config", "capture.json", "Capture configuration file")
	outDir      = flag.String("out", "./sessions", "Session output directory")
	duration    = flag.Duration("duration", 0, "Stop after this much capture time (0 = unbounded)")
	maxFrames   = flag.Int("frames", 0, "Stop after this many fused frames (0 = unbounded)")
	targetFPS   = flag.Float64("fps", 0, "Throttle emitted frames to this rate (0 = full cadence)")
	listen      = flag.String("listen", ":8080", "Stats HTTP listen address")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// buildRegistry constructs one driver per configured sensor.
func buildRegistry(cfg *config.Config) (*sensor.Registry, error) {
	reg := sensor.NewRegistry()

	for _, cam := range cfg.Cameras {
		d := gstcam.New(gstcam.Config{
			ID:       cam.ID,
			Device:   cam.Device,
			CSIIndex: cam.CSIIndex,
			Width:    cam.Width,
			Height:   cam.Height,
			FPS:      cam.FPS,
		})
		if err := reg.Register(d, cam.Required); err != nil {
			return nil, err
		}
	}

	if cfg.Lidar != nil {
		id := cfg.Lidar.ID
		if id == "" {
			id = "rplidar_" + filepath.Base(cfg.Lidar.Port)
		}
		d := rplidar.New(rplidar.Config{
			ID:       id,
			Path:     cfg.Lidar.Port,
			BaudRate: cfg.Lidar.BaudRate,
		})
		if err := reg.Register(d, cfg.Lidar.Required); err != nil {
			return nil, err
		}
	}

	if cfg.Depth != nil {
		id := cfg.Depth.ID
		if id == "" {
			id = "depth0"
		}
		d := depthnet.New(depthnet.Config{
			ID:     id,
			Addr:   cfg.Depth.Listen,
			HasIMU: cfg.Depth.IMU,
		})
		if err := reg.Register(d, cfg.Depth.Required); err != nil {
			return nil, err
		}
	}

	if reg.Len() == 0 {
		return nil, fmt.Errorf("no sensors configured")
	}
	return reg, nil
}

// consume drains the frame stream into the recorder and tallies
// per-sensor slot statuses for the catalogue.
func consume(cur *controller.Cursor, rec *recorder.Recorder, identities []sensor.Identity) []recorder.SensorStats {
	stats := make(map[string]*recorder.SensorStats, len(identities))
	order := make([]string, 0, len(identities))
	for _, id := range identities {
		stats[id.ID] = &recorder.SensorStats{SensorID: id.ID, Kind: string(id.Kind)}
		order = append(order, id.ID)
	}

	for {
		f, ok := cur.Next()
		if !ok {
			break
		}
		if err := rec.Record(f); err != nil {
			log.Printf("failed to record frame %d: %v", f.Seq, err)
			continue
		}
		for id, st := range stats {
			switch f.Slot(id).Status {
			case fusion.Present:
				st.PresentCount++
			case fusion.Stale:
				st.StaleCount++
			default:
				st.AbsentCount++
			}
		}
	}

	out := make([]recorder.SensorStats, 0, len(order))
	for _, id := range order {
		out = append(out, *stats[id])
	}
	return out
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sensorbox %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("failed to build sensor registry: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	cat, err := recorder.OpenCatalogue(filepath.Join(*outDir, "catalogue.db"))
	if err != nil {
		log.Fatalf("failed to open session catalogue: %v", err)
	}
	defer cat.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(cfg, reg)
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("failed to start capture: %v", err)
	}

	preset := cfg.SessionPreset()
	startedAt := time.Now()
	name := config.SessionName(preset, startedAt)
	sessionPath := filepath.Join(*outDir, name)

	identities := make([]sensor.Identity, 0, reg.Len())
	for _, d := range reg.Drivers() {
		identities = append(identities, d.Identity())
	}

	rec, err := recorder.NewRecorder(recorder.Options{
		BasePath: sessionPath,
		Session:  name,
		Preset:   string(preset),
		WindowNs: int64(cfg.GetSyncWindow()),
		Sensors:  identities,
	})
	if err != nil {
		log.Fatalf("failed to create session recorder: %v", err)
	}

	sessionID, err := cat.BeginSession(name, string(preset), sessionPath, startedAt)
	if err != nil {
		log.Fatalf("failed to catalogue session: %v", err)
	}
	log.Printf("capturing session %s (%s) to %s", name, preset.Description(), sessionPath)

	cur, err := ctrl.Stream(controller.StreamOptions{
		Duration:  *duration,
		MaxFrames: *maxFrames,
		TargetFPS: *targetFPS,
	})
	if err != nil {
		log.Fatalf("failed to start stream: %v", err)
	}

	var wg sync.WaitGroup
	var sensorStats []recorder.SensorStats

	// Drain frames into the recorder. A bounded run closes the stream on
	// its own; either way the drain ending shuts the process down.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sensorStats = consume(cur, rec, identities)
		log.Printf("frame stream ended after %d frames", rec.FrameCount())
		stop()
	}()

	// Stats HTTP server.
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		apiMux := api.NewServer(ctrl, cat, *outDir).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("stats server error: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("stats server shutdown error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down capture...")

	cur.Close()
	if err := ctrl.Stop(); err != nil {
		log.Printf("error stopping controller: %v", err)
	}
	wg.Wait()

	if err := rec.Close(); err != nil {
		log.Printf("error finalising session: %v", err)
	}
	if err := cat.FinishSession(sessionID, time.Now(), rec.FrameCount(), ctrl.DroppedFrames(), sensorStats); err != nil {
		log.Printf("error cataloguing session: %v", err)
	}

	log.Printf("session %s complete: %d frames, %d dropped", name, rec.FrameCount(), ctrl.DroppedFrames())
}
