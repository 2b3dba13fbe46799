// Package gstcam drives CSI and USB cameras through a GStreamer
// capture pipeline, delivering raw RGB frames as samples.
package gstcam

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// Config describes one camera.
type Config struct {
	ID       string
	Device   string // v4l2 device path; empty selects the CSI source
	CSIIndex int    // sensor-id for nvarguscamerasrc when Device is empty
	Width    int
	Height   int
	FPS      int

	ReadTimeout time.Duration
	QueueDepth  int // buffered frames between the pipeline and Read
	Clock       timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 250 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Driver owns a capture pipeline of the shape
//
//	source → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// where source is nvarguscamerasrc for CSI cameras or v4l2src for USB
// ones. Frames land on an internal channel from the appsink callback;
// Read drains it. The appsink keeps only the latest buffer so a slow
// consumer sheds frames inside GStreamer rather than growing a queue.
type Driver struct {
	identity sensor.Identity
	cfg      Config

	mu       sync.Mutex
	pipeline *gst.Pipeline
	frames   chan []byte
	stop     chan struct{}
	busDone  chan struct{}

	seq     uint64
	dropped uint64
	busErr  atomic.Pointer[error]
}

// New builds a Driver from cfg. The pipeline is not constructed until
// Open so a missing camera surfaces as a reconnectable open failure.
func New(cfg Config) *Driver {
	return &Driver{
		identity: sensor.Identity{
			ID:            cfg.ID,
			Kind:          sensor.KindCamera,
			HighBandwidth: true,
		},
		cfg: cfg.withDefaults(),
	}
}

func (d *Driver) Identity() sensor.Identity { return d.identity }

// Open constructs the pipeline and moves it to PLAYING.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline != nil {
		return nil
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstcam %s: create pipeline: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}

	source, err := d.newSource()
	if err != nil {
		return err
	}
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("gstcam %s: create videoconvert: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("gstcam %s: create videoscale: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstcam %s: create capsfilter: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		d.cfg.Width, d.cfg.Height, d.cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstcam %s: create appsink: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	frames := make(chan []byte, d.cfg.QueueDepth)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return d.onNewSample(sink, frames)
		},
	})

	pipeline.AddMany(source, convert, scale, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(source, convert, scale, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("gstcam %s: link pipeline: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstcam %s: start pipeline: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}

	d.pipeline = pipeline
	d.frames = frames
	d.stop = make(chan struct{})
	d.busDone = make(chan struct{})
	d.busErr.Store(nil)
	go d.watchBus(pipeline, d.stop, d.busDone)

	monitoring.Logf("gstcam %s: capturing %s", d.identity.ID, capsStr)
	return nil
}

func (d *Driver) newSource() (*gst.Element, error) {
	if d.cfg.Device != "" {
		source, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("gstcam %s: create v4l2src: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
		}
		source.SetProperty("device", d.cfg.Device)
		return source, nil
	}
	source, err := gst.NewElement("nvarguscamerasrc")
	if err != nil {
		return nil, fmt.Errorf("gstcam %s: create nvarguscamerasrc: %v: %w", d.identity.ID, err, sensor.ErrHardwareUnavailable)
	}
	source.SetProperty("sensor-id", d.cfg.CSIIndex)
	return source, nil
}

// onNewSample copies the frame out of GStreamer's buffer and hands it
// to the read side without blocking the streaming thread.
func (d *Driver) onNewSample(sink *app.Sink, frames chan<- []byte) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	select {
	case frames <- frame:
	default:
		atomic.AddUint64(&d.dropped, 1)
	}
	return gst.FlowOK
}

// watchBus surfaces pipeline errors and end-of-stream so Read can
// report a lost connection instead of timing out forever.
func (d *Driver) watchBus(pipeline *gst.Pipeline, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			monitoring.Logf("gstcam %s: pipeline error: %v", d.identity.ID, gerr)
			err := fmt.Errorf("pipeline error: %v", gerr)
			d.busErr.Store(&err)
			return
		case gst.MessageEOS:
			monitoring.Logf("gstcam %s: unexpected end of stream", d.identity.ID)
			err := fmt.Errorf("end of stream")
			d.busErr.Store(&err)
			return
		}
	}
}

// Read returns the next captured frame. It reports sensor.ErrNoSample
// when no frame arrives within the read timeout and
// sensor.ErrConnectionLost once the pipeline has failed.
func (d *Driver) Read() (*sensor.RawSample, error) {
	d.mu.Lock()
	frames := d.frames
	clock := d.cfg.Clock
	d.mu.Unlock()
	if frames == nil {
		return nil, fmt.Errorf("gstcam %s: pipeline stopped: %w", d.identity.ID, sensor.ErrConnectionLost)
	}

	if err := d.pipelineErr(); err != nil {
		// Drain anything captured before the failure first.
		select {
		case frame := <-frames:
			return d.newSample(frame, clock), nil
		default:
			return nil, fmt.Errorf("gstcam %s: %v: %w", d.identity.ID, err, sensor.ErrConnectionLost)
		}
	}

	select {
	case frame := <-frames:
		return d.newSample(frame, clock), nil
	case <-clock.After(d.cfg.ReadTimeout):
		if err := d.pipelineErr(); err != nil {
			return nil, fmt.Errorf("gstcam %s: %v: %w", d.identity.ID, err, sensor.ErrConnectionLost)
		}
		return nil, sensor.ErrNoSample
	}
}

func (d *Driver) newSample(frame []byte, clock timeutil.Clock) *sensor.RawSample {
	seq := atomic.AddUint64(&d.seq, 1)
	return &sensor.RawSample{
		SensorID:  d.identity.ID,
		Kind:      sensor.KindCamera,
		Payload:   frame,
		Timestamp: clock.Now(),
		Seq:       seq,
	}
}

func (d *Driver) pipelineErr() error {
	if p := d.busErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped reports frames shed because the read side fell behind.
func (d *Driver) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

// Close tears the pipeline down. Safe to call repeatedly.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline == nil {
		return nil
	}
	close(d.stop)
	<-d.busDone
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	d.frames = nil
	return err
}
