// Package gateway implements the data-plane pipeline: a framing reader over
// the serial link, a packet parser feeding windowed persistence, an optional
// command routine or interactive command task, and the supervisor tying them
// together with a shared stop flag.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bladewatch.io/gateway/internal/config"
	"bladewatch.io/gateway/internal/log"
	"bladewatch.io/gateway/internal/metrics"
	"bladewatch.io/gateway/internal/persistence"
	"bladewatch.io/gateway/internal/routine"
	"bladewatch.io/gateway/internal/serialport"
)

// ConfigurationMetadataKey is the object metadata key carrying the
// serialised configuration on uploaded windows.
const ConfigurationMetadataKey = "data_gateway__configuration"

const defaultQueueSize = 1024

// Options configures a Gateway: the knobs exposed by the CLI (the quiet
// guard is passed to Start instead) plus test seams (SerialPort, Store,
// CommandInput). The core itself reads no environment.
type Options struct {
	// SerialPortName is the device to open. SerialPort, when non-nil, is
	// used directly instead (tests, pre-opened handles).
	SerialPortName string
	SerialPort     serialport.Port

	ConfigurationPath string
	RoutinePath       string
	StopRoutinePath   string

	SaveLocally   bool
	UploadToCloud bool
	Interactive   bool

	OutputDirectory string
	WindowSize      time.Duration
	BucketName      string
	Label           string
	SaveCSVFiles    bool

	UseDummySerialPort bool
	StopSensorsOnExit  bool

	// StorageLimit caps the session directory size in bytes; 0 = unlimited.
	StorageLimit  int64
	UploadTimeout time.Duration
	QueueSize     int
	MetricsListen string

	// Store overrides the object store (tests); nil selects GCS.
	Store persistence.ObjectStore

	// CommandInput overrides stdin for the interactive task (tests).
	CommandInput io.Reader
}

// Gateway supervises one capture session.
type Gateway struct {
	opts Options
	cfg  *config.Configuration
	port serialport.Port
	stop atomic.Bool

	session  string
	localDir string
	cloudDir string

	routine     *routine.Routine
	stopRoutine *routine.Routine
	stopFlag    atomic.Bool // stop routine's own flag; stays unset

	gcs *persistence.GCSStore
}

// New validates options, loads the configuration, opens the serial port and
// prepares the session directory. It fails fast when no data sink is
// enabled or when a routine file is invalid.
func New(opts Options) (*Gateway, error) {
	if !opts.SaveLocally && !opts.UploadToCloud {
		return nil, ErrDataMustBeSaved
	}
	if opts.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", opts.WindowSize)
	}
	if opts.UploadToCloud && opts.BucketName == "" && opts.Store == nil {
		return nil, fmt.Errorf("a bucket name is required to upload to the cloud")
	}

	g := &Gateway{opts: opts}

	cfg, err := loadConfiguration(opts.ConfigurationPath)
	if err != nil {
		return nil, err
	}
	cfg.MeasurementCampaign.Label = opts.Label
	g.cfg = cfg

	port, err := resolvePort(opts, cfg)
	if err != nil {
		return nil, err
	}
	g.port = port

	g.session = uuid.NewString()[:8]
	g.localDir = filepath.Join(opts.OutputDirectory, g.session)
	g.cloudDir = path.Join(filepath.ToSlash(opts.OutputDirectory), g.session)
	if err := os.MkdirAll(g.localDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", g.localDir, err)
	}

	action := func(command string) {
		if _, err := g.port.Write([]byte(command + "\n")); err != nil {
			log.GetLogger().WithError(err).Errorf("could not send command %q", command)
		}
	}

	if err := g.loadRoutines(action); err != nil {
		return nil, err
	}

	return g, nil
}

// Session returns the session identifier shared by both sinks.
func (g *Gateway) Session() string { return g.session }

// LocalDirectory returns the local session directory.
func (g *Gateway) LocalDirectory() string { return g.localDir }

// Start runs the pipeline until the stop flag is raised, then drains it:
// joins the reader and parser, fires the stop routine if configured, closes
// the serial port and flushes the current window through every sink.
//
// stopWhenQuiet, when positive, stops the gateway once no data has arrived
// for that long (mainly for tests and batch runs).
func (g *Gateway) Start(stopWhenQuiet time.Duration) error {
	log.GetLogger().Infof("starting data gateway, session %s", g.session)

	var metricsServer *metrics.Server
	if g.opts.MetricsListen != "" {
		metricsServer = metrics.NewServer(g.opts.MetricsListen)
		metricsServer.Start()
	}

	cfgJSON, err := json.Marshal(g.cfg)
	if err != nil {
		return fmt.Errorf("serialise configuration: %w", err)
	}

	sinks, err := g.buildSinks(cfgJSON)
	if err != nil {
		return err
	}

	skeleton := make(map[string][]string, len(g.cfg.Nodes))
	for nodeID, node := range g.cfg.Nodes {
		skeleton[nodeID] = append([]string(nil), node.SensorNames...)
	}
	offset := float64(time.Now().UnixNano()) / 1e9
	batcher := persistence.NewWindowBatcher(skeleton, offset, g.opts.WindowSize, sinks...)

	queueSize := g.opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	queue := make(chan Frame, queueSize)

	reader := NewReader(g.port, g.cfg, queue, &g.stop)
	parser, err := NewParser(g.cfg, queue, &g.stop, batcher, stopWhenQuiet)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reader.Run()
	}()
	go func() {
		defer wg.Done()
		parser.Run()
	}()

	g.startCommandTask()

	// Coarse poll; every child raises the flag on its own exit.
	for !g.stop.Load() {
		time.Sleep(time.Second)
	}
	wg.Wait()

	if g.stopRoutine != nil {
		log.GetLogger().Info("sending stop commands to the sensors")
		g.stopRoutine.Run()
	}

	if err := g.port.Close(); err != nil {
		log.GetLogger().WithError(err).Warn("could not close the serial port")
	}

	batcher.Flush()

	if g.gcs != nil {
		if err := g.gcs.Close(); err != nil {
			log.GetLogger().WithError(err).Warn("could not close the storage client")
		}
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(ctx)
	}

	log.GetLogger().Infof("data gateway stopped, session %s", g.session)
	return nil
}

// Stop raises the stop flag; Start drains and returns.
func (g *Gateway) Stop() { g.stop.Store(true) }

func (g *Gateway) buildSinks(cfgJSON []byte) ([]persistence.Sink, error) {
	var sinks []persistence.Sink

	if g.opts.SaveLocally {
		writer, err := persistence.NewFileWriter(g.localDir, g.opts.SaveCSVFiles, g.opts.StorageLimit)
		if err != nil {
			return nil, err
		}
		if err := writer.WriteConfiguration(cfgJSON); err != nil {
			log.GetLogger().WithError(err).Warn("could not write the configuration sidecar")
		}
		sinks = append(sinks, writer)
	}

	if g.opts.UploadToCloud {
		store := g.opts.Store
		if store == nil {
			gcs, err := persistence.NewGCSStore(context.Background(), g.opts.BucketName)
			if err != nil {
				return nil, err
			}
			g.gcs = gcs
			store = gcs
		}

		metadata := map[string]string{ConfigurationMetadataKey: string(cfgJSON)}
		uploader := persistence.NewUploader(
			store,
			g.cloudDir,
			filepath.Join(g.localDir, ".backup"),
			metadata,
			g.opts.UploadTimeout,
		)
		uploader.UploadConfiguration(cfgJSON)
		sinks = append(sinks, uploader)
	}

	return sinks, nil
}

// startCommandTask runs the interactive stdin forwarder or the configured
// routine. Neither is joined on shutdown: the routine polls the stop flag
// and exits on its own, and the interactive task may stay blocked on stdin
// until the process exits.
func (g *Gateway) startCommandTask() {
	if g.opts.Interactive {
		input := g.opts.CommandInput
		if input == nil {
			input = os.Stdin
		}
		go routine.RunInteractive(input, g.port, g.localDir, &g.stop)
		return
	}

	if g.routine != nil {
		go g.routine.Run()
	}
}

func (g *Gateway) loadRoutines(action func(string)) error {
	if g.opts.RoutinePath != "" && fileExists(g.opts.RoutinePath) {
		if g.opts.Interactive {
			log.GetLogger().Warn("sensor command routine files are ignored in interactive mode")
		} else {
			r, err := routine.Load(g.opts.RoutinePath, action, &g.stop)
			if err != nil {
				return err
			}
			g.routine = r
			log.GetLogger().Debugf("loaded routine file from %s", g.opts.RoutinePath)
		}
	}

	if g.opts.StopSensorsOnExit && g.opts.StopRoutinePath != "" && fileExists(g.opts.StopRoutinePath) {
		r, err := routine.Load(g.opts.StopRoutinePath, action, &g.stopFlag)
		if err != nil {
			return err
		}
		g.stopRoutine = r
	}

	return nil
}

func loadConfiguration(path string) (*config.Configuration, error) {
	if path != "" && fileExists(path) {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		log.GetLogger().Debugf("loaded configuration file from %s", path)
		return cfg, nil
	}

	log.GetLogger().Debug("no configuration file provided - using the default configuration")
	return config.Default(), nil
}

func resolvePort(opts Options, cfg *config.Configuration) (serialport.Port, error) {
	if opts.SerialPort != nil {
		return opts.SerialPort, nil
	}
	if opts.UseDummySerialPort {
		log.GetLogger().Infof("using a dummy serial port in place of %s", opts.SerialPortName)
		return serialport.NewDummy(), nil
	}
	return serialport.Open(opts.SerialPortName, cfg.Gateway.BaudRate)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
