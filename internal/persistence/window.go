// Package persistence groups parsed samples into fixed-duration windows and
// hands finalized windows to the configured sinks (local files, object
// store).
package persistence

import (
	"fmt"
	"time"

	"bladewatch.io/gateway/internal/log"
	"bladewatch.io/gateway/internal/metrics"
)

// Window is the unit of persistence: every sample collected during one
// wall-clock interval, grouped by node and sensor. Each sample is
// [timestamp_seconds, v0, v1, ...].
type Window struct {
	SensorTimeOffset float64                           `json:"sensor_time_offset"`
	SensorData       map[string]map[string][][]float64 `json:"sensor_data"`
}

func newWindow(offset float64, skeleton map[string][]string) *Window {
	data := make(map[string]map[string][][]float64, len(skeleton))
	for node, sensors := range skeleton {
		data[node] = make(map[string][][]float64, len(sensors))
		for _, sensor := range sensors {
			// Empty slices, not nil: an absent sensor still serialises as [].
			data[node][sensor] = [][]float64{}
		}
	}
	return &Window{SensorTimeOffset: offset, SensorData: data}
}

func (w *Window) clone() *Window {
	data := make(map[string]map[string][][]float64, len(w.SensorData))
	for node, sensors := range w.SensorData {
		data[node] = make(map[string][][]float64, len(sensors))
		for sensor, samples := range sensors {
			copied := make([][]float64, len(samples))
			for i, sample := range samples {
				copied[i] = append([]float64(nil), sample...)
			}
			data[node][sensor] = copied
		}
	}
	return &Window{SensorTimeOffset: w.SensorTimeOffset, SensorData: data}
}

// Sink persists finalized windows. Persist is called synchronously from the
// parser goroutine, once per window per sink, with a window value the sink
// owns exclusively.
type Sink interface {
	Name() string
	Persist(window *Window, index int) error
}

// WindowFilename names the file for the window with the given index.
func WindowFilename(index int) string {
	return fmt.Sprintf("window-%d.json", index)
}

// WindowBatcher accumulates samples into the current window and finalizes it
// when the window interval elapses. It is driven by a single goroutine; only
// Flush may be called from elsewhere, after that goroutine has exited.
type WindowBatcher struct {
	skeleton   map[string][]string
	windowSize time.Duration
	sinks      []Sink

	window *Window
	index  int
	start  time.Time
	offset float64
}

// NewWindowBatcher creates a batcher whose windows carry the given
// sensor-time offset (wall clock at session start, in seconds). The skeleton
// maps node ids to their sensor names so every window exposes the full
// sensor layout even before data arrives.
func NewWindowBatcher(skeleton map[string][]string, offset float64, windowSize time.Duration, sinks ...Sink) *WindowBatcher {
	return &WindowBatcher{
		skeleton:   skeleton,
		windowSize: windowSize,
		sinks:      sinks,
		window:     newWindow(offset, skeleton),
		start:      time.Now(),
		offset:     offset,
	}
}

// Add appends a sample to the current window, first rolling the window over
// if the window interval has elapsed; a sample arriving after the boundary
// opens the next window.
func (b *WindowBatcher) Add(node, sensor string, sample []float64) {
	if time.Since(b.start) >= b.windowSize {
		b.finalize()
	}

	sensors, ok := b.window.SensorData[node]
	if !ok {
		sensors = map[string][][]float64{}
		b.window.SensorData[node] = sensors
	}
	sensors[sensor] = append(sensors[sensor], sample)
}

// Flush finalizes the current window unconditionally, however small. Called
// on shutdown after the parser has stopped.
func (b *WindowBatcher) Flush() {
	b.finalize()
}

// Index returns the index the next finalized window will carry.
func (b *WindowBatcher) Index() int {
	return b.index
}

func (b *WindowBatcher) finalize() {
	window := b.window
	index := b.index

	for i, sink := range b.sinks {
		handoff := window
		if i < len(b.sinks)-1 {
			// Each sink owns its value outright.
			handoff = window.clone()
		}
		if err := sink.Persist(handoff, index); err != nil {
			log.GetLogger().WithError(err).Errorf("could not persist window %d to %s", index, sink.Name())
			continue
		}
		metrics.WindowsPersistedTotal.WithLabelValues(sink.Name()).Inc()
	}

	b.index++
	b.start = time.Now()
	b.window = newWindow(b.offset, b.skeleton)
}
