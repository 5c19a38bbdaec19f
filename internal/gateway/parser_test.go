package gateway

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bladewatch.io/gateway/internal/config"
	"bladewatch.io/gateway/internal/metrics"
	"bladewatch.io/gateway/internal/persistence"
)

type captureSink struct {
	windows []*persistence.Window
	indexes []int
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Persist(w *persistence.Window, index int) error {
	s.windows = append(s.windows, w)
	s.indexes = append(s.indexes, index)
	return nil
}

func newParserWithCapture(t *testing.T) (*Parser, *persistence.WindowBatcher, *captureSink) {
	t.Helper()
	cfg := config.Default()

	skeleton := map[string][]string{}
	for nodeID, node := range cfg.Nodes {
		skeleton[nodeID] = node.SensorNames
	}
	sink := &captureSink{}
	batcher := persistence.NewWindowBatcher(skeleton, 0, time.Hour, sink)

	var stop atomic.Bool
	p, err := NewParser(cfg, nil, &stop, batcher, 0)
	require.NoError(t, err)
	return p, batcher, sink
}

func sensorFrame(packetType byte, body []byte) Frame {
	return Frame{Origin: "0", Type: packetType, Body: body, ReceivedAt: time.Now()}
}

func lossCount(node, sensor string) float64 {
	return testutil.ToFloat64(metrics.PacketLossSuspectedTotal.WithLabelValues(node, sensor))
}

func TestBarosFrameProducesTimestampedSamples(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)

	// Timestamp bytes 240..244 = 65536 little-endian, i.e. 1.0 s.
	p.handleFrame(sensorFrame(34, sensorBody(1.0, nil)))
	batcher.Flush()

	require.Len(t, sink.windows, 1)
	window := sink.windows[0]

	pressure := window.SensorData["0"][config.SensorBarosP]
	temperature := window.SensorData["0"][config.SensorBarosT]
	require.Len(t, pressure, 1, "one sample per Abs. baros packet")
	require.Len(t, temperature, 1)

	// [timestamp, v0 ... v39]
	assert.Len(t, pressure[0], 41)
	assert.Equal(t, 1.0, pressure[0][0])
	assert.Equal(t, 1.0, temperature[0][0])
}

func TestInPacketSampleSpacingEqualsPeriod(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)

	p.handleFrame(sensorFrame(36, sensorBody(2.0, nil)))
	batcher.Flush()

	require.Len(t, sink.windows, 1)
	samples := sink.windows[0].SensorData["0"][config.SensorDiffBaros]
	require.Len(t, samples, 24)

	period := config.Default().Nodes["0"].Periods()[config.SensorDiffBaros]
	for i := 1; i < len(samples); i++ {
		assert.InDelta(t, period, samples[i][0]-samples[i-1][0], 1e-12)
	}
	// Strictly ordered by timestamp.
	for i := 1; i < len(samples); i++ {
		assert.Greater(t, samples[i][0], samples[i-1][0])
	}
}

func TestSensorFrameSampleCounts(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)
	node := config.Default().Nodes["0"]

	p.handleFrame(sensorFrame(38, sensorBody(0, nil))) // Mic 0
	p.handleFrame(sensorFrame(52, sensorBody(0, nil))) // Constat
	batcher.Flush()

	require.Len(t, sink.windows, 1)
	window := sink.windows[0]

	for _, sensor := range []string{config.SensorMics, config.SensorConstat} {
		samples := window.SensorData["0"][sensor]
		require.Len(t, samples, node.SamplesPerPacket[sensor], sensor)
		values := 0
		for _, sample := range samples {
			values += len(sample) - 1 // exclude the timestamp
		}
		assert.Equal(t, node.SamplesPerPacket[sensor]*node.NumberOfSensors[sensor], values, sensor)
	}
}

func TestIMUDriftReestimatesPeriod(t *testing.T) {
	p, _, _ := newParserWithCapture(t)

	before := lossCount("0", config.SensorAcc)

	p.handleFrame(sensorFrame(42, sensorBody(0.0, nil)))
	p.handleFrame(sensorFrame(42, sensorBody(1.2, nil)))

	// 40 samples per packet over ~1.2 s: the period is re-estimated to
	// ~0.03 s instead of flagging packet loss.
	assert.InDelta(t, 0.03, p.periods["0"][config.SensorAcc], 1e-4)
	assert.Equal(t, before, lossCount("0", config.SensorAcc))
}

func TestPacketLossIsSuspected(t *testing.T) {
	p, _, _ := newParserWithCapture(t)

	before := lossCount("0", config.SensorDiffBaros)

	// Expected gap is 24 * 0.001 s; a full second is way past the slack.
	p.handleFrame(sensorFrame(36, sensorBody(0.0, nil)))
	p.handleFrame(sensorFrame(36, sensorBody(1.0, nil)))

	assert.Equal(t, before+1, lossCount("0", config.SensorDiffBaros))
	assert.Equal(t, 1.0, p.prevTimestamp["0"][config.SensorDiffBaros])
}

func TestSleepSuppressesPacketLossAndResetsTimestamps(t *testing.T) {
	p, _, _ := newParserWithCapture(t)

	before := lossCount("0", config.SensorConstat)

	// Enter sleep.
	p.handleFrame(Frame{Origin: "0", Type: 56, Body: []byte{1}})
	require.True(t, p.asleep["0"])

	p.handleFrame(sensorFrame(52, sensorBody(0.0, nil)))
	p.handleFrame(sensorFrame(52, sensorBody(100.0, nil)))
	assert.Equal(t, before, lossCount("0", config.SensorConstat))

	// Exit sleep: every sensor forgets its previous timestamp.
	p.handleFrame(Frame{Origin: "0", Type: 56, Body: []byte{0}})
	require.False(t, p.asleep["0"])
	for _, sensor := range config.Default().Nodes["0"].SensorNames {
		assert.Equal(t, float64(noPreviousTimestamp), p.prevTimestamp["0"][sensor], sensor)
	}
}

func TestHandleUpdateAccepted(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)

	// start=10, end=36: span 26 matches the default handle table width.
	p.handleFrame(Frame{Origin: "0", Type: config.HandleDefinitionPacketType, Body: []byte{10, 0, 36}})

	require.Equal(t, "Abs. baros", p.handles["0"][12])
	require.Equal(t, "Constat", p.handles["0"][30])
	require.Equal(t, "Info message", p.handles["0"][36])

	// Frames of type 12 now parse as Abs. baros.
	p.handleFrame(sensorFrame(12, sensorBody(1.0, nil)))
	batcher.Flush()

	require.Len(t, sink.windows, 1)
	assert.Len(t, sink.windows[0].SensorData["0"][config.SensorBarosP], 1)
}

func TestHandleUpdateWithWrongSpanIsRejected(t *testing.T) {
	p, _, _ := newParserWithCapture(t)

	p.handleFrame(Frame{Origin: "0", Type: config.HandleDefinitionPacketType, Body: []byte{10, 0, 60}})

	// The table is unchanged: the initial handles still apply.
	assert.Equal(t, "Abs. baros", p.handles["0"][34])
	_, redefined := p.handles["0"][12]
	assert.False(t, redefined)
}

func TestUnknownHandleIsDropped(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)

	p.handleFrame(sensorFrame(99, sensorBody(1.0, nil)))
	batcher.Flush()

	require.Len(t, sink.windows, 1)
	for _, samples := range sink.windows[0].SensorData["0"] {
		assert.Empty(t, samples)
	}
}

func TestInfoFramesAreHandledWithoutSamples(t *testing.T) {
	p, batcher, sink := newParserWithCapture(t)

	p.handleFrame(Frame{Origin: "0", Type: 40, Body: []byte{1}}) // Mic 1: reading done
	p.handleFrame(Frame{Origin: "0", Type: 54, Body: []byte{4}}) // Cmd Decline: not ready to sleep

	// Remote info: battery voltage 3.3 V, cycle 1.5, state of charge 50%.
	battery := make([]byte, 13)
	battery[0] = 0
	binary.LittleEndian.PutUint32(battery[1:], 3300000)
	binary.LittleEndian.PutUint32(battery[5:], 150)
	binary.LittleEndian.PutUint32(battery[9:], 12800)
	p.handleFrame(Frame{Origin: "0", Type: 58, Body: battery})

	// Base station local info message.
	p.handleFrame(Frame{Origin: config.BaseStationID, Type: 64, Body: []byte{128}})

	batcher.Flush()
	require.Len(t, sink.windows, 1)
	for _, samples := range sink.windows[0].SensorData["0"] {
		assert.Empty(t, samples)
	}
}
