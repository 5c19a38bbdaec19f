package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"bladewatch.io/gateway/internal/config"
	"bladewatch.io/gateway/internal/log"
	"bladewatch.io/gateway/internal/metrics"
	"bladewatch.io/gateway/internal/persistence"
)

// defaultDequeueTimeout is how long the parser waits on the queue before
// re-checking the stop flag.
const defaultDequeueTimeout = 5 * time.Second

// noPreviousTimestamp marks a (node, sensor) pair that has not produced a
// sensor frame yet.
const noPreviousTimestamp = -1

// sensorFrameLength is the body length of every sensor data frame; the last
// four bytes carry the first-sample timestamp.
const sensorFrameLength = 244

// canonicalHandleLabels is the semantic label sequence assigned to handles
// start+2, start+4, ... when a node redefines its handle table.
var canonicalHandleLabels = []string{
	"Abs. baros",
	"Diff. baros",
	"Mic 0",
	"Mic 1",
	"IMU Accel",
	"IMU Gyro",
	"IMU Magnetometer",
	"Analog1",
	"Analog2",
	"Constat",
	"Cmd Decline",
	"Sleep State",
	"Info message",
}

// imuSensors maps IMU packet types to the sensor they produce. IMU clocks
// are not synchronised to the node CPU, so their periods are re-estimated on
// drift instead of flagging packet loss.
var imuSensors = map[string]string{
	"IMU Accel":        config.SensorAcc,
	"IMU Gyro":         config.SensorGyro,
	"IMU Magnetometer": config.SensorMag,
}

// Parser consumes frames from the reader queue, maintains per-node handle
// tables and per-(node, sensor) timestamp state, decodes sensor payloads and
// feeds samples to the window batcher. All of its state is confined to the
// single goroutine running Run.
type Parser struct {
	cfg       *config.Configuration
	queue     <-chan Frame
	stop      *atomic.Bool
	batcher   *persistence.WindowBatcher
	byteOrder binary.ByteOrder

	// quietAfter, when positive, stops the gateway once the queue has been
	// empty for that long. Zero means run until stopped.
	quietAfter time.Duration

	handles       map[string]map[byte]string
	periods       map[string]map[string]float64
	prevTimestamp map[string]map[string]float64
	buffers       map[string]map[string][][]float64
	asleep        map[string]bool
}

// NewParser initialises parser state from the configuration: handle tables
// from the initial handles, periods copied from the derived config periods,
// previous timestamps set to the no-data sentinel, and staging buffers
// shaped [number_of_sensors][samples_per_packet].
func NewParser(
	cfg *config.Configuration,
	queue <-chan Frame,
	stop *atomic.Bool,
	batcher *persistence.WindowBatcher,
	quietAfter time.Duration,
) (*Parser, error) {
	p := &Parser{
		cfg:           cfg,
		queue:         queue,
		stop:          stop,
		batcher:       batcher,
		byteOrder:     cfg.Gateway.ByteOrder(),
		quietAfter:    quietAfter,
		handles:       map[string]map[byte]string{},
		periods:       map[string]map[string]float64{},
		prevTimestamp: map[string]map[string]float64{},
		buffers:       map[string]map[string][][]float64{},
		asleep:        map[string]bool{},
	}

	gatewayHandles, err := parseHandleTable(cfg.Gateway.InitialGatewayHandles)
	if err != nil {
		return nil, fmt.Errorf("gateway handle table: %w", err)
	}
	p.handles[config.BaseStationID] = gatewayHandles

	for nodeID, node := range cfg.Nodes {
		table, err := parseHandleTable(node.InitialNodeHandles)
		if err != nil {
			return nil, fmt.Errorf("node %s handle table: %w", nodeID, err)
		}
		p.handles[nodeID] = table
		p.periods[nodeID] = node.Periods()

		p.prevTimestamp[nodeID] = map[string]float64{}
		p.buffers[nodeID] = map[string][][]float64{}
		for _, sensor := range node.SensorNames {
			p.prevTimestamp[nodeID][sensor] = noPreviousTimestamp

			buffer := make([][]float64, node.NumberOfSensors[sensor])
			for i := range buffer {
				buffer[i] = make([]float64, node.SamplesPerPacket[sensor])
			}
			p.buffers[nodeID][sensor] = buffer
		}
	}

	return p, nil
}

func parseHandleTable(raw map[string]string) (map[byte]string, error) {
	table := make(map[byte]string, len(raw))
	for key, label := range raw {
		handle, err := strconv.Atoi(key)
		if err != nil || handle < 0 || handle > 0xFF {
			return nil, fmt.Errorf("handle id %q is not a byte", key)
		}
		table[byte(handle)] = label
	}
	return table, nil
}

// Run dequeues and parses frames until the stop flag is raised, or until the
// queue has been quiet for the configured guard. Blocking; run it in its own
// goroutine. On exit the stop flag is raised so sibling tasks shut down.
func (p *Parser) Run() {
	defer p.stop.Store(true)
	log.GetLogger().Info("packet parser started")

	timeout := defaultDequeueTimeout
	if p.quietAfter > 0 {
		timeout = p.quietAfter
	}

	for !p.stop.Load() {
		select {
		case frame := <-p.queue:
			p.handleFrame(frame)
		case <-time.After(timeout):
			if p.quietAfter > 0 {
				log.GetLogger().Infof("no data received for %s - stopping the gateway", p.quietAfter)
				return
			}
		}
	}
}

func (p *Parser) handleFrame(frame Frame) {
	if frame.Type == config.HandleDefinitionPacketType {
		log.GetLogger().Warnf("updating handles for %s", frame.Origin)
		p.updateHandles(frame.Origin, frame.Body)
		return
	}

	packetType, ok := p.handles[frame.Origin][frame.Type]
	if !ok {
		metrics.ParseErrorsTotal.WithLabelValues("unknown_handle").Inc()
		log.GetLogger().Warnf("received packet with unknown type %d from %s", frame.Type, frame.Origin)
		return
	}

	if len(frame.Body) == sensorFrameLength && frame.Origin != config.BaseStationID {
		p.parseSensorFrame(frame.Origin, packetType, frame.Body)
		return
	}

	p.parseInfoFrame(frame.Origin, packetType, frame.Body)
}

// updateHandles replaces a node's handle table when the advertised
// start/end handle span matches the node's configured width; otherwise the
// table is left unchanged.
func (p *Parser) updateHandles(nodeID string, payload []byte) {
	node, ok := p.cfg.Nodes[nodeID]
	if !ok {
		log.GetLogger().Errorf("handle definition from unknown node %s", nodeID)
		return
	}
	if len(payload) < 3 {
		log.GetLogger().Errorf("handle definition from node %s is too short (%d bytes)", nodeID, len(payload))
		return
	}

	start := int(payload[0])
	end := int(payload[2])

	if end-start != node.HandleTableSpan {
		log.GetLogger().Errorf(
			"error while updating handles for node %s: start handle is %d, end handle is %d", nodeID, start, end)
		return
	}

	table := make(map[byte]string, len(canonicalHandleLabels))
	for i, label := range canonicalHandleLabels {
		table[byte(start+2*(i+1))] = label
	}
	p.handles[nodeID] = table

	log.GetLogger().Infof("successfully updated handles for node %s", nodeID)
}

// parseSensorFrame decodes a full 244-byte sensor payload, runs packet-loss
// detection per produced sensor, and pushes timestamped samples to the
// window batcher.
func (p *Parser) parseSensorFrame(nodeID, packetType string, payload []byte) {
	timestamp := float64(p.byteOrder.Uint32(payload[sensorFrameLength-4:sensorFrameLength])) / 65536.0

	sensors, err := p.decodePayload(nodeID, packetType, payload)
	if err != nil {
		var unknown *UnknownPacketTypeError
		if errors.As(err, &unknown) {
			metrics.ParseErrorsTotal.WithLabelValues("unknown_packet_type").Inc()
			log.GetLogger().Errorf("sensor of type %q is unknown", unknown.PacketType)
			return
		}
		metrics.ParseErrorsTotal.WithLabelValues("malformed_frame").Inc()
		log.GetLogger().WithError(err).Errorf("could not decode %q frame from node %s", packetType, nodeID)
		return
	}

	for _, sensor := range sensors {
		p.checkPacketLoss(nodeID, sensor, timestamp)
		p.emitSamples(nodeID, sensor, timestamp)
		metrics.PacketsParsedTotal.WithLabelValues(nodeID, sensor).Inc()
	}
}

// checkPacketLoss compares the frame timestamp against the expected arrival
// time. Within slack the frame is accepted; outside it, IMU sensors get
// their period re-estimated (their clocks drift against the CPU), sleeping
// nodes are ignored, and everything else is flagged as possible packet loss.
func (p *Parser) checkPacketLoss(nodeID, sensor string, timestamp float64) {
	node := p.cfg.Nodes[nodeID]
	previous := p.prevTimestamp[nodeID][sensor]

	if previous == noPreviousTimestamp {
		log.GetLogger().Infof("received first %s packet from node %s", sensor, nodeID)
		p.prevTimestamp[nodeID][sensor] = timestamp
		return
	}

	samplesPerPacket := float64(node.SamplesPerPacket[sensor])
	expected := previous + samplesPerPacket*p.periods[nodeID][sensor]
	deviation := timestamp - expected

	if abs(deviation) > node.MaxTimestampSlack {
		switch {
		case p.asleep[nodeID]:
			// Only Constat arrives during sleep; gaps are expected.

		case sensor == config.SensorAcc || sensor == config.SensorGyro || sensor == config.SensorMag:
			period := (timestamp - previous) / samplesPerPacket
			drift := abs(period-p.periods[nodeID][sensor]) / p.periods[nodeID][sensor]
			p.periods[nodeID][sensor] = period
			if drift > node.MaxPeriodDrift {
				log.GetLogger().Debugf(
					"%s period drifted %.1f%% beyond the expected bound", sensor, drift*100)
			}
			log.GetLogger().Debugf("updated %s period to %f ms", sensor, period*1000)

		default:
			metrics.PacketLossSuspectedTotal.WithLabelValues(nodeID, sensor).Inc()
			log.GetLogger().Warnf(
				"possible packet loss: %s sensor packet from node %s is timestamped %d ms later than expected",
				sensor, nodeID, int64(deviation*1000))
		}
	}

	p.prevTimestamp[nodeID][sensor] = timestamp
}

// emitSamples timestamps each in-packet sample and hands it to the batcher.
// The frame timestamp belongs to the first sample; sample i follows at
// i*period.
func (p *Parser) emitSamples(nodeID, sensor string, timestamp float64) {
	buffer := p.buffers[nodeID][sensor]
	if len(buffer) == 0 {
		return
	}
	period := p.periods[nodeID][sensor]

	for i := range buffer[0] {
		sample := make([]float64, 0, 1+len(buffer))
		sample = append(sample, timestamp+float64(i)*period)
		for _, channel := range buffer {
			sample = append(sample, channel[i])
		}
		p.batcher.Add(nodeID, sensor, sample)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
