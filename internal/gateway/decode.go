package gateway

import (
	"fmt"
	"math"

	"bladewatch.io/gateway/internal/config"
)

// decodePayload decodes a sensor payload into the node's staging buffers and
// returns the sensor names it produced. The first 240 bytes carry sample
// data; the trailing four are the timestamp, already consumed by the caller.
func (p *Parser) decodePayload(nodeID, packetType string, payload []byte) ([]string, error) {
	node := p.cfg.Nodes[nodeID]
	buffers := p.buffers[nodeID]

	switch packetType {
	case "Abs. baros":
		// One sample per packet; each barometer contributes 4 bytes of
		// pressure followed by 2 bytes of temperature, side by side.
		const bytesPerSample = 6
		if err := requireLength(payload, node.NumberOfSensors[config.SensorBarosP]*bytesPerSample); err != nil {
			return nil, err
		}
		for i := 0; i < node.SamplesPerPacket[config.SensorBarosP]; i++ {
			for j := 0; j < node.NumberOfSensors[config.SensorBarosP]; j++ {
				offset := bytesPerSample * j
				buffers[config.SensorBarosP][j][i] = float64(p.byteOrder.Uint32(payload[offset : offset+4]))
				buffers[config.SensorBarosT][j][i] = float64(int16(p.byteOrder.Uint16(payload[offset+4 : offset+6])))
			}
		}
		return []string{config.SensorBarosP, config.SensorBarosT}, nil

	case "Diff. baros":
		// Row-major: all sensors for sample 0, then sample 1, ...
		const bytesPerSample = 2
		sensors := node.NumberOfSensors[config.SensorDiffBaros]
		samples := node.SamplesPerPacket[config.SensorDiffBaros]
		if err := requireLength(payload, bytesPerSample*sensors*samples); err != nil {
			return nil, err
		}
		for i := 0; i < samples; i++ {
			for j := 0; j < sensors; j++ {
				offset := bytesPerSample * (sensors*i + j)
				buffers[config.SensorDiffBaros][j][i] = float64(p.byteOrder.Uint16(payload[offset : offset+2]))
			}
		}
		return []string{config.SensorDiffBaros}, nil

	case "Mic 0":
		// Unlike every other sensor, microphone samples arrive big-endian,
		// three bytes each, interleaved in a four-way stride pattern.
		const bytesPerSample = 3
		outer := node.SamplesPerPacket[config.SensorMics] / 2
		inner := node.NumberOfSensors[config.SensorMics] / 2
		if outer > 0 && inner > 0 {
			maxIndex := (outer-1)*20 + (inner - 1) + 15
			if err := requireLength(payload, bytesPerSample*(maxIndex+1)); err != nil {
				return nil, err
			}
		}
		for i := 0; i < outer; i++ {
			for j := 0; j < inner; j++ {
				index := j + 20*i
				buffers[config.SensorMics][j][2*i] = float64(int24BigEndian(payload[bytesPerSample*index:]))
				buffers[config.SensorMics][j][2*i+1] = float64(int24BigEndian(payload[bytesPerSample*(index+5):]))
				buffers[config.SensorMics][j+5][2*i] = float64(int24BigEndian(payload[bytesPerSample*(index+10):]))
				buffers[config.SensorMics][j+5][2*i+1] = float64(int24BigEndian(payload[bytesPerSample*(index+15):]))
			}
		}
		return []string{config.SensorMics}, nil

	case "IMU Accel", "IMU Gyro", "IMU Magnetometer":
		sensor := imuSensors[packetType]
		const bytesPerSample = 6
		samples := node.SamplesPerPacket[sensor]
		if err := requireLength(payload, bytesPerSample*samples); err != nil {
			return nil, err
		}
		for i := 0; i < samples; i++ {
			offset := bytesPerSample * i
			for axis := 0; axis < 3; axis++ {
				value := int16(p.byteOrder.Uint16(payload[offset+2*axis : offset+2*axis+2]))
				buffers[sensor][axis][i] = float64(value)
			}
		}
		return []string{sensor}, nil

	case "Analog Vbat":
		const bytesPerSample = 4
		samples := node.SamplesPerPacket[config.SensorAnalogVbat]
		if err := requireLength(payload, bytesPerSample*samples); err != nil {
			return nil, err
		}
		for i := 0; i < samples; i++ {
			offset := bytesPerSample * i
			raw := p.byteOrder.Uint32(payload[offset : offset+4])
			buffers[config.SensorAnalogVbat][0][i] = float64(raw) / 1e6
		}
		return []string{config.SensorAnalogVbat}, nil

	case "Constat":
		// Four channels per sample: filtered RSSI (float32), raw RSSI
		// (int8), TX power (int8), and an allocated-heap counter (uint32).
		const bytesPerSample = 10
		samples := node.SamplesPerPacket[config.SensorConstat]
		if err := requireLength(payload, bytesPerSample*samples); err != nil {
			return nil, err
		}
		for i := 0; i < samples; i++ {
			offset := bytesPerSample * i
			buffers[config.SensorConstat][0][i] = float64(math.Float32frombits(p.byteOrder.Uint32(payload[offset : offset+4])))
			buffers[config.SensorConstat][1][i] = float64(int8(payload[offset+4]))
			buffers[config.SensorConstat][2][i] = float64(int8(payload[offset+5]))
			buffers[config.SensorConstat][3][i] = float64(p.byteOrder.Uint32(payload[offset+6 : offset+10]))
		}
		return []string{config.SensorConstat}, nil

	case "Analog1", "Analog2", "Analog Kinetron":
		// Known handles without a supported payload layout.
		return nil, &UnknownPacketTypeError{PacketType: packetType}

	default:
		return nil, &UnknownPacketTypeError{PacketType: packetType}
	}
}

func requireLength(payload []byte, needed int) error {
	// The data region excludes the trailing timestamp.
	if needed > sensorFrameLength-4 || needed > len(payload) {
		return fmt.Errorf("payload data region is %d bytes, need %d", len(payload)-4, needed)
	}
	return nil
}

// int24BigEndian decodes a signed 24-bit big-endian value.
func int24BigEndian(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}
