package gateway

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"

	"bladewatch.io/gateway/internal/config"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	var stop atomic.Bool
	p, err := NewParser(config.Default(), nil, &stop, nil, 0)
	if err != nil {
		t.Fatalf("NewParser failed: %v", err)
	}
	return p
}

// sensorBody builds a 244-byte sensor frame body with the given first-sample
// timestamp in seconds.
func sensorBody(timestamp float64, fill func(b []byte)) []byte {
	b := make([]byte, 244)
	if fill != nil {
		fill(b)
	}
	binary.LittleEndian.PutUint32(b[240:], uint32(timestamp*65536))
	return b
}

func TestDecodeAbsBaros(t *testing.T) {
	p := newTestParser(t)

	body := sensorBody(1.0, func(b []byte) {
		for j := 0; j < 40; j++ {
			binary.LittleEndian.PutUint32(b[6*j:], uint32(100000+j))
			binary.LittleEndian.PutUint16(b[6*j+4:], uint16(int16(-10*j)))
		}
	})

	sensors, err := p.decodePayload("0", "Abs. baros", body)
	if err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if len(sensors) != 2 || sensors[0] != config.SensorBarosP || sensors[1] != config.SensorBarosT {
		t.Fatalf("sensors = %v, want [Baros_P Baros_T]", sensors)
	}

	for j := 0; j < 40; j++ {
		if got := p.buffers["0"][config.SensorBarosP][j][0]; got != float64(100000+j) {
			t.Errorf("Baros_P[%d] = %v, want %d", j, got, 100000+j)
		}
		if got := p.buffers["0"][config.SensorBarosT][j][0]; got != float64(-10*j) {
			t.Errorf("Baros_T[%d] = %v, want %d", j, got, -10*j)
		}
	}
}

func TestDecodeDiffBarosRowMajorLayout(t *testing.T) {
	p := newTestParser(t)

	// All five sensors for sample 0, then sample 1, ...
	body := sensorBody(0, func(b []byte) {
		for i := 0; i < 24; i++ {
			for j := 0; j < 5; j++ {
				binary.LittleEndian.PutUint16(b[2*(5*i+j):], uint16(100*i+j))
			}
		}
	})

	sensors, err := p.decodePayload("0", "Diff. baros", body)
	if err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if len(sensors) != 1 || sensors[0] != config.SensorDiffBaros {
		t.Fatalf("sensors = %v, want [Diff_Baros]", sensors)
	}

	for i := 0; i < 24; i++ {
		for j := 0; j < 5; j++ {
			if got := p.buffers["0"][config.SensorDiffBaros][j][i]; got != float64(100*i+j) {
				t.Errorf("Diff_Baros[%d][%d] = %v, want %d", j, i, got, 100*i+j)
			}
		}
	}
}

func TestDecodeMicIsBigEndian(t *testing.T) {
	p := newTestParser(t)

	body := sensorBody(0, func(b []byte) {
		// Sample at stride index 0 lands at mic 0, in-packet sample 0.
		b[0], b[1], b[2] = 0x01, 0x02, 0x03
		// Stride index 5 lands at mic 0, in-packet sample 1.
		b[15], b[16], b[17] = 0xFF, 0xFF, 0xFF
		// Stride index 10 lands at mic 5, in-packet sample 0.
		b[30], b[31], b[32] = 0x80, 0x00, 0x00
	})

	if _, err := p.decodePayload("0", "Mic 0", body); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}

	mics := p.buffers["0"][config.SensorMics]
	if got := mics[0][0]; got != 0x010203 {
		t.Errorf("mics[0][0] = %v, want %d", got, 0x010203)
	}
	// Reversed endianness would have produced 0x030201.
	if mics[0][0] == 0x030201 {
		t.Error("microphone bytes were decoded little-endian")
	}
	if got := mics[0][1]; got != -1 {
		t.Errorf("mics[0][1] = %v, want -1", got)
	}
	if got := mics[5][0]; got != -(1 << 23) {
		t.Errorf("mics[5][0] = %v, want %d", got, -(1 << 23))
	}
}

func TestDecodeMicStridePattern(t *testing.T) {
	p := newTestParser(t)

	// Give every 3-byte slot its own stride index as a value.
	body := sensorBody(0, func(b []byte) {
		for k := 0; k < 80; k++ {
			b[3*k+2] = byte(k)
		}
	})

	if _, err := p.decodePayload("0", "Mic 0", body); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}

	mics := p.buffers["0"][config.SensorMics]
	for i := 0; i < 4; i++ {
		for j := 0; j < 5; j++ {
			index := float64(j + 20*i)
			if mics[j][2*i] != index {
				t.Errorf("mics[%d][%d] = %v, want %v", j, 2*i, mics[j][2*i], index)
			}
			if mics[j][2*i+1] != index+5 {
				t.Errorf("mics[%d][%d] = %v, want %v", j, 2*i+1, mics[j][2*i+1], index+5)
			}
			if mics[j+5][2*i] != index+10 {
				t.Errorf("mics[%d][%d] = %v, want %v", j+5, 2*i, mics[j+5][2*i], index+10)
			}
			if mics[j+5][2*i+1] != index+15 {
				t.Errorf("mics[%d][%d] = %v, want %v", j+5, 2*i+1, mics[j+5][2*i+1], index+15)
			}
		}
	}
}

func TestDecodeIMU(t *testing.T) {
	p := newTestParser(t)

	body := sensorBody(0, func(b []byte) {
		for i := 0; i < 40; i++ {
			binary.LittleEndian.PutUint16(b[6*i:], uint16(int16(1000)))
			negGyro := int16(-1000)
			binary.LittleEndian.PutUint16(b[6*i+2:], uint16(negGyro))
			binary.LittleEndian.PutUint16(b[6*i+4:], uint16(int16(i)))
		}
	})

	sensors, err := p.decodePayload("0", "IMU Gyro", body)
	if err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if len(sensors) != 1 || sensors[0] != config.SensorGyro {
		t.Fatalf("sensors = %v, want [Gyro]", sensors)
	}

	gyro := p.buffers["0"][config.SensorGyro]
	for i := 0; i < 40; i++ {
		if gyro[0][i] != 1000 || gyro[1][i] != -1000 || gyro[2][i] != float64(i) {
			t.Errorf("gyro sample %d = [%v %v %v], want [1000 -1000 %d]",
				i, gyro[0][i], gyro[1][i], gyro[2][i], i)
		}
	}
}

func TestDecodeAnalogVbat(t *testing.T) {
	p := newTestParser(t)

	body := sensorBody(0, func(b []byte) {
		for i := 0; i < 60; i++ {
			binary.LittleEndian.PutUint32(b[4*i:], 3700000)
		}
	})

	if _, err := p.decodePayload("0", "Analog Vbat", body); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if got := p.buffers["0"][config.SensorAnalogVbat][0][0]; got != 3.7 {
		t.Errorf("vbat = %v, want 3.7", got)
	}
}

func TestDecodeConstat(t *testing.T) {
	p := newTestParser(t)

	body := sensorBody(0, func(b []byte) {
		for i := 0; i < 24; i++ {
			offset := 10 * i
			binary.LittleEndian.PutUint32(b[offset:], math.Float32bits(-42.5))
			rssiRaw := int8(-60)
			b[offset+4] = byte(rssiRaw)
			b[offset+5] = byte(int8(8))
			binary.LittleEndian.PutUint32(b[offset+6:], 123456)
		}
	})

	if _, err := p.decodePayload("0", "Constat", body); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}

	constat := p.buffers["0"][config.SensorConstat]
	if constat[0][0] != -42.5 {
		t.Errorf("filtered RSSI = %v, want -42.5", constat[0][0])
	}
	if constat[1][0] != -60 {
		t.Errorf("raw RSSI = %v, want -60", constat[1][0])
	}
	if constat[2][0] != 8 {
		t.Errorf("tx power = %v, want 8", constat[2][0])
	}
	if constat[3][0] != 123456 {
		t.Errorf("heap counter = %v, want 123456", constat[3][0])
	}
}

func TestDecodeUnknownSemanticType(t *testing.T) {
	p := newTestParser(t)

	for _, packetType := range []string{"Analog1", "Analog2", "Analog Kinetron", "Timestamp Packet 0"} {
		_, err := p.decodePayload("0", packetType, sensorBody(0, nil))
		if err == nil {
			t.Errorf("decodePayload(%q) should fail", packetType)
			continue
		}
		unknown, ok := err.(*UnknownPacketTypeError)
		if !ok {
			t.Errorf("decodePayload(%q) error is %T, want *UnknownPacketTypeError", packetType, err)
			continue
		}
		if unknown.PacketType != packetType {
			t.Errorf("error names %q, want %q", unknown.PacketType, packetType)
		}
	}
}
