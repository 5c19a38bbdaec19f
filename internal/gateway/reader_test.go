package gateway

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bladewatch.io/gateway/internal/config"
	"bladewatch.io/gateway/internal/serialport"
)

func frameBytes(lead, packetType byte, body []byte) []byte {
	out := []byte{lead, packetType, byte(len(body))}
	return append(out, body...)
}

func TestReaderExtractsFramesAndResynchronizes(t *testing.T) {
	cfg := config.Default()
	port := serialport.NewDummy()
	port.ReadTimeout = 5 * time.Millisecond

	// Noise between frames must be discarded silently.
	port.FeedBytes([]byte{0x00, 0x13, 0x37})
	port.FeedBytes(frameBytes(0xF5, 52, []byte{1, 2, 3}))
	port.FeedBytes([]byte{0xAB})
	port.FeedBytes(frameBytes(0xFE, 64, []byte{128}))

	queue := make(chan Frame, 4)
	var stop atomic.Bool
	reader := NewReader(port, cfg, queue, &stop)

	done := make(chan struct{})
	go func() {
		reader.Run()
		close(done)
	}()

	first := receiveFrame(t, queue)
	assert.Equal(t, "0", first.Origin)
	assert.Equal(t, byte(52), first.Type)
	assert.Equal(t, []byte{1, 2, 3}, first.Body)
	assert.False(t, first.ReceivedAt.IsZero())

	second := receiveFrame(t, queue)
	assert.Equal(t, config.BaseStationID, second.Origin)
	assert.Equal(t, byte(64), second.Type)
	assert.Equal(t, []byte{128}, second.Body)

	stop.Store(true)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop within one cycle")
	}
}

func TestReaderDropsPartialFrameOnStop(t *testing.T) {
	cfg := config.Default()
	port := serialport.NewDummy()
	port.ReadTimeout = 5 * time.Millisecond

	// A frame header promising 10 body bytes that never arrive.
	port.FeedBytes([]byte{0xF5, 52, 10, 1, 2})

	queue := make(chan Frame, 1)
	var stop atomic.Bool
	reader := NewReader(port, cfg, queue, &stop)

	done := make(chan struct{})
	go func() {
		reader.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	stop.Store(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop while awaiting a partial frame")
	}

	require.Empty(t, queue, "a partial frame must not be enqueued")
}

func TestReaderExitRaisesStopForSiblings(t *testing.T) {
	cfg := config.Default()
	port := serialport.NewDummy()
	port.ReadTimeout = time.Millisecond

	queue := make(chan Frame, 1)
	var stop atomic.Bool
	reader := NewReader(port, cfg, queue, &stop)

	stop.Store(true)
	reader.Run()
	assert.True(t, stop.Load())
}

func receiveFrame(t *testing.T, queue <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-queue:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return Frame{}
	}
}
