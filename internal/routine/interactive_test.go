package routine

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bladewatch.io/gateway/internal/serialport"
)

func TestInteractiveForwardsCommandsAndRecordsThem(t *testing.T) {
	dir := t.TempDir()
	port := serialport.NewDummy()
	var stop atomic.Bool

	start := time.Now()
	RunInteractive(strings.NewReader("startMics\nsleep 1\ngetBattery\nstop\n"), port, dir, &stop)

	assert.True(t, stop.Load(), "stop must raise the stop flag")
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "sleep must pause the task")

	// sleep lines are not forwarded to the port.
	assert.Equal(t, "startMics\ngetBattery\nstop\n", string(port.Written()))

	record, err := os.ReadFile(filepath.Join(dir, "commands.txt"))
	require.NoError(t, err)
	assert.Equal(t, "startMics\nsleep 1\ngetBattery\nstop\n", string(record))
}

func TestInteractiveStopsReadingAfterStop(t *testing.T) {
	dir := t.TempDir()
	port := serialport.NewDummy()
	var stop atomic.Bool

	RunInteractive(strings.NewReader("stop\nstartMics\n"), port, dir, &stop)

	// Nothing after stop is forwarded or recorded.
	assert.Equal(t, "stop\n", string(port.Written()))

	record, err := os.ReadFile(filepath.Join(dir, "commands.txt"))
	require.NoError(t, err)
	assert.Equal(t, "stop\n", string(record))
}
