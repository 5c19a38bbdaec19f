package routine

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bladewatch.io/gateway/internal/log"
)

// RunInteractive forwards command lines from input to the serial port until
// "stop" is received or the stop flag is raised. Every line is appended to
// commands.txt in the session directory. "sleep <n>" pauses this task for n
// seconds without being forwarded.
func RunInteractive(input io.Reader, port io.Writer, sessionDir string, stop *atomic.Bool) {
	recordPath := filepath.Join(sessionDir, "commands.txt")

	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if stop.Load() {
			return
		}

		line := scanner.Text() + "\n"
		recordCommand(recordPath, line)

		if n, ok := parseSleep(line); ok {
			time.Sleep(time.Duration(n) * time.Second)
			continue
		}

		if _, err := port.Write([]byte(line)); err != nil {
			log.GetLogger().WithError(err).Error("could not write command to the serial port")
			continue
		}

		if strings.TrimSpace(line) == stopCommand {
			log.GetLogger().Info("sending stop signal")
			stop.Store(true)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.GetLogger().WithError(err).Error("interactive command input failed")
	}
}

func recordCommand(path, line string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.GetLogger().WithError(err).Warnf("could not open %s", path)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		log.GetLogger().WithError(err).Warnf("could not append to %s", path)
	}
}

func parseSleep(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "sleep" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
