// Package routine fires sensor command sequences onto the serial link, either
// from a scheduled routine file or interactively from standard input.
package routine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"bladewatch.io/gateway/internal/log"
)

// stopCommand halts the whole gateway when scheduled or typed.
const stopCommand = "stop"

// pollInterval is how often sleeping loops observe the stop flag.
const pollInterval = 50 * time.Millisecond

// Command is a single routine entry: a command string fired at the given
// offset from cycle start.
type Command struct {
	Name  string
	Delay time.Duration
}

// Routine fires a finite command list at configured delays, optionally
// repeating each period until stop_after elapses, the stop flag is raised,
// or a "stop" command fires.
type Routine struct {
	commands  []Command
	period    time.Duration
	stopAfter time.Duration
	action    func(string)
	stop      *atomic.Bool
}

// New validates and builds a routine. Delays must not exceed the period, and
// stop_after must be at least one period; stop_after without a period is
// accepted but ignored.
func New(commands map[string]float64, period, stopAfter float64, action func(string), stop *atomic.Bool) (*Routine, error) {
	if len(commands) == 0 {
		return nil, errors.New("routine: no commands given")
	}

	r := &Routine{
		period:    secondsToDuration(period),
		stopAfter: secondsToDuration(stopAfter),
		action:    action,
		stop:      stop,
	}

	for name, delay := range commands {
		if delay < 0 {
			return nil, fmt.Errorf("routine: command %q has a negative delay", name)
		}
		if r.period > 0 && secondsToDuration(delay) > r.period {
			return nil, fmt.Errorf(
				"routine: the delay for command %q must be less than or equal to the period", name)
		}
		r.commands = append(r.commands, Command{Name: name, Delay: secondsToDuration(delay)})
	}

	sort.Slice(r.commands, func(i, j int) bool {
		if r.commands[i].Delay != r.commands[j].Delay {
			return r.commands[i].Delay < r.commands[j].Delay
		}
		return r.commands[i].Name < r.commands[j].Name
	})

	if r.stopAfter > 0 {
		if r.period == 0 {
			log.GetLogger().Warn("routine: stop_after has no effect without a period - ignoring it")
			r.stopAfter = 0
		} else if r.stopAfter < r.period {
			return nil, errors.New("routine: stop_after must be at least as long as the period")
		}
	}

	return r, nil
}

// Load reads a routine file (JSON or YAML) with a "commands" map of command
// name to delay seconds and optional "period" and "stop_after" fields.
// Command names are case-sensitive device commands, so the file is parsed
// with a key-preserving decoder.
func Load(path string, action func(string), stop *atomic.Bool) (*Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routine %s: %w", path, err)
	}

	var doc struct {
		Commands  map[string]float64 `yaml:"commands"`
		Period    float64            `yaml:"period"`
		StopAfter float64            `yaml:"stop_after"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routine %s: %w", path, err)
	}

	r, err := New(doc.Commands, doc.Period, doc.StopAfter, action, stop)
	if err != nil {
		return nil, fmt.Errorf("routine %s: %w", path, err)
	}
	return r, nil
}

// Run executes the routine until it finishes or is stopped. Blocking; run it
// in its own goroutine.
func (r *Routine) Run() {
	start := time.Now()

	for {
		cycleStart := time.Now()

		for _, cmd := range r.commands {
			if !r.sleepUntil(cycleStart.Add(cmd.Delay)) {
				return
			}

			r.action(cmd.Name)
			log.GetLogger().Debugf("routine sent command %q", cmd.Name)

			if cmd.Name == stopCommand {
				log.GetLogger().Info("routine sent the stop command - stopping the gateway")
				r.stop.Store(true)
				return
			}
		}

		if r.period == 0 {
			return
		}
		if !r.sleepUntil(cycleStart.Add(r.period)) {
			return
		}
		if r.stopAfter > 0 && time.Since(start) >= r.stopAfter {
			log.GetLogger().Infof("routine ran for its configured %s - stopping it", r.stopAfter)
			return
		}
	}
}

// sleepUntil waits for the deadline while polling the stop flag; it reports
// whether the routine should keep running.
func (r *Routine) sleepUntil(deadline time.Time) bool {
	for {
		if r.stop.Load() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
