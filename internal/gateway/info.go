package gateway

import (
	"strconv"

	"bladewatch.io/gateway/internal/log"
)

// parseInfoFrame handles the non-sensor packet types: microphone state
// changes, command declines, sleep transitions, battery/status info and base
// station messages. These frames carry no samples; they are logged and, for
// sleep transitions, update parser state.
func (p *Parser) parseInfoFrame(origin, packetType string, payload []byte) {
	if len(payload) == 0 {
		log.GetLogger().Warnf("empty %q frame from %s", packetType, origin)
		return
	}

	switch packetType {
	case "Mic 1":
		switch payload[0] {
		case 1:
			log.GetLogger().Info("microphone data reading done")
		case 2:
			log.GetLogger().Info("microphone data erasing done")
		case 3:
			log.GetLogger().Info("microphones started")
		}

	case "Cmd Decline":
		reason := p.cfg.Nodes[origin].DeclineReasons[strconv.Itoa(int(payload[0]))]
		log.GetLogger().Infof("command declined: %s", reason)

	case "Sleep State":
		p.handleSleepState(origin, payload)

	case "Info Message", "Info message", "Remote Info Message":
		p.handleRemoteInfo(origin, payload)

	case "Local Info Message":
		label := p.cfg.Gateway.LocalInfoTypes[strconv.Itoa(int(payload[0]))]
		log.GetLogger().Infof("base station: %s", label)

	default:
		log.GetLogger().Debugf("ignoring %q frame from %s", packetType, origin)
	}
}

// handleSleepState flips the node's sleep flag. On wake-up every sensor's
// previous timestamp is reset so the sleep gap is not reported as packet
// loss.
func (p *Parser) handleSleepState(origin string, payload []byte) {
	node, ok := p.cfg.Nodes[origin]
	if !ok {
		return
	}

	state := strconv.Itoa(int(payload[0]))
	log.GetLogger().Infof("node %s: %s", origin, node.SleepStates[state])

	if payload[0] != 0 {
		p.asleep[origin] = true
		return
	}

	p.asleep[origin] = false
	for _, sensor := range node.SensorNames {
		p.prevTimestamp[origin][sensor] = noPreviousTimestamp
	}
}

// handleRemoteInfo decodes an info subtype; battery info carries voltage
// (µV), a cycle counter (centicycles) and state of charge (1/256 %).
func (p *Parser) handleRemoteInfo(origin string, payload []byte) {
	node, ok := p.cfg.Nodes[origin]
	if !ok {
		return
	}

	infoType := node.RemoteInfoTypes[strconv.Itoa(int(payload[0]))]
	log.GetLogger().Info(infoType)

	if infoType == "Battery info" {
		if len(payload) < 13 {
			log.GetLogger().Warnf("battery info frame from node %s is too short (%d bytes)", origin, len(payload))
			return
		}
		voltage := float64(p.byteOrder.Uint32(payload[1:5])) / 1e6
		cycle := float64(p.byteOrder.Uint32(payload[5:9])) / 100
		stateOfCharge := float64(p.byteOrder.Uint32(payload[9:13])) / 256

		log.GetLogger().Infof(
			"voltage: %fV, cycle count: %f, state of charge: %f%%", voltage, cycle, stateOfCharge)
	}
}
