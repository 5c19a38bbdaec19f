package config

// Sensor names as they appear in node configurations and window files.
const (
	SensorMics        = "Mics"
	SensorBarosP      = "Baros_P"
	SensorBarosT      = "Baros_T"
	SensorDiffBaros   = "Diff_Baros"
	SensorAcc         = "Acc"
	SensorGyro        = "Gyro"
	SensorMag         = "Mag"
	SensorAnalogVbat  = "Analog Vbat"
	SensorConstat     = "Constat"
	SensorBatteryInfo = "battery_info"
)

// BaseStationID is the origin id used for frames prefixed with the packet key
// itself rather than a node offset.
const BaseStationID = "base-station"

// HandleDefinitionPacketType is the raw packet type carrying a handle table
// redefinition. It bypasses the per-node handle table.
const HandleDefinitionPacketType = 0xFF

// DefaultSensorNames lists the sensors present on a default node, in the
// order their handles are assigned.
var DefaultSensorNames = []string{
	SensorMics,
	SensorBarosP,
	SensorBarosT,
	SensorDiffBaros,
	SensorAcc,
	SensorGyro,
	SensorMag,
	SensorAnalogVbat,
	SensorConstat,
	SensorBatteryInfo,
}

var defaultInitialGatewayHandles = map[string]string{
	"64": "Local Info Message",
}

var defaultInitialNodeHandles = map[string]string{
	"34": "Abs. baros",
	"36": "Diff. baros",
	"38": "Mic 0",
	"40": "Mic 1",
	"42": "IMU Accel",
	"44": "IMU Gyro",
	"46": "IMU Magnetometer",
	"48": "Analog1",
	"50": "Analog2",
	"52": "Constat",
	"54": "Cmd Decline",
	"56": "Sleep State",
	"58": "Remote Info Message",
	"60": "Timestamp Packet 0",
	"62": "Timestamp Packet 1",
	"64": "Local Info Message",
}

var defaultDeclineReasons = map[string]string{
	"0": "Bad block detection ongoing",
	"1": "Task already registered, cannot register again",
	"2": "Task is not registered, cannot de-register",
	"3": "Connection parameter update unfinished",
	"4": "Not ready to sleep",
	"5": "Not in sleep",
}

var defaultSleepStates = map[string]string{
	"0": "Exiting sleep",
	"1": "Entering sleep",
}

var defaultRemoteInfoTypes = map[string]string{
	"0": "Battery info",
	"1": "Status feedback",
}

var defaultLocalInfoTypes = map[string]string{
	"0":   "Synchronization not ready as not every sensor node is connected",
	"1":   "Time synchronization info",
	"2":   "Time sync exception",
	"4":   "Time sync coarse data record error",
	"8":   "Time sync alignment error",
	"16":  "Time sync coarse data time diff error",
	"32":  "Device not connected",
	"64":  "Select message destination successful",
	"128": "Time sync success",
	"129": "Coarse sync finish",
	"130": "Time sync msg sent",
	"240": "Command not registered",
}

var defaultSamplesPerPacket = map[string]int{
	SensorMics:        8,
	SensorDiffBaros:   24,
	SensorBarosP:      1,
	SensorBarosT:      1,
	SensorAcc:         40,
	SensorGyro:        40,
	SensorMag:         40,
	SensorAnalogVbat:  60,
	SensorConstat:     24,
	SensorBatteryInfo: 1,
}

var defaultNumberOfSensors = map[string]int{
	SensorMics:        10,
	SensorBarosP:      40,
	SensorBarosT:      40,
	SensorDiffBaros:   5,
	SensorAcc:         3,
	SensorGyro:        3,
	SensorMag:         3,
	SensorAnalogVbat:  2,
	SensorConstat:     4,
	SensorBatteryInfo: 3,
}

var defaultConversionConstants = map[string]interface{}{
	SensorMics:        1.0,
	SensorDiffBaros:   1.0,
	SensorBarosP:      40.96,
	SensorBarosT:      100.0,
	SensorAcc:         1.0,
	SensorGyro:        1.0,
	SensorMag:         1.0,
	SensorAnalogVbat:  1.0,
	SensorConstat:     1.0,
	SensorBatteryInfo: 1.0,
}

var defaultSensorCommands = map[string][]string{
	"start":         {"startBaros", "startDiffBaros", "startIMU", "startMics"},
	"stop":          {"stopBaros", "stopDiffBaros", "stopIMU", "stopMics"},
	"configuration": {"configBaros", "configAccel", "configGyro", "configMics"},
	"utilities": {
		"getBattery",
		"setConnInterval",
		"tpcBoostIncrease",
		"tpcBoostDecrease",
		"tpcBoostHeapMemThr1",
		"tpcBoostHeapMemThr2",
		"tpcBoostHeapMemThr4",
	},
}

// DefaultGateway returns the receiver defaults for the shipping base station.
func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		BaudRate:                2300000,
		Endian:                  "little",
		SerialBufferRxSize:      4095,
		SerialBufferTxSize:      1280,
		PacketKey:               0xFE,
		PacketKeyOffset:         0xF5,
		InstallationReference:   "unknown",
		TurbineID:               "unknown",
		ReceiverFirmwareVersion: "unknown",
		InitialGatewayHandles:   copyStringMap(defaultInitialGatewayHandles),
		LocalInfoTypes:          copyStringMap(defaultLocalInfoTypes),
	}
}

// DefaultNode returns the sensor defaults for a shipping measurement node.
func DefaultNode() *NodeConfig {
	return &NodeConfig{
		BladeID:             "unknown",
		NodeFirmwareVersion: "unknown",
		MicsFreq:            15625,
		BarosFreq:           100,
		DiffBarosFreq:       1000,
		AccFreq:             100,
		GyroFreq:            100,
		MagFreq:             12.5,
		AnalogFreq:          16384,
		ConstatPeriod:       45,
		BatteryInfoPeriod:   3600,
		MaxTimestampSlack:   5e-3,
		MaxPeriodDrift:      0.02,
		HandleTableSpan:     26,
		SensorNames:         append([]string(nil), DefaultSensorNames...),
		SamplesPerPacket:    copyIntMap(defaultSamplesPerPacket),
		NumberOfSensors:     copyIntMap(defaultNumberOfSensors),
		ConversionConstants: copyAnyMap(defaultConversionConstants),
		InitialNodeHandles:  copyStringMap(defaultInitialNodeHandles),
		DeclineReasons:      copyStringMap(defaultDeclineReasons),
		SleepStates:         copyStringMap(defaultSleepStates),
		RemoteInfoTypes:     copyStringMap(defaultRemoteInfoTypes),
		SensorCommands:      copyStringSliceMap(defaultSensorCommands),
	}
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringSliceMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
