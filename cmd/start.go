package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bladewatch.io/gateway/internal/gateway"
	"bladewatch.io/gateway/internal/log"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start reading and persisting sensor data",
	Long: `Start the gateway: read framed packets from the serial port, parse
them into per-sensor time series and persist fixed-duration windows locally
and/or to a cloud bucket. Commands are sent to the sensors from a routine
file, or typed on stdin with --interactive.`,
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()

	f.String("serial-port", "", "serial port device to read from")
	f.String("config-file", "config.json", "path to the gateway configuration file")
	f.String("routine-file", "routine.json", "path to a sensor command routine file")
	f.String("stop-routine-file", "stop_routine.json", "path to the routine run at shutdown with --stop-sensors-on-exit")
	f.Bool("save-locally", false, "save data windows to the local filesystem")
	f.Bool("upload-to-cloud", true, "upload data windows to the cloud bucket")
	f.BoolP("interactive", "i", false, "forward commands typed on stdin to the sensors")
	f.String("output-dir", "data_gateway", "directory for session output, locally and in the bucket")
	f.Float64("window-size", 600, "window duration in seconds")
	f.String("bucket-name", "", "cloud bucket to upload windows to")
	f.String("label", "", "label associated with this measurement session")
	f.Bool("save-csv-files", false, "also mirror windows into per-sensor CSV files")
	f.Bool("use-dummy-serial-port", false, "replace the serial port with an in-memory dummy")
	f.String("log-level", "info", "log level: debug|info|warn|error")
	f.String("log-format", "text", "log format: text|json")
	f.Bool("stop-sensors-on-exit", false, "run the stop routine before shutting down")
	f.Int64("storage-limit", 0, "local storage cap in bytes (0 = unlimited)")
	f.Float64("upload-timeout", 60, "per-window upload timeout in seconds")
	f.Int("queue-size", 0, "reader-to-parser queue capacity (0 = default)")
	f.String("metrics-listen", "", "address to expose Prometheus metrics on (empty = disabled)")
	f.Float64("stop-when-no-more-data-after", 0, "stop after this many quiet seconds (0 = run until stopped)")

	_ = startCmd.MarkFlagRequired("serial-port")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Flags can be overlaid from GATEWAY_* environment variables; the core
	// itself never reads the environment.
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := log.Init(v.GetString("log-level"), v.GetString("log-format")); err != nil {
		return err
	}

	g, err := gateway.New(gateway.Options{
		SerialPortName:     v.GetString("serial-port"),
		ConfigurationPath:  v.GetString("config-file"),
		RoutinePath:        v.GetString("routine-file"),
		StopRoutinePath:    v.GetString("stop-routine-file"),
		SaveLocally:        v.GetBool("save-locally"),
		UploadToCloud:      v.GetBool("upload-to-cloud"),
		Interactive:        v.GetBool("interactive"),
		OutputDirectory:    v.GetString("output-dir"),
		WindowSize:         secondsFlag(v, "window-size"),
		BucketName:         v.GetString("bucket-name"),
		Label:              v.GetString("label"),
		SaveCSVFiles:       v.GetBool("save-csv-files"),
		UseDummySerialPort: v.GetBool("use-dummy-serial-port"),
		StopSensorsOnExit:  v.GetBool("stop-sensors-on-exit"),
		StorageLimit:       v.GetInt64("storage-limit"),
		UploadTimeout:      secondsFlag(v, "upload-timeout"),
		QueueSize:          v.GetInt("queue-size"),
		MetricsListen:      v.GetString("metrics-listen"),
	})
	if err != nil {
		return err
	}

	return g.Start(secondsFlag(v, "stop-when-no-more-data-after"))
}

func secondsFlag(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}
