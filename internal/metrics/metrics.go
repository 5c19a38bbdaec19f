// Package metrics implements Prometheus metrics for the gateway data plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReadTotal counts well-formed frames read from the serial link.
	FramesReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_read_total",
			Help: "Total number of well-formed frames read from the serial link",
		},
		[]string{"origin"},
	)

	// ResyncBytesTotal counts bytes discarded while searching for a frame
	// boundary.
	ResyncBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_resync_bytes_total",
			Help: "Total number of non-frame bytes discarded during resynchronization",
		},
	)

	// RxBufferFullTotal counts sightings of a full serial receive buffer.
	RxBufferFullTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rx_buffer_full_total",
			Help: "Times the serial receive buffer was observed full",
		},
	)

	// PacketsParsedTotal counts parsed sensor packets by node and sensor.
	PacketsParsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_packets_parsed_total",
			Help: "Total number of sensor packets parsed",
		},
		[]string{"node", "sensor"},
	)

	// ParseErrorsTotal counts records dropped by the parser.
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_parse_errors_total",
			Help: "Total number of records dropped by the parser",
		},
		[]string{"reason"},
	)

	// PacketLossSuspectedTotal counts packet-loss warnings by node and sensor.
	PacketLossSuspectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_packet_loss_suspected_total",
			Help: "Total number of suspected packet losses",
		},
		[]string{"node", "sensor"},
	)

	// WindowsPersistedTotal counts finalized windows by sink.
	WindowsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_windows_persisted_total",
			Help: "Total number of windows handed to a persistence sink",
		},
		[]string{"sink"},
	)

	// UploadFailuresTotal counts failed object-store uploads.
	UploadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upload_failures_total",
			Help: "Total number of failed window uploads",
		},
	)

	// BackupRetriesTotal counts backup windows re-uploaded successfully.
	BackupRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_backup_retries_total",
			Help: "Total number of backup windows uploaded on retry",
		},
	)
)
