/*
DESCRIPTION
  metrics.go provides the Prometheus metrics exported by the booth.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package metrics provides Prometheus metrics for the booth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageTransitionsTotal counts entries into each controller stage.
	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_stage_transitions_total",
		Help: "Total number of controller stage entries, by stage.",
	}, []string{"stage"})

	// CaptureStartTotal counts capture process starts by kind.
	CaptureStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_capture_start_total",
		Help: "Total number of capture processes started, by kind (preview/record).",
	}, []string{"kind"})

	// CaptureRejectTotal counts capture requests rejected because the camera
	// was in use.
	CaptureRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_capture_reject_total",
		Help: "Total number of capture requests rejected as busy, by kind.",
	}, []string{"kind"})

	// ProcessReapTotal counts how capture processes ended when released.
	ProcessReapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_process_reap_total",
		Help: "Total number of capture process releases, by result (exited/terminated/killed/unreaped).",
	}, []string{"result"})

	// RecordingTotal counts recordings by outcome.
	RecordingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_recording_total",
		Help: "Total number of recordings, by result (processed/raw/failed).",
	}, []string{"result"})

	// ScanTotal counts identity scans.
	ScanTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booth_scan_total",
		Help: "Total number of identity tags read.",
	})

	// UploadTotal counts uploads of finalized recordings by outcome.
	UploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booth_upload_total",
		Help: "Total number of recording uploads, by result (success/failure).",
	}, []string{"result"})

	// LiveViewers tracks open live preview streams.
	LiveViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booth_live_viewers",
		Help: "Current number of open live preview streams.",
	})
)

// IncUpload records an upload outcome.
func IncUpload(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	UploadTotal.WithLabelValues(result).Inc()
}
