// Package metrics exports the outcome of a fleet run in the Prometheus
// textfile format for node_exporter.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/cmsfleet/internal/logging"
)

// InstanceMetrics is the outcome for one instance of a run.
type InstanceMetrics struct {
	ID       int64
	Name     string
	Success  bool
	Bytes    int64
	Duration time.Duration
	// Drift counts new, modified and deleted files found by a check.
	Drift int
}

// RunMetrics is one run of an operation over a selection of instances.
type RunMetrics struct {
	Operation string
	Hostname  string
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	Instances []InstanceMetrics
}

// PrometheusExporter writes run metrics into textfileDir, one file per
// operation so a check does not overwrite the last backup.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter returns an exporter writing below textfileDir.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// FileName is the textfile written for operation.
func FileName(operation string) string {
	return "cmsfleet_" + strings.ReplaceAll(operation, "-", "_") + ".prom"
}

// Export writes m atomically to <textfileDir>/cmsfleet_<operation>.prom.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	reg, err := buildRegistry(m)
	if err != nil {
		return err
	}
	path := filepath.Join(pe.textfileDir, FileName(m.Operation))
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics file %s: %w", path, err)
	}
	pe.logger.Debug("Prometheus metrics written to %s", path)
	return nil
}

func buildRegistry(m *RunMetrics) (*prometheus.Registry, error) {
	runLabels := prometheus.Labels{"operation": m.Operation, "hostname": m.Hostname}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cmsfleet", Name: name, Help: help, ConstLabels: runLabels,
		}, nil)
	}
	perInstance := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cmsfleet", Name: name, Help: help, ConstLabels: runLabels,
		}, []string{"instance"})
	}

	start := gauge("run_start_time_seconds", "Unix time the run started")
	end := gauge("run_end_time_seconds", "Unix time the run finished")
	duration := gauge("run_duration_seconds", "Wall time of the run")
	exitCode := gauge("run_exit_code", "Process exit code of the run")
	processed := gauge("run_instances_total", "Instances selected for the run")
	failed := gauge("run_instances_failed", "Instances whose operation failed")

	success := perInstance("instance_success", "1 when the operation succeeded on the instance")
	bytes := perInstance("instance_bytes", "Bytes written for the instance")
	instDuration := perInstance("instance_duration_seconds", "Time spent on the instance")
	drift := perInstance("instance_drift_files", "Files that differ from the checksum baseline")

	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{start, end, duration, exitCode, processed, failed, success, bytes, instDuration, drift} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	start.WithLabelValues().Set(float64(m.StartTime.Unix()))
	end.WithLabelValues().Set(float64(m.EndTime.Unix()))
	duration.WithLabelValues().Set(m.EndTime.Sub(m.StartTime).Seconds())
	exitCode.WithLabelValues().Set(float64(m.ExitCode))
	processed.WithLabelValues().Set(float64(len(m.Instances)))

	nFailed := 0
	for _, inst := range m.Instances {
		label := fmt.Sprintf("%d-%s", inst.ID, inst.Name)
		ok := 0.0
		if inst.Success {
			ok = 1
		} else {
			nFailed++
		}
		success.WithLabelValues(label).Set(ok)
		bytes.WithLabelValues(label).Set(float64(inst.Bytes))
		instDuration.WithLabelValues(label).Set(inst.Duration.Seconds())
		drift.WithLabelValues(label).Set(float64(inst.Drift))
	}
	failed.WithLabelValues().Set(float64(nFailed))
	return reg, nil
}
