package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	job := "outbox-retention"
	m.ObserveRun(job, 250*time.Millisecond, nil)
	m.ObserveRun(job, 100*time.Millisecond, errors.New("db down"))
	m.ObserveRun(job, 50*time.Millisecond, nil)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	runs := findMetricFamily(mfs, "cron_job_runs_total")
	if got := sampleFor(runs, map[string]string{"job": job, "result": "success"}).GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 successful runs, got %f", got)
	}
	if got := sampleFor(runs, map[string]string{"job": job, "result": "failure"}).GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 failed run, got %f", got)
	}

	duration := sampleFor(findMetricFamily(mfs, "cron_job_duration_seconds"), map[string]string{"job": job}).GetHistogram()
	if duration.GetSampleCount() != 3 || duration.GetSampleSum() < 0.39 {
		t.Fatalf("unexpected duration histogram count=%d sum=%f", duration.GetSampleCount(), duration.GetSampleSum())
	}

	last := sampleFor(findMetricFamily(mfs, "cron_job_last_success_timestamp_seconds"), map[string]string{"job": job})
	if got := last.GetGauge().GetValue(); got != 1_700_000_000 {
		t.Fatalf("unexpected last success timestamp %f", got)
	}
}

func TestCronJobMetricsNilIsNoop(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveRun("job", time.Second, nil)

	if NewCronJobMetrics(nil) != nil {
		t.Fatal("expected nil metrics without a registerer")
	}
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// sampleFor returns the series of mf whose labels include all of want.
func sampleFor(mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, metric := range mf.GetMetric() {
		matched := 0
		for _, label := range metric.GetLabel() {
			if v, ok := want[label.GetName()]; ok && v == label.GetValue() {
				matched++
			}
		}
		if matched == len(want) {
			return metric
		}
	}
	return nil
}
