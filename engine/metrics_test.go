package engine

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersAgainstGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.InstancesStarted.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "cpgflow_instances_started_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cpgflow_instances_started_total registered, got %v", families)
	}
}

func TestNewMetricsTwoRegistriesDoNotCollide(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	// Two independent Metrics instances backed by distinct registries must
	// not panic on duplicate registration, unlike sharing one registerer.
	NewMetrics(reg1)
	NewMetrics(reg2)
}

func TestObserveStepLatencyRecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveStepLatency("A", "success", 125*time.Millisecond)

	families, _ := reg.Gather()
	var histo *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cpgflow_step_latency_ms" {
			histo = f
		}
	}
	if histo == nil || len(histo.Metric) != 1 {
		t.Fatalf("expected one step_latency_ms sample, got %v", histo)
	}
	if histo.Metric[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected sample count 1, got %+v", histo.Metric[0].GetHistogram())
	}
}

func TestObserveCompensationIncrementsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveCompensation(CompRetryScheduled)
	m.ObserveCompensation(CompRetryScheduled)
	m.ObserveCompensation(CompAlternated)

	families, _ := reg.Gather()
	var counter *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cpgflow_compensation_outcomes_total" {
			counter = f
		}
	}
	if counter == nil {
		t.Fatalf("expected compensation_outcomes_total registered")
	}
	totals := map[string]float64{}
	for _, metric := range counter.Metric {
		for _, lbl := range metric.Label {
			if lbl.GetName() == "outcome" {
				totals[lbl.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if totals["retry"] != 2 || totals["alternate"] != 1 {
		t.Fatalf("expected retry=2 alternate=1, got %+v", totals)
	}
}
