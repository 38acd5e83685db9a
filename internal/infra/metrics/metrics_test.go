//go:build !integration

package metrics

import (
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	t.Run("should expose every queued collector on a registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := Register(reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
		SetBuildInfo("v1.2.3", "abc123")
		SetJobStoreConns(10, 4, 3, 1)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		byName := map[string]bool{}
		for _, f := range families {
			byName[f.GetName()] = true
			if f.GetName() != "hydration_queue_build_info" {
				continue
			}
			labels := map[string]string{}
			for _, l := range f.GetMetric()[0].GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["version"] != "v1.2.3" || labels["commit"] != "abc123" || labels["go_version"] != runtime.Version() {
				t.Errorf("unexpected build labels %v", labels)
			}
		}
		for _, name := range []string{"hydration_queue_build_info", "job_store_connections"} {
			if !byName[name] {
				t.Errorf("%s not gathered", name)
			}
		}
	})

	t.Run("should refuse to register twice on one registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := Register(reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := Register(reg); err == nil {
			t.Fatal("expected a duplicate registration error")
		}
	})
}
