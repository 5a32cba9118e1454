package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsReturnsAllMetrics(t *testing.T) {
	cs := Collectors()
	if len(cs) != 4 {
		t.Fatalf("Collectors() returned %d collectors, want 4", len(cs))
	}
}

func TestMustRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("a freshly registered metric set should gather at least one family")
	}
}

func TestReportTableOccupancyDoesNotPanic(t *testing.T) {
	ctx := newTestContext(t)
	var d DestHash
	d[0] = 1
	ctx.Transport.Path.Put(d, &PathEntry{}, nowUnix())

	ctx.Transport.reportTableOccupancy()
}
