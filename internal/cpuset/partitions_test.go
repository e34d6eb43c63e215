package cpuset

import (
	"reflect"
	"testing"

	idset "github.com/intel/goresctrl/pkg/utils"
)

func newPartitions(t *testing.T, ncpu int) *Partitions {
	t.Helper()
	possible := idset.NewIDSet()
	for cpu := 0; cpu < ncpu; cpu++ {
		possible.Add(cpu)
	}
	return New(possible, nil)
}

func TestPartitions_DefineRejectsUnknownCPU(t *testing.T) {
	p := newPartitions(t, 4)
	if err := p.Define("big", []int{2, 7}, false); err == nil {
		t.Fatalf("expected error for cpu outside the possible set")
	}
	if err := p.Define("empty", nil, false); err == nil {
		t.Fatalf("expected error for empty partition")
	}
}

func TestPartitions_ExclusiveConflict(t *testing.T) {
	p := newPartitions(t, 4)
	if err := p.Define("rt", []int{0, 1}, true); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := p.Define("batch", []int{1, 2}, true); err == nil {
		t.Fatalf("expected conflict error")
	}
	// shared partitions may overlap exclusive ones
	if err := p.Define("shared", []int{1, 2}, false); err != nil {
		t.Fatalf("define shared: %v", err)
	}
	// redefining the owner is allowed
	if err := p.Define("rt", []int{0}, true); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	if err := p.Define("batch", []int{1, 2}, true); err != nil {
		t.Fatalf("expected cpu 1 to be free after redefine: %v", err)
	}
}

func TestPartitions_CPUsForTask(t *testing.T) {
	p := newPartitions(t, 4)
	if err := p.Define("little", []int{0, 1}, false); err != nil {
		t.Fatalf("define: %v", err)
	}
	if got := p.CPUsForTask(42).SortedMembers(); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("unattached task should see all cpus, got %v", got)
	}
	if err := p.Attach(42, "little"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := p.CPUsForTask(42).SortedMembers(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("unexpected cpus %v", got)
	}
	if err := p.Remove("little"); err == nil {
		t.Fatalf("expected remove to fail while a task is attached")
	}
	p.Detach(42)
	if err := p.Remove("little"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.Attach(42, "little"); err == nil {
		t.Fatalf("expected attach to a removed partition to fail")
	}
}

func TestFromConfig(t *testing.T) {
	possible := idset.NewIDSet(0, 1, 2, 3)
	p, err := FromConfig(possible, map[string]string{"bg": "0-1", "fg": "2,3"}, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	snap := p.Snapshot()
	if !reflect.DeepEqual(snap["bg"], []int{0, 1}) || !reflect.DeepEqual(snap["fg"], []int{2, 3}) {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if _, err := FromConfig(possible, map[string]string{"bad": "9"}, nil); err == nil {
		t.Fatalf("expected error for cpu outside the host")
	}
}
