package hlc

import "testing"

func nodeID(b byte) [NodeIDSize]byte {
	var id [NodeIDSize]byte
	id[0] = b
	return id
}

func TestNowMonotonic(t *testing.T) {
	tick := uint64(100)
	clk := New(nodeID(1), func() uint64 { return tick })

	first := clk.Now()
	second := clk.Now()
	if !first.Less(second) {
		t.Fatalf("expected %s < %s", first, second)
	}

	tick = 50 // physical clock regresses
	third := clk.Now()
	if !second.Less(third) {
		t.Fatalf("expected %s < %s after physical regression", second, third)
	}
}

func TestUpdateExceedsBothInputs(t *testing.T) {
	tick := uint64(10)
	clk := New(nodeID(1), func() uint64 { return tick })

	local := clk.Now()
	remote := Timestamp{Physical: 10, Logical: 5, NodeID: nodeID(2)}

	result := clk.Update(remote)
	if !local.Less(result) {
		t.Fatalf("result %s must exceed local %s", result, local)
	}
	if !remote.Less(result) {
		t.Fatalf("result %s must exceed remote %s", result, remote)
	}
}

func TestCompareOrdersByPhysicalThenLogicalThenNode(t *testing.T) {
	a := Timestamp{Physical: 100, Logical: 0, NodeID: nodeID(1)}
	b := Timestamp{Physical: 100, Logical: 0, NodeID: nodeID(2)}
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b on node id tie-break")
	}

	c := Timestamp{Physical: 100, Logical: 1, NodeID: nodeID(1)}
	if a.Compare(c) >= 0 {
		t.Fatalf("expected lower logical counter to sort first")
	}
}

func TestUpdateSequenceStaysIncreasing(t *testing.T) {
	tick := uint64(1)
	clk := New(nodeID(3), func() uint64 { return tick })

	prev := clk.Now()
	for i := 0; i < 50; i++ {
		remote := Timestamp{Physical: tick, Logical: uint64(i % 3), NodeID: nodeID(9)}
		next := clk.Update(remote)
		if !prev.Less(next) {
			t.Fatalf("iteration %d: %s did not exceed %s", i, next, prev)
		}
		prev = next
		if i%7 == 0 {
			tick++
		}
	}
}
