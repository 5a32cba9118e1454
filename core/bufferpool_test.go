package core

import "testing"

func TestBufferPoolGetPut(t *testing.T) {
	pool := NewBufferPool([4]int{2, 2, 2, 2})

	tier, backing := pool.get(10)
	if tier != 0 {
		t.Fatalf("10-byte request should land in tier 0, got %d", tier)
	}
	if cap(backing) < tierSizes[0] {
		t.Fatalf("backing capacity %d below tier size %d", cap(backing), tierSizes[0])
	}

	free, _ := pool.Stats()
	if free[0] != 1 {
		t.Fatalf("tier 0 free slots = %d, want 1", free[0])
	}

	pool.put(tier, backing)
	free, _ = pool.Stats()
	if free[0] != 2 {
		t.Fatalf("tier 0 free slots after put = %d, want 2", free[0])
	}
}

func TestBufferPoolTierSelection(t *testing.T) {
	pool := NewBufferPool([4]int{1, 1, 1, 1})

	cases := []struct {
		n        int
		wantTier int
	}{
		{1, 0},
		{64, 0},
		{65, 1},
		{256, 1},
		{257, 2},
		{512, 2},
		{513, 3},
		{1024, 3},
	}
	for _, c := range cases {
		tier, _ := pool.get(c.n)
		if tier != c.wantTier {
			t.Errorf("get(%d) tier = %d, want %d", c.n, tier, c.wantTier)
		}
		if tier != tierNone {
			pool.put(tier, make([]byte, 0))
		}
	}
}

func TestBufferPoolOversizeFallsThrough(t *testing.T) {
	pool := NewBufferPool([4]int{1, 1, 1, 1})
	tier, backing := pool.get(2000)
	if tier != tierNone {
		t.Fatalf("oversize request should return tierNone, got %d", tier)
	}
	if backing != nil {
		t.Fatal("oversize request should return a nil backing slice")
	}
}

func TestBufferPoolExhaustionRecordsFallback(t *testing.T) {
	pool := NewBufferPool([4]int{1, 0, 0, 0})

	_, first := pool.get(10)
	if first == nil {
		t.Fatal("first acquisition should succeed from the seeded slot")
	}
	_, second := pool.get(10)
	if second != nil {
		t.Fatal("second acquisition should fail once the tier is drained")
	}

	_, fallbacks := pool.Stats()
	if fallbacks != 1 {
		t.Fatalf("fallback count = %d, want 1", fallbacks)
	}
}

func TestTierLabel(t *testing.T) {
	want := map[int]string{0: "64", 1: "256", 2: "512", 3: "1024"}
	for tier, label := range want {
		if got := tierLabel(tier); got != label {
			t.Errorf("tierLabel(%d) = %s, want %s", tier, got, label)
		}
	}
}
