package verify

import (
	"testing"
	"time"
)

func TestCache_SetAndGet(t *testing.T) {
	c := newReportCache(time.Minute)
	c.set(Report{Index: 3, Address: "Qm3", Status: StatusVerified})

	r, ok := c.get(3, "Qm3")
	if !ok {
		t.Fatal("expected cache hit for index 3")
	}
	if r.Status != StatusVerified {
		t.Errorf("status: got %q", r.Status)
	}
}

func TestCache_addressChangeMisses(t *testing.T) {
	c := newReportCache(time.Minute)
	c.set(Report{Index: 1, Address: "QmOld", Status: StatusVerified})

	if _, ok := c.get(1, "QmNew"); ok {
		t.Error("a remapped index must not be served from cache")
	}
}

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newReportCache(time.Minute)
	c.now = func() time.Time { return now }
	c.set(Report{Index: 0, Address: "Qm0"})

	if _, ok := c.get(0, "Qm0"); !ok {
		t.Fatal("expected cache hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.get(0, "Qm0"); ok {
		t.Error("expected cache miss after TTL expiry")
	}
	if n := c.evict(); n != 1 {
		t.Errorf("evicted: got %d, want 1", n)
	}
	if c.len() != 0 {
		t.Errorf("len after evict: got %d", c.len())
	}
}
