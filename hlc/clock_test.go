package hlc

import (
	"sync"
	"testing"
)

func TestNewClock(t *testing.T) {
	clock := NewClock("device-a")
	if clock == nil {
		t.Fatal("NewClock returned nil")
	}
	if clock.DeviceID() != "device-a" {
		t.Errorf("Expected DeviceID 'device-a', got '%s'", clock.DeviceID())
	}
}

func TestClock_Now_Monotonic(t *testing.T) {
	clock := NewClock("device-a")

	// Generate many timestamps rapidly; most will land in the same physical
	// microsecond and must still strictly increase via the logical counter.
	prev := clock.Now()
	for i := 0; i < 10000; i++ {
		ts := clock.Now()
		if ts.Compare(prev) <= 0 {
			t.Fatalf("Now() regressed: %v then %v", prev, ts)
		}
		prev = ts
	}
}

func TestClock_Now_Concurrent(t *testing.T) {
	clock := NewClock("device-a")

	const workers = 8
	const perWorker = 1000

	results := make([][]Timestamp, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]Timestamp, perWorker)
			for i := range out {
				out[i] = clock.Now()
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	// Every timestamp must be unique across all workers.
	seen := make(map[Timestamp]bool, workers*perWorker)
	for _, out := range results {
		for i, ts := range out {
			if seen[ts] {
				t.Fatalf("Duplicate timestamp issued: %v", ts)
			}
			seen[ts] = true
			if i > 0 && out[i].Compare(out[i-1]) <= 0 {
				t.Fatalf("Per-goroutine ordering violated: %v then %v", out[i-1], out[i])
			}
		}
	}
}

func TestClock_Update_DominatesBothInputs(t *testing.T) {
	clock := NewClock("device-a")
	local := clock.Now()

	// Remote clock a second ahead of us.
	remote := New(local.Physical()+1000000, 10)

	updated := clock.Update(remote)

	if updated.Compare(local) <= 0 {
		t.Errorf("Update result %v should be after local %v", updated, local)
	}
	if updated.Compare(remote) <= 0 {
		t.Errorf("Update result %v should be after remote %v", updated, remote)
	}

	// Subsequent Now() must stay ahead of the folded-in remote time.
	next := clock.Now()
	if next.Compare(remote) <= 0 {
		t.Errorf("Now() after Update (%v) should be after remote %v", next, remote)
	}
}

func TestClock_Update_RemoteBehind(t *testing.T) {
	clock := NewClock("device-a")
	local := clock.Now()

	// Remote clock well behind us; update must still advance locally.
	remote := New(local.Physical()-1000000, 3)

	updated := clock.Update(remote)
	if updated.Compare(local) <= 0 {
		t.Errorf("Update result %v should be after local %v", updated, local)
	}
}

func TestClock_Update_SamePhysical(t *testing.T) {
	clock := NewClock("device-a")

	// Force a known state far in the future so wall time cannot interfere.
	future := wallMicros() + 60*1000000
	clock.last.Store(uint64(New(future, 5)))

	remote := New(future, 9)
	updated := clock.Update(remote)

	if updated.Physical() != future {
		t.Errorf("Physical should hold at %d, got %d", future, updated.Physical())
	}
	if updated.Logical() != 10 {
		t.Errorf("Logical should be max(5,9)+1=10, got %d", updated.Logical())
	}
}

func TestClock_Current(t *testing.T) {
	clock := NewClock("device-a")

	ts := clock.Now()
	if clock.Current() != ts {
		t.Errorf("Current() = %v, expected %v", clock.Current(), ts)
	}
	// Current must not advance the clock.
	if clock.Current() != ts {
		t.Error("Current() advanced the clock")
	}
}

func TestClock_Now_LogicalOverflowAdvancesPhysical(t *testing.T) {
	clock := NewClock("device-a")

	// Pin the clock far ahead of wall time with the logical counter
	// exhausted; the next timestamp must borrow a microsecond instead of
	// wrapping back to logical zero at the same physical value.
	far := wallMicros() + 3600*1e6
	pinned := New(far, logicalMask)
	clock.last.Store(uint64(pinned))

	next := clock.Now()
	if next.Compare(pinned) <= 0 {
		t.Fatalf("Now() regressed across logical overflow: %v then %v", pinned, next)
	}
	if next.Physical() != far+1 || next.Logical() != 0 {
		t.Errorf("Now() = (%d, %d), expected (%d, 0)", next.Physical(), next.Logical(), far+1)
	}
}

func TestClock_Update_LogicalOverflowAdvancesPhysical(t *testing.T) {
	clock := NewClock("device-a")

	far := wallMicros() + 3600*1e6
	pinned := New(far, logicalMask)
	clock.last.Store(uint64(pinned))

	next := clock.Update(New(far, logicalMask))
	if next.Compare(pinned) <= 0 {
		t.Fatalf("Update() regressed across logical overflow: %v then %v", pinned, next)
	}
	if next.Physical() != far+1 || next.Logical() != 0 {
		t.Errorf("Update() = (%d, %d), expected (%d, 0)", next.Physical(), next.Logical(), far+1)
	}
}
