package tracker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcher_PerDeviceOrder(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")

	var mu sync.Mutex
	seen := make(map[string][]int)

	for i := 0; i < 50; i++ {
		for _, deviceId := range []string{"veh-1", "veh-2", "veh-3"} {
			id := deviceId
			n := i
			d.Enqueue(id, func(_ context.Context) {
				mu.Lock()
				seen[id] = append(seen[id], n)
				mu.Unlock()
			})
		}
	}
	d.Drain()

	for deviceId, order := range seen {
		if len(order) != 50 {
			t.Fatalf("device %s ran %d tasks, want 50", deviceId, len(order))
		}
		for i, n := range order {
			if n != i {
				t.Fatalf("device %s task order broken at index %d: got %d", deviceId, i, n)
			}
		}
	}
}

func TestDispatcher_PanicContainment(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")

	var mu sync.Mutex
	ran := 0

	d.Enqueue("veh-1", func(_ context.Context) {
		panic("poison sample")
	})
	d.Enqueue("veh-1", func(_ context.Context) {
		mu.Lock()
		ran++
		mu.Unlock()
	})
	d.Drain()

	if ran != 1 {
		t.Errorf("task after a panic ran %d times, want 1", ran)
	}
}

func TestDispatcher_DrainDropsNewTasks(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")
	d.Drain()

	ran := false
	d.Enqueue("veh-1", func(_ context.Context) {
		ran = true
	})
	//no worker may have started for the dropped task
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Error("a task enqueued after Drain must be dropped")
	}
}

func TestDispatcher_SweepEvictsIdleQueues(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")

	d.Enqueue("veh-1", func(_ context.Context) {})
	d.Enqueue("veh-2", func(_ context.Context) {})
	d.Drain()

	if evicted := d.sweep(time.Now()); evicted != 0 {
		t.Errorf("sweep evicted %d fresh queues, want 0", evicted)
	}
	if evicted := d.sweep(time.Now().Add(queueIdleTimeout + time.Minute)); evicted != 2 {
		t.Errorf("sweep evicted %d stale queues, want 2", evicted)
	}

	m := d.SnapshotMetrics()
	if m.ActiveQueues != 0 {
		t.Errorf("ActiveQueues = %d after the sweep, want 0", m.ActiveQueues)
	}
}

func TestDispatcher_EnqueueRetriesEvictedQueue(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")

	done := make(chan struct{})
	d.Enqueue("veh-1", func(_ context.Context) { close(done) })
	<-done
	d.wg.Wait()

	d.mu.Lock()
	stale := d.queues["veh-1"]
	d.mu.Unlock()
	if evicted := d.sweep(time.Now().Add(queueIdleTimeout + time.Minute)); evicted != 1 {
		t.Fatalf("sweep evicted %d queues, want 1", evicted)
	}
	stale.mu.Lock()
	if !stale.evicted {
		t.Fatal("the swept queue must be marked evicted")
	}
	stale.mu.Unlock()

	//a caller that looked the queue up just before the sweep sees the stale
	//pointer in the map. Its task must still land on a live queue.
	d.mu.Lock()
	d.queues["veh-1"] = stale
	d.mu.Unlock()

	ran := make(chan struct{})
	d.Enqueue("veh-1", func(_ context.Context) { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("the task enqueued after the sweep never ran")
	}

	d.mu.Lock()
	fresh := d.queues["veh-1"]
	d.mu.Unlock()
	if fresh == stale {
		t.Error("Enqueue appended to the evicted queue")
	}
	if len(stale.tasks) != 0 {
		t.Errorf("the evicted queue holds %d tasks, want 0", len(stale.tasks))
	}
	d.wg.Wait()
}

func TestDispatcher_Metrics(t *testing.T) {
	d := NewDispatcher(testLogger(), "test")

	for i := 0; i < 10; i++ {
		d.Enqueue("veh-1", func(_ context.Context) {})
	}
	d.Drain()

	m := d.SnapshotMetrics()
	if m.Enqueued != 10 {
		t.Errorf("Enqueued = %d, want 10", m.Enqueued)
	}
	//the window resets on snapshot
	if again := d.SnapshotMetrics(); again.Enqueued != 0 {
		t.Errorf("Enqueued = %d after reset, want 0", again.Enqueued)
	}
}
