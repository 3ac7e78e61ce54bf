package tracker

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	//slowTaskThreshold flags tasks that hold a device queue too long
	slowTaskThreshold = 200 * time.Millisecond
	//backlogWarnDepth is the queue depth at which a device gets called out
	backlogWarnDepth = 10
	//backlogMetricDepth is the queue depth counted in the metrics snapshot
	backlogMetricDepth = 5
	//queueIdleTimeout is how long a device queue may sit idle before the
	//sweep evicts it
	queueIdleTimeout = 10 * time.Minute
	//queueSweepInterval is how often idle queues are swept
	queueSweepInterval = 5 * time.Minute
)

//Task is one unit of per-device work
type Task func(ctx context.Context)

//deviceQueue is the FIFO backlog of one device. Tasks are appended under mu
//and drained by at most one worker goroutine at a time.
type deviceQueue struct {
	mu         sync.Mutex
	tasks      []Task
	running    bool
	lastActive time.Time
	//evicted marks a queue the sweep removed from the map, a late Enqueue
	//holding a stale pointer must not append to it
	evicted bool
}

// Dispatcher routes tasks for a given device through a FIFO queue so one
// device is processed by at most one worker at a time. Different devices run
// in parallel. Two instances exist in the process: one feeding the state
// machine, one feeding the persistence writers.
type Dispatcher struct {
	log  *log.Logger
	name string

	mu       sync.Mutex
	queues   map[string]*deviceQueue
	draining bool

	//metrics, guarded by mu
	enqueuedInWindow int64
	maxBacklogSeen   int

	wg sync.WaitGroup
}

// NewDispatcher builds a named dispatcher. The name only shows up in logs.
func NewDispatcher(log *log.Logger, name string) *Dispatcher {
	return &Dispatcher{
		log:    log,
		name:   name,
		queues: make(map[string]*deviceQueue),
	}
}

// Enqueue appends a task to the device's queue and returns immediately. A
// worker is started for the queue if none is draining it. Tasks enqueued
// after Drain are dropped and logged.
func (d *Dispatcher) Enqueue(deviceId string, task Task) {
	var backlog int
	var startWorker bool
	var q *deviceQueue
	for {
		d.mu.Lock()
		if d.draining {
			d.mu.Unlock()
			d.log.Printf("%s dispatcher: dropping task for device %s, dispatcher is draining", d.name, deviceId)
			return
		}
		var present bool
		q, present = d.queues[deviceId]
		if !present {
			q = &deviceQueue{}
			d.queues[deviceId] = q
		}
		d.mu.Unlock()

		q.mu.Lock()
		if q.evicted {
			//the sweep got here between the map lookup and this lock, the
			//queue is dead. Drop it from the map and retry against a fresh one.
			q.mu.Unlock()
			d.mu.Lock()
			if d.queues[deviceId] == q {
				delete(d.queues, deviceId)
			}
			d.mu.Unlock()
			continue
		}
		q.tasks = append(q.tasks, task)
		q.lastActive = time.Now()
		backlog = len(q.tasks)
		startWorker = !q.running
		if startWorker {
			q.running = true
		}
		q.mu.Unlock()
		break
	}

	d.mu.Lock()
	d.enqueuedInWindow++
	if backlog > d.maxBacklogSeen {
		d.maxBacklogSeen = backlog
	}
	d.mu.Unlock()

	if backlog > backlogWarnDepth {
		d.log.Printf("%s dispatcher: device %s backlog at %d tasks", d.name, deviceId, backlog)
	}

	if startWorker {
		d.wg.Add(1)
		go d.drainQueue(deviceId, q)
	}
}

//drainQueue runs the device's tasks in FIFO order until the queue is empty.
//A task failure (panic) is logged and does not stall subsequent tasks.
func (d *Dispatcher) drainQueue(deviceId string, q *deviceQueue) {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.lastActive = time.Now()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		d.runTask(ctx, deviceId, task)
	}
}

//runTask executes one task, timing it and containing panics so one bad
//sample can't take the device's queue down
func (d *Dispatcher) runTask(ctx context.Context, deviceId string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("%s dispatcher: recovered panic processing device %s: %v", d.name, deviceId, r)
		}
	}()
	start := time.Now()
	task(ctx)
	if took := time.Since(start); took > slowTaskThreshold {
		d.log.Printf("%s dispatcher: slow task for device %s took %s", d.name, deviceId, took)
	}
}

// RunSweeper evicts idle queues every queueSweepInterval until the shutdown
// channel closes. Eviction never touches a queue with a running worker.
func (d *Dispatcher) RunSweeper(shutdown chan struct{}) {
	ticker := time.NewTicker(queueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			evicted := d.sweep(time.Now())
			if evicted > 0 {
				d.log.Printf("%s dispatcher: evicted %d idle device queues", d.name, evicted)
			}
		}
	}
}

//sweep removes queues idle longer than queueIdleTimeout, returns the count
func (d *Dispatcher) sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := 0
	for deviceId, q := range d.queues {
		q.mu.Lock()
		idle := !q.running && len(q.tasks) == 0 && now.Sub(q.lastActive) > queueIdleTimeout
		if idle {
			q.evicted = true
		}
		q.mu.Unlock()
		if idle {
			delete(d.queues, deviceId)
			evicted++
		}
	}
	return evicted
}

// Metrics is a point-in-time snapshot of dispatcher health.
type Metrics struct {
	ActiveQueues      int
	Enqueued          int64
	MaxBacklogSeen    int
	BackloggedDevices []string
}

// SnapshotMetrics returns and resets the windowed metrics. Meant to be
// called once a minute by the metrics logger.
func (d *Dispatcher) SnapshotMetrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := Metrics{
		ActiveQueues:   len(d.queues),
		Enqueued:       d.enqueuedInWindow,
		MaxBacklogSeen: d.maxBacklogSeen,
	}
	for deviceId, q := range d.queues {
		q.mu.Lock()
		if len(q.tasks) > backlogMetricDepth {
			m.BackloggedDevices = append(m.BackloggedDevices, deviceId)
		}
		q.mu.Unlock()
	}
	d.enqueuedInWindow = 0
	d.maxBacklogSeen = 0
	return m
}

// RunMetricsLogger logs a metrics snapshot once a minute until shutdown.
func (d *Dispatcher) RunMetricsLogger(shutdown chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			m := d.SnapshotMetrics()
			d.log.Printf("%s dispatcher: queues:%d enqueued:%d maxBacklog:%d backlogged:%v",
				d.name, m.ActiveQueues, m.Enqueued, m.MaxBacklogSeen, m.BackloggedDevices)
		}
	}
}

// Drain stops accepting new tasks, waits for in-flight work to finish and
// logs whatever backlog remains.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	residual := 0
	for _, q := range d.queues {
		q.mu.Lock()
		residual += len(q.tasks)
		q.mu.Unlock()
	}
	d.mu.Unlock()

	if residual > 0 {
		d.log.Printf("%s dispatcher: draining with %d tasks still queued", d.name, residual)
	}
	d.wg.Wait()
	d.log.Printf("%s dispatcher: drained", d.name)
}
