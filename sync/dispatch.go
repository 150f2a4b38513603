package sync

import (
	"context"
	"log"
	stdsync "sync"
	"time"
)

// publishJob pairs a wire message with the queued form used if the publish
// fails.
type publishJob struct {
	msg *Message
	op  *Operation
}

// Dispatcher publishes mutations in the background so local mutations stay
// fire-and-forget. Each publish attempt carries a bounded timeout; on
// failure or timeout the operation goes to the offline queue, never dropped.
type Dispatcher struct {
	pub     Publisher
	queue   *Queue
	timeout time.Duration

	jobs chan publishJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewDispatcher creates a dispatcher publishing via pub and buffering
// failures in queue.
func NewDispatcher(pub Publisher, queue *Queue, cfg *Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pub:     pub,
		queue:   queue,
		timeout: cfg.PublishTimeout,
		jobs:    make(chan publishJob, cfg.DispatchBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background publish worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains nothing further and waits for the worker to exit. Buffered
// jobs are flushed to the offline queue so they survive the restart.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	for {
		select {
		case job := <-d.jobs:
			if err := d.queue.Enqueue(job.op); err != nil {
				log.Printf("[sync] Failed to park job %s on shutdown: %v", job.op.ID, err)
			}
		default:
			return
		}
	}
}

// Dispatch hands a mutation to the publish worker. It never blocks: when the
// worker is backed up, the operation goes straight to the offline queue.
func (d *Dispatcher) Dispatch(msg *Message, op *Operation) {
	select {
	case d.jobs <- publishJob{msg: msg, op: op}:
	default:
		log.Printf("[sync] Dispatch buffer full, queueing operation %s", op.ID)
		if err := d.queue.Enqueue(op); err != nil {
			log.Printf("[sync] Failed to enqueue operation %s: %v", op.ID, err)
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.jobs:
			d.publish(job)
		}
	}
}

func (d *Dispatcher) publish(job publishJob) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := d.pub.Publish(ctx, job.msg); err != nil {
		log.Printf("[sync] Publish failed for %s (%v), queueing for replay", job.op.ID, err)
		if qerr := d.queue.Enqueue(job.op); qerr != nil {
			log.Printf("[sync] Failed to enqueue operation %s: %v", job.op.ID, qerr)
		}
	}
}
