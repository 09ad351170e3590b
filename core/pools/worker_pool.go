package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of work, usually a request handler invocation.
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines. Each worker owns a
// queue and steals from its neighbours when idle.
type WorkerPool struct {
	numWorkers int
	queues     []chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksInline    atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

// NewWorkerPool starts numWorkers workers, one per CPU when numWorkers <= 0.
// queueSize bounds each worker's backlog; 256 when <= 0.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]chan Task, numWorkers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, queueSize)
	}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.run(i)
	}
	return p
}

// Submit queues task round-robin. When every queue it tries is full the
// task runs on the caller's goroutine. It returns false once the pool is
// closed.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}

	n := p.stats.tasksSubmitted.Add(1)
	idx := int(n % uint64(p.numWorkers))
	for try := 0; try < 2; try++ {
		select {
		case p.queues[idx] <- task:
			p.mu.RUnlock()
			return true
		default:
			idx = (idx + 1) % p.numWorkers
		}
	}
	p.mu.RUnlock()

	p.stats.tasksInline.Add(1)
	p.exec(task)
	return true
}

func (p *WorkerPool) exec(task Task) {
	defer p.stats.tasksCompleted.Add(1)
	task()
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case task, ok := <-own:
			if !ok {
				return
			}
			p.exec(task)
			continue
		default:
		}

		if p.steal(id) {
			continue
		}

		task, ok := <-own
		if !ok {
			return
		}
		p.exec(task)
	}
}

// steal runs one task taken from another worker's queue.
func (p *WorkerPool) steal(id int) bool {
	for i := 1; i < p.numWorkers; i++ {
		victim := p.queues[(id+i)%p.numWorkers]
		select {
		case task, ok := <-victim:
			if ok {
				p.stats.stealsSuccess.Add(1)
				p.exec(task)
				return true
			}
		default:
		}
	}
	p.stats.stealsFailed.Add(1)
	return false
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksInline:    p.stats.tasksInline.Load(),
		TasksPending:   submitted - min(submitted, completed),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksInline    uint64 `json:"tasks_inline"`
	TasksPending   uint64 `json:"tasks_pending"`
	StealsSuccess  uint64 `json:"steals_success"`
	StealsFailed   uint64 `json:"steals_failed"`
}
