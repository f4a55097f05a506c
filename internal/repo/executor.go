package repo

import "sync"

// executor runs tasks one at a time. A task submitted while another is running, from any
// goroutine, is queued and run by the goroutine already draining the queue, so tasks
// never nest.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) run(task func()) {
	e.mu.Lock()
	e.queue = append(e.queue, task)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		next()
	}
}
