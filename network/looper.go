package network

import (
	"sync"
)

// Looper runs posted functions one at a time on a single goroutine, in order.
// Posting never blocks, so code running on the looper may post to it.
type Looper struct {
	queueMutex sync.Mutex
	queue      []func()
	quitting   bool

	wake chan struct{}
	done chan struct{}
}

// NewLooper starts a looper goroutine
func NewLooper() *Looper {
	l := &Looper{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Looper) run() {
	defer close(l.done)
	for {
		l.queueMutex.Lock()
		tasks := l.queue
		l.queue = nil
		quitting := l.quitting
		l.queueMutex.Unlock()

		if len(tasks) == 0 {
			if quitting {
				return
			}
			<-l.wake
			continue
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

// Post queues fn. Returns false once Quit has been called.
func (l *Looper) Post(fn func()) bool {
	l.queueMutex.Lock()
	if l.quitting {
		l.queueMutex.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.queueMutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the looper and waits for it. It must not be called from the
// looper goroutine. Returns false if the looper quit before fn ran.
func (l *Looper) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Quit runs what is already queued, then stops the goroutine and waits for it
func (l *Looper) Quit() {
	l.queueMutex.Lock()
	l.quitting = true
	l.queueMutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
