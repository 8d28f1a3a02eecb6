package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Command is one unit of work executed on a device, in enqueue order.
type Command struct {
	Name string
	Run  func() error
}

// Event signals completion of an enqueued command.
type Event struct {
	name string
	done chan struct{}
	err  error
}

// Wait blocks until the command has executed or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedCommand struct {
	command Command
	event   *Event
}

var errQueueClosed = errors.New("command queue is closed")

// CommandQueue executes commands asynchronously, one at a time, in the order they were enqueued.
// After a command fails every later command is skipped with the same error.
type CommandQueue struct {
	commands chan queuedCommand
	stopped  chan struct{}

	// mutex guards closed and the send side of commands.
	mutex  sync.Mutex
	closed bool

	failureMutex sync.Mutex
	failure      error
}

func newCommandQueue(depth int) *CommandQueue {
	q := &CommandQueue{
		commands: make(chan queuedCommand, depth),
		stopped:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *CommandQueue) run() {
	defer close(q.stopped)
	for item := range q.commands {
		if failure := q.Failure(); failure != nil {
			item.event.err = fmt.Errorf("skipping %q after earlier failure: %w", item.command.Name, failure)
		} else if err := item.command.Run(); err != nil {
			err = fmt.Errorf("executing %q: %w", item.command.Name, err)
			q.failureMutex.Lock()
			q.failure = err
			q.failureMutex.Unlock()
			item.event.err = err
		}
		close(item.event.done)
	}
}

// Enqueue schedules cmd and returns immediately. It blocks only when the queue is full.
func (q *CommandQueue) Enqueue(cmd Command) (*Event, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return nil, errQueueClosed
	}
	event := &Event{name: cmd.Name, done: make(chan struct{})}
	q.commands <- queuedCommand{command: cmd, event: event}
	return event, nil
}

// Finish waits until everything enqueued so far has executed.
func (q *CommandQueue) Finish(ctx context.Context) error {
	event, err := q.Enqueue(Command{Name: "finish", Run: func() error { return nil }})
	if err != nil {
		return err
	}
	if err := event.Wait(ctx); err != nil {
		return err
	}
	return q.Failure()
}

// Failure is the first command error, if any.
func (q *CommandQueue) Failure() error {
	q.failureMutex.Lock()
	defer q.failureMutex.Unlock()
	return q.failure
}

func (q *CommandQueue) close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	close(q.commands)
	q.mutex.Unlock()
	<-q.stopped
}
