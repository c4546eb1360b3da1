// Package tasks supervises named background goroutines, each stoppable
// independently via a stop/ack channel pair. It is used to start and stop
// the per-CPU scheduler loops.
package tasks

import (
	"fmt"
	"sync"
)

// TaskManager supervises a set of named, independently-stoppable background
// goroutines. Starting a new task under a name already in use stops the
// previous holder of that name first.
type TaskManager struct {
	tasks        map[string]*Task
	waitingMutex sync.Mutex
}

// Task is a single supervised goroutine.
type Task struct {
	stop          chan struct{}
	notifyStopped chan struct{}
}

// NewTaskManager returns an empty task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
	}
}

// NewTask starts f in its own goroutine under the given name, stopping
// any previously running task registered under that name first.
func (t *TaskManager) NewTask(name string, f func(stop chan struct{})) error {
	t.waitingMutex.Lock()
	defer t.waitingMutex.Unlock()

	if existing, ok := t.tasks[name]; ok {
		existing.Stop()
	}

	stop := make(chan struct{}, 1) // don't block on this if the task already returned
	notifyStopped := make(chan struct{})

	t.tasks[name] = &Task{
		stop:          stop,
		notifyStopped: notifyStopped,
	}

	go func() {
		f(stop)
		notifyStopped <- struct{}{}
	}()

	return nil
}

// Stop stops the named task and waits for its goroutine to acknowledge.
// It returns an error if no task is registered under that name.
func (t *TaskManager) Stop(name string) error {
	t.waitingMutex.Lock()
	task, ok := t.tasks[name]
	if ok {
		delete(t.tasks, name)
	}
	t.waitingMutex.Unlock()

	if !ok {
		return fmt.Errorf("no task registered under name %q", name)
	}

	task.Stop()
	return nil
}

// StopAll stops every currently registered task.
func (t *TaskManager) StopAll() {
	t.waitingMutex.Lock()
	tasks := t.tasks
	t.tasks = make(map[string]*Task)
	t.waitingMutex.Unlock()

	for _, task := range tasks {
		task.Stop()
	}
}

// Stop signals the task to stop and blocks until it acknowledges.
func (t *Task) Stop() {
	t.stop <- struct{}{}
	<-t.notifyStopped
}
