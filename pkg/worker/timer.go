package worker

import "time"

type TimerCallback func(task *TimerTask)

// TimerTask is a callback scheduled on a [Thread]. The zero value is ready
// to be added. A task belongs to at most one thread at a time.
type TimerTask struct {
	callback    TimerCallback
	period      time.Duration
	lastRun     time.Time
	repeat      bool
	next        *TimerTask
	thread      *Thread
	inList      bool
	running     bool
	rescheduled bool
}

func (task *TimerTask) deadline() time.Time {
	return task.lastRun.Add(task.period)
}

func (task *TimerTask) Period() time.Duration {
	return task.period
}

// Time of the last run, or of the registration if never run
func (task *TimerTask) LastRun() time.Time {
	return task.lastRun
}

// AddTimerTask schedules callback to run period from now, then every
// period if repeat is set. Adding a task already owned by a thread panics.
func (th *Thread) AddTimerTask(task *TimerTask, period time.Duration, repeat bool, callback TimerCallback) {
	th.mu.Lock()
	if task.thread != nil {
		th.mu.Unlock()
		panic("worker: timer task already scheduled")
	}
	task.callback = callback
	task.period = period
	task.repeat = repeat
	task.thread = th
	task.rescheduled = false
	task.lastRun = th.clock.Now()
	th.insertLocked(task)
	th.mu.Unlock()
	th.Wake()
}

// RemoveTimerTask unschedules the task. If the callback is currently
// running, it completes but the task is not rescheduled.
func (th *Thread) RemoveTimerTask(task *TimerTask) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if task.thread != th {
		return
	}
	th.unlinkLocked(task)
	task.thread = nil
}

// RescheduleTimerTask changes the period of a task and restarts its
// countdown from now
func (th *Thread) RescheduleTimerTask(task *TimerTask, period time.Duration) {
	th.mu.Lock()
	if task.thread != th {
		th.mu.Unlock()
		return
	}
	task.period = period
	task.lastRun = th.clock.Now()
	if task.inList {
		th.unlinkLocked(task)
		th.insertLocked(task)
	} else {
		// Running, put back in the list once the callback returns
		task.rescheduled = true
	}
	th.mu.Unlock()
	th.Wake()
}

// Keeps the list sorted by deadline, tasks with equal deadlines run in
// insertion order
func (th *Thread) insertLocked(task *TimerTask) {
	deadline := task.deadline()
	link := &th.timers
	for *link != nil && !(*link).deadline().After(deadline) {
		link = &(*link).next
	}
	task.next = *link
	task.inList = true
	*link = task
}

func (th *Thread) unlinkLocked(task *TimerTask) {
	for link := &th.timers; *link != nil; link = &(*link).next {
		if *link == task {
			*link = task.next
			task.next = nil
			task.inList = false
			return
		}
	}
}

// Run every due task, return the delay until the next one
func (th *Thread) runTimers() time.Duration {
	th.mu.Lock()
	defer th.mu.Unlock()
	for {
		head := th.timers
		if head == nil {
			return -1
		}
		now := th.clock.Now()
		due := head.deadline()
		if due.After(now) {
			return due.Sub(now)
		}
		th.timers = head.next
		head.next = nil
		head.inList = false
		head.running = true
		head.rescheduled = false

		// Callbacks may add, remove or reschedule tasks of this thread
		th.mu.Unlock()
		head.callback(head)
		th.mu.Lock()

		head.running = false
		if head.thread != th || head.inList {
			// Removed, or removed then added again by the callback
			continue
		}
		switch {
		case head.rescheduled:
			th.insertLocked(head)
		case head.repeat:
			head.lastRun = due
			// Don't try to catch up with missed periods
			if now.Sub(due) >= head.period {
				head.lastRun = now
			}
			th.insertLocked(head)
		default:
			head.thread = nil
		}
	}
}
