package delivery

// Task is one step of a Pipeline. It either runs to completion and calls
// Next (or Finish) synchronously, or arranges a callback (timer, worker
// goroutine, sequencer post) that calls Next/Finish later.
type Task func()

const (
	flagBusy uint8 = 1 << iota
	flagNextPending
	flagFinishPending
)

// Pipeline is a linear executor over a fixed list of tasks, re-entrancy
// safe via the busy/next-pending/finish-pending flag dance: a task may call
// Next (or Finish) synchronously while still on the stack, or a later
// callback may call it after the stack has unwound. Either way exactly the
// intended task runs next.
//
// When a Sequencer is attached, each task dispatch is posted through it
// (deferred onto the owning goroutine) instead of running in-line.
type Pipeline struct {
	tasks     []Task
	seq       *Sequencer
	taskIndex int
	flags     uint8
}

// NewPipeline builds a Pipeline over tasks. seq may be nil, in which case
// tasks run synchronously in-line.
func NewPipeline(tasks []Task, seq *Sequencer) *Pipeline {
	return &Pipeline{tasks: tasks, seq: seq}
}

// Start resets the pipeline to task 0 and runs it.
func (p *Pipeline) Start() {
	p.taskIndex = 0
	p.flags = 0
	if len(p.tasks) == 0 {
		return
	}
	p.dispatch()
}

// Next advances to the following task, unless already on the last one.
func (p *Pipeline) Next() {
	if p.taskIndex == len(p.tasks)-1 {
		return
	}
	if p.flags&flagBusy != 0 {
		p.flags |= flagNextPending
		return
	}
	p.taskIndex++
	p.dispatch()
}

// Finish jumps straight to the last task (terminal cleanup), unless already
// there.
func (p *Pipeline) Finish() {
	if p.taskIndex == len(p.tasks)-1 {
		return
	}
	if p.flags&flagBusy != 0 {
		p.flags |= flagFinishPending
		return
	}
	p.taskIndex = len(p.tasks) - 1
	p.dispatch()
}

// dispatch marks the pipeline BUSY for the full span from submission to
// completion of the current task — including the gap while a posted task
// sits queued on the sequencer — so that a Next/Finish arriving during that
// gap is recorded as intent (flagNextPending/flagFinishPending) rather than
// racing the taskIndex that runAndDrain is about to read.
func (p *Pipeline) dispatch() {
	p.flags |= flagBusy
	if p.seq != nil {
		p.seq.Post(p.runAndDrain)
	} else {
		p.runAndDrain()
	}
}

// runAndDrain runs the current task, then replays whatever Next/Finish
// intent arrived while it was running (synchronously on its stack, or from
// the gap before it ran, for an async sequencer).
func (p *Pipeline) runAndDrain() {
	p.tasks[p.taskIndex]()

	if p.flags&flagFinishPending != 0 {
		p.flags &^= (flagFinishPending | flagBusy)
		if p.taskIndex != len(p.tasks)-1 {
			p.taskIndex = len(p.tasks) - 1
			p.dispatch()
			return
		}
		return
	}

	if p.flags&flagNextPending != 0 {
		p.flags &^= (flagNextPending | flagBusy)
		if p.taskIndex != len(p.tasks)-1 {
			p.taskIndex++
			p.dispatch()
			return
		}
		return
	}

	p.flags &^= flagBusy
}

// TaskIndex reports the currently executing (or last scheduled) task index.
// Exposed for tests asserting which stage a pipeline is on.
func (p *Pipeline) TaskIndex() int { return p.taskIndex }
