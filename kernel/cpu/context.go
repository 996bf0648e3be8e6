package cpu

import "runtime"

// Context holds the state needed to resume a suspended thread of execution.
// Each context is backed by its own goroutine which only runs while some
// core has transferred control to it.
type Context struct {
	// Entry is invoked the first time control is transferred to this
	// context.
	Entry func()

	// SP is the top of the kernel stack assigned to this context.
	SP uintptr

	resume  chan struct{}
	started bool
}

// Init primes the context so that the first Switch into it invokes entry.
func (ctx *Context) Init(entry func(), sp uintptr) {
	ctx.Entry = entry
	ctx.SP = sp
	ctx.resume = make(chan struct{}, 1)
	ctx.started = false
}

// transfer hands control to this context.
func (ctx *Context) transfer() {
	if !ctx.started {
		ctx.started = true
		go ctx.Entry()
		return
	}

	ctx.resume <- struct{}{}
}

// Switch saves the current thread of execution into old and resumes new.
// Switch returns once some other thread switches back into old.
func Switch(old, new *Context) {
	new.transfer()
	<-old.resume
}

// SwitchAndExit resumes new and terminates the calling thread of execution.
// It never returns.
func SwitchAndExit(new *Context) {
	new.transfer()
	runtime.Goexit()
}
