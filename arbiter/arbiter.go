// Package arbiter implements a single "home thread": one goroutine per
// Cluster on which all membership, mailbox, and peer-state mutation
// happens, reached by every other goroutine through Dispatch. It wraps
// go-schedule, adding a one-way drain signal that every cooperative wait
// in the cluster package selects on alongside its own condition.
package arbiter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
)

type Arbiter struct {
	logPrefix string
	logDebug  bool

	s       *scheduler.Scheduler[Group]
	eventpl sync.Pool
	eventch chan *event

	drainOnce sync.Once
	drainch   chan struct{}
}

func NewArbiter(logPrefix string, logDebug bool, eventChannelLength uint16) *Arbiter {
	if eventChannelLength == 0 {
		eventChannelLength = 1024
	}

	a := &Arbiter{
		logPrefix: logPrefix,
		logDebug:  logDebug,

		s: scheduler.NewScheduler[Group](
			&scheduler.Options{
				EventChannelLength: eventChannelLength,
				LogPrefix:          logPrefix,
				LogDebug:           logDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch: make(chan *event, eventChannelLength),
		drainch: make(chan struct{}),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[Group], _ *scheduler.AsyncVariant[Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[Group], v *scheduler.AsyncVariant[Group]) {
					log.Printf("%s: eventch released, select count: %d", logPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.s.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[Group] {
	return a.s
}

// Drain pulses the one-way drain signal. Idempotent. Every cooperative
// wait bound to this cluster (barrier, peer-joined, timer) must select on
// DrainCh() alongside its own condition and treat a closed DrainCh as
// terminal.
func (a *Arbiter) Drain() {
	a.drainOnce.Do(func() {
		close(a.drainch)
	})
}

func (a *Arbiter) DrainCh() <-chan struct{} {
	return a.drainch
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.logPrefix, evtAny)
		log.Printf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Printf("%s: failed to cast event, recv=%#v", a.logPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: functor recovered from panic: %+v",
					a.logPrefix,
					rec,
				)
			}
		}()
		evt.f()
	}()

	t2 := time.Now().UTC()

	if a.logDebug {
		log.Printf(
			"%s: event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.logPrefix,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.logPrefix)
		log.Printf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}

	return nil
}
