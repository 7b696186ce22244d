// Package safego spawns goroutines that log a recovered panic instead
// of crashing the process. Every long-lived goroutine in the control
// plane (scheduler, trigger engine, task workers, download workers)
// goes through here.
package safego

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Errorln("Goroutine panic recovered")
			}
		}()
		fn()
	}()
}

func SafeGoWithWaitGroup(name string, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Errorln("Goroutine panic recovered")
			}
		}()
		fn()
	}()
}
