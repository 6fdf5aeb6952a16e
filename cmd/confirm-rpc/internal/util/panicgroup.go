package util

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/support/log"
)

// UnrecoverablePanicGroup terminates the process after logging a panic.
// It is used for goroutines whose death leaves the daemon unusable.
var UnrecoverablePanicGroup = panicGroup{
	logPanicsToStdErr:  true,
	exitProcessOnPanic: true,
}

// RecoverablePanicGroup logs panics and lets the process carry on.
var RecoverablePanicGroup = panicGroup{
	logPanicsToStdErr:  true,
	exitProcessOnPanic: false,
}

// PanicGroup launches goroutines that recover from panics.
type PanicGroup interface {
	Go(fn func())
}

type panicGroup struct {
	log                *log.Entry
	logPanicsToStdErr  bool
	exitProcessOnPanic bool
	panicsCounter      prometheus.Counter
}

// Log returns a copy of the group which reports panics to logger.
func (pg *panicGroup) Log(logger *log.Entry) *panicGroup {
	return &panicGroup{
		log:                logger,
		logPanicsToStdErr:  pg.logPanicsToStdErr,
		exitProcessOnPanic: pg.exitProcessOnPanic,
		panicsCounter:      pg.panicsCounter,
	}
}

// Counter returns a copy of the group which increments counter on every panic.
func (pg *panicGroup) Counter(counter prometheus.Counter) *panicGroup {
	return &panicGroup{
		log:                pg.log,
		logPanicsToStdErr:  pg.logPanicsToStdErr,
		exitProcessOnPanic: pg.exitProcessOnPanic,
		panicsCounter:      counter,
	}
}

// Go starts fn in a new goroutine, recovering from any panic it raises.
func (pg *panicGroup) Go(fn func()) {
	go func() {
		defer pg.recoverRoutine(fn)
		fn()
	}()
}

func (pg *panicGroup) recoverRoutine(fn func()) {
	recoverRes := recover()
	if recoverRes == nil {
		return
	}
	var cs []string
	if pg.log != nil {
		cs = getPanicCallStack(recoverRes, fn)
		for _, line := range cs {
			pg.log.Warn(line)
		}
	}
	if pg.logPanicsToStdErr {
		if len(cs) == 0 {
			cs = getPanicCallStack(recoverRes, fn)
		}
		for _, line := range cs {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if pg.panicsCounter != nil {
		pg.panicsCounter.Inc()
	}
	if pg.exitProcessOnPanic {
		os.Exit(1)
	}
}

func getPanicCallStack(recoverRes any, fn func()) []string {
	functionName := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	return append(
		[]string{fmt.Sprintf("panicing root function '%s': %v", functionName, recoverRes)},
		strings.Split(string(debug.Stack()), "\n")...,
	)
}
