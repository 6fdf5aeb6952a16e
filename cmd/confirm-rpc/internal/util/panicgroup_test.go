package util

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stellar/go/support/log"
	"github.com/stretchr/testify/require"
)

func TestRecoverablePanicGroupCountsPanics(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "panics_total"})
	group := RecoverablePanicGroup.Log(log.DefaultLogger).Counter(counter)
	group.logPanicsToStdErr = false

	done := make(chan struct{})
	group.Go(func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking goroutine did not run")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(counter) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGetPanicCallStack(t *testing.T) {
	lines := getPanicCallStack("boom", func() {})
	require.NotEmpty(t, lines)
	require.Contains(t, lines[0], "boom")
}
