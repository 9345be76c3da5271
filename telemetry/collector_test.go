package telemetry

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingGauge struct {
	NoopStat
	bits atomic.Uint64
}

func (g *recordingGauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *recordingGauge) value() float64 { return math.Float64frombits(g.bits.Load()) }

type fakeProvider struct {
	registrations, queued int
	err                   error
	calls                 atomic.Int32
}

func (f *fakeProvider) Stats(context.Context) (int, int, error) {
	f.calls.Add(1)
	return f.registrations, f.queued, f.err
}

func swapGauges(t *testing.T) (*recordingGauge, *recordingGauge) {
	t.Helper()
	prevRegs, prevDepth := PendingRegistrations, QueueDepth
	regs, depth := &recordingGauge{}, &recordingGauge{}
	PendingRegistrations, QueueDepth = regs, depth
	t.Cleanup(func() { PendingRegistrations, QueueDepth = prevRegs, prevDepth })
	return regs, depth
}

func TestMetricsCollector_SetsGauges(t *testing.T) {
	regs, depth := swapGauges(t)
	provider := &fakeProvider{registrations: 3, queued: 7}

	mc := NewMetricsCollector(provider, 10*time.Millisecond)
	mc.Start()

	require.Eventually(t, func() bool {
		return regs.value() == 3 && depth.value() == 7
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return provider.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	mc.Stop()
}

func TestMetricsCollector_KeepsGaugesOnError(t *testing.T) {
	regs, _ := swapGauges(t)
	regs.Set(11)
	provider := &fakeProvider{registrations: 1, err: errors.New("store closed")}

	mc := NewMetricsCollector(provider, 10*time.Millisecond)
	mc.Start()
	require.Eventually(t, func() bool { return provider.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	mc.Stop()

	require.Equal(t, float64(11), regs.value())
}

func TestMetricsCollector_NilProvider(t *testing.T) {
	mc := NewMetricsCollector(nil, 10*time.Millisecond)
	mc.Start()
	mc.Stop()
}
