package trap

import (
	"testing"

	"gopherxv/kernel/mm/vmm"
	"gopherxv/kernel/proc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUnresolvedFaultLogIsRateLimited(t *testing.T) {
	h := newHarness(t, defaultProcConfig(), 1)

	core, logs := observer.New(zap.WarnLevel)
	h.trap.log = zap.New(core)

	// The scheduler is not running, so init never starts executing.
	p, kerr := h.tbl.UserInit(func(*proc.Proc) {}, nil)
	require.Nil(t, kerr)

	const faults = 3 * faultLogBurst
	for i := 0; i < faults; i++ {
		assert.Equal(t, errKernelAddress, h.trap.PageFault(p, vmm.MaxUserAddr, i%2 == 0))
	}

	assert.True(t, h.tbl.Killed(p))
	assert.Equal(t, uint64(faults), h.trap.Stats().FaultsFailed)

	logged := logs.FilterMessage("unexpected page fault").Len()
	assert.GreaterOrEqual(t, logged, faultLogBurst)
	assert.Less(t, logged, faults)
}
