package virtiofwd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCore(t *testing.T, cfg *TopologyConfig) (*Core, *fakeMessenger, *fakeVCPU, *fakeVCPU) {
	t.Helper()
	fm := newFakeMessenger()
	c, err := NewCore(cfg, fm)
	require.NoError(t, err)

	backend := newFakeVCPU(0, 0)
	frontend := newFakeVCPU(1, 1)
	c.RegisterVCPU(backend)
	c.RegisterVCPU(frontend)
	return c, fm, backend, frontend
}

// Scenario 1 (§8): single read round trip.
func TestSingleReadRoundTrip(t *testing.T) {
	c, _, backend, frontend := newTestCore(t, twoVMTopology())

	handled, err := c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1010, Width: 4, Reg: 5, Write: false})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, frontend.active)
	assert.Equal(t, 1, frontend.idleCalls)

	res, err := c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), res.RegOff)
	assert.Equal(t, OpRead, res.Op)

	err = c.ReadReply(backend, 7, 0x10, 0xDEADBEEF)
	require.NoError(t, err)

	assert.Equal(t, uint64(0xDEADBEEF), frontend.regs[5])
	assert.True(t, frontend.active)
}

// Scenario 3 (§8): duplicate (equal-priority) submissions preserve order.
func TestDuplicateSubmissionsPreserveOrder(t *testing.T) {
	c, _, backend, frontend := newTestCore(t, twoVMTopology())

	_, err := c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1000, Width: 4, Reg: 1, Write: true})
	require.NoError(t, err)
	frontend.SetActive(true)
	_, err = c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1004, Width: 4, Reg: 2, Write: true})
	require.NoError(t, err)

	first, err := c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0), first.RegOff)

	second, err := c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4), second.RegOff)
}

// Scenario 4 (§8): NOTIFY performs no queue mutation and its cross-CPU
// message drives the interrupt injector on delivery.
func TestNotifyPathInjectsInterruptWithoutQueueMutation(t *testing.T) {
	c, _, backend, frontend := newTestCore(t, twoVMTopology())

	err := c.Notify(backend, 7)
	require.NoError(t, err)

	inst, _ := c.registry.Lookup(7)
	assert.Equal(t, 0, inst.pending.len())
	assert.Equal(t, 0, inst.replies.len())
	assert.Equal(t, []uint32{42}, frontend.irqs)
}

// Scenario 5 (§8), as corrected by §9: a mismatched reg_off on WRITE/READ
// returns FAILURE (ErrProtocolDesync) but, unlike the source, leaves the
// head record in place rather than popping and losing it — the queue
// peeks before committing to a pop. The next ASK still skips it, since it
// was already marked handled by the earlier ASK.
func TestProtocolDesyncLeavesHeadRecordQueued(t *testing.T) {
	c, _, backend, frontend := newTestCore(t, twoVMTopology())

	_, err := c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1000, Write: true, Reg: 1})
	require.NoError(t, err)
	frontend.SetActive(true)
	_, err = c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1004, Write: true, Reg: 2})
	require.NoError(t, err)

	_, err = c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)

	err = c.WriteAck(backend, 7, 0xFF)
	assert.ErrorIs(t, err, ErrProtocolDesync)

	inst, _ := c.registry.Lookup(7)
	assert.Equal(t, 2, inst.pending.len(), "a reg_off mismatch must not pop the head record")

	second, err := c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4), second.RegOff)
}

func TestAskRejectsNonBackendCaller(t *testing.T) {
	c, _, _, frontend := newTestCore(t, twoVMTopology())
	_, err := c.Ask(context.Background(), frontend, 7)
	assert.ErrorIs(t, err, ErrNotBackend)
}

func TestAskUnknownInstance(t *testing.T) {
	c, _, backend, _ := newTestCore(t, twoVMTopology())
	_, err := c.Ask(context.Background(), backend, 99)
	assert.ErrorIs(t, err, ErrUnknownInstance)
}
