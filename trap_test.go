package virtiofwd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMMIOTrapOutsideAnyWindowIsUnhandled(t *testing.T) {
	c, _, _, frontend := newTestCore(t, twoVMTopology())

	handled, err := c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0xFFFF_0000, Width: 4, Reg: 0, Write: false})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.True(t, frontend.active, "a vcpu left unhandled must not be parked")
}

func TestHandleMMIOTrapWriteCapturesGuestRegister(t *testing.T) {
	c, _, backend, frontend := newTestCore(t, twoVMTopology())
	frontend.regs[3] = 0x99

	handled, err := c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1000, Width: 1, Reg: 3, Write: true})
	require.NoError(t, err)
	assert.True(t, handled)

	res, err := c.Ask(context.Background(), backend, 7)
	require.NoError(t, err)
	assert.Equal(t, OpWrite, res.Op)
	assert.Equal(t, uint64(0x99), res.Value)
}

func TestHandleMMIOTrapUnresolvedBackendFails(t *testing.T) {
	fm := newFakeMessenger()
	c, err := NewCore(twoVMTopology(), fm)
	require.NoError(t, err)
	frontend := newFakeVCPU(1, 1)
	c.RegisterVCPU(frontend) // backend's vCPU never registers

	_, err = c.HandleMMIOTrap(frontend, EmulAccess{Addr: 0x1000, Width: 4, Reg: 0, Write: false})
	assert.ErrorIs(t, err, ErrBackendNotRunning)
}
