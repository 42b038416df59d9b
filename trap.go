package virtiofwd

import (
	"fmt"

	"virtiofwd/arch"
	"virtiofwd/vcpu"
)

// EmulAccess is the MMIO emulation contract from §6: the stage-2 fault
// decoded into an absolute guest physical address, access width, target
// register, and direction.
type EmulAccess struct {
	Addr  uint64
	Width uint8
	Reg   int
	Write bool
}

// findWindow locates the frontend VirtIO window containing addr for the
// given VM, or reports ErrNoWindow.
func (c *Core) findWindow(vmID int, addr uint64) (window, error) {
	for _, w := range c.registry.Windows(vmID) {
		if w.contains(addr) {
			return w, nil
		}
	}
	return window{}, ErrNoWindow
}

// HandleMMIOTrap is C4: the MMIO trap adaptor. It is invoked by the
// embedding hypervisor's stage-2 emulation layer whenever a frontend
// vCPU faults. It returns (false, nil) when the address belongs to no
// VirtIO window, so the caller can try other emulators (step 1 of §4.3).
func (c *Core) HandleMMIOTrap(v vcpu.VCPU, acc EmulAccess) (bool, error) {
	w, err := c.findWindow(v.VMID(), acc.Addr)
	if err != nil {
		return false, nil
	}

	inst, ok := c.registry.Lookup(w.virtioID)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownInstance, w.virtioID)
	}

	backendCPU, resolved := inst.BackendCPU()
	if !resolved {
		return false, fmt.Errorf("%w: virtio id %d", ErrBackendNotRunning, w.virtioID)
	}

	h, err := c.backendPool.alloc()
	if err != nil {
		c.metrics.poolExhausted.Inc()
		return false, err
	}
	rec := c.backendPool.get(h)
	rec.VirtioID = w.virtioID
	rec.RegOff = acc.Addr - w.base
	rec.Addr = acc.Addr
	rec.Reg = acc.Reg
	rec.AccessWidth = acc.Width
	rec.Priority = inst.Priority
	rec.FrontendCPUID = v.CPUID()
	rec.Handled = false
	if acc.Write {
		rec.Op = OpWrite
		rec.Value = v.ReadRegister(acc.Reg)
	} else {
		rec.Op = OpRead
		rec.Value = 0
	}

	inst.mu.Lock()
	inst.pending.insert(c.backendPool, h)
	inst.direction = FrontendToBackend
	inst.mu.Unlock()
	c.metrics.backendPoolLive.Set(float64(c.backendPool.liveCount()))

	event := EventInjectInterrupt
	if inst.Polling {
		event = EventNotifyBackendPoll
	}
	if err := c.messenger.Send(backendCPU, Message{Event: event, VirtioID: w.virtioID}); err != nil {
		c.log.WithError(err).Warn("virtiofwd: failed to notify backend cpu of pending request")
	}

	advancer, aerr := arch.For(arch.Name(c.registry.Arch(v.VMID())))
	if aerr != nil {
		advancer = noopAdvancer{}
	}
	tf := v.TrapFrame()
	v.SetTrapPC(advancer.Advance(tf))
	v.SetActive(false)
	v.Idle()

	return true, nil
}

// noopAdvancer is used only if a VM declares an unrecognized
// architecture; it leaves the PC untouched rather than panicking, since
// an unknown arch is a configuration problem, not a reason to corrupt
// guest state at trap time. NewRegistry does not validate the declared
// architecture.
type noopAdvancer struct{}

func (noopAdvancer) Advance(tf arch.TrapFrame) uint64 { return tf.PC }
