package virtiofwd

import (
	"fmt"

	"virtiofwd/vcpu"
)

// injectInterrupt implements C7: on INJECT_INTERRUPT for a virtio id,
// look at the instance's last recorded Direction and assert the
// matching IRQ line on target. A zero IRQ number is fatal per §4.7 — we
// surface it as a wrapped ErrZeroIRQ rather than terminating the
// process, leaving the decision to crash to the embedding binary.
func (c *Core) injectInterrupt(virtioID uint64, target vcpu.VCPU) error {
	inst, ok := c.registry.Lookup(virtioID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, virtioID)
	}

	var irq uint32
	switch inst.Direction() {
	case FrontendToBackend:
		irq = inst.VirtioInterrupt
	case BackendToFrontend:
		irq = inst.DeviceInterrupt
	}

	if irq == 0 {
		return fmt.Errorf("%w: virtio id %d, direction %v", ErrZeroIRQ, virtioID, inst.Direction())
	}

	if err := target.InjectIRQ(irq); err != nil {
		return fmt.Errorf("virtiofwd: injecting irq %d for virtio id %d: %w", irq, virtioID, err)
	}
	return nil
}
