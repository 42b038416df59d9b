// Package vcpu defines the narrow contract the request forwarding core
// needs from a virtual CPU, independent of which hypervisor owns its
// register file or which guest architecture it runs. Construction,
// scheduling, and everything else about the vCPU lifecycle belong to the
// embedding hypervisor; this core only reads/writes registers, parks and
// wakes the vCPU, and asks it to inject an interrupt.
package vcpu

import "virtiofwd/arch"

// CPUID identifies a physical CPU that a vCPU is pinned to for the
// lifetime of the system. Migration is not modeled.
type CPUID uint32

// VCPU is the set of operations the core performs against a trapped or
// resumed virtual CPU. Embedding hypervisors implement this against
// their own vCPU type.
type VCPU interface {
	// CPUID reports the physical CPU this vCPU is currently pinned to.
	CPUID() CPUID

	// VMID reports the id of the VM this vCPU belongs to.
	VMID() int

	// ReadRegister returns the current value of guest register idx.
	ReadRegister(idx int) uint64

	// WriteRegister sets guest register idx to val.
	WriteRegister(idx int, val uint64)

	// TrapFrame returns the architectural state captured by the stage-2
	// MMIO emulation layer for the instruction currently being handled.
	TrapFrame() arch.TrapFrame

	// SetTrapPC rewrites the exception-return program counter, used to
	// skip the trapping MMIO instruction once it has been emulated.
	SetTrapPC(pc uint64)

	// SetActive requests that the scheduler suspend (false) or resume
	// (true) this vCPU. It does not block.
	SetActive(active bool)

	// Active reports the vCPU's current scheduling eligibility.
	Active() bool

	// Idle parks the calling physical CPU in the hypervisor's idle loop.
	// Called only immediately after SetActive(false) on the vCPU that
	// was running on this physical CPU.
	Idle()

	// InjectIRQ asserts a virtual interrupt line on this vCPU.
	InjectIRQ(irqID uint32) error
}
