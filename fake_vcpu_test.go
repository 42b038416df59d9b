package virtiofwd

import (
	"context"

	"virtiofwd/arch"
	"virtiofwd/vcpu"
)

// fakeVCPU is a minimal in-memory vcpu.VCPU used across this package's
// tests so Core's wiring can be exercised without a real hypervisor.
type fakeVCPU struct {
	cpuID     vcpu.CPUID
	vmID      int
	regs      [32]uint64
	tf        arch.TrapFrame
	active    bool
	idleCalls int
	irqs      []uint32
}

func newFakeVCPU(cpuID vcpu.CPUID, vmID int) *fakeVCPU {
	return &fakeVCPU{cpuID: cpuID, vmID: vmID, active: true}
}

func (f *fakeVCPU) CPUID() vcpu.CPUID             { return f.cpuID }
func (f *fakeVCPU) VMID() int                      { return f.vmID }
func (f *fakeVCPU) ReadRegister(idx int) uint64    { return f.regs[idx] }
func (f *fakeVCPU) WriteRegister(idx int, v uint64) { f.regs[idx] = v }
func (f *fakeVCPU) TrapFrame() arch.TrapFrame      { return f.tf }
func (f *fakeVCPU) SetTrapPC(pc uint64)            { f.tf.PC = pc }
func (f *fakeVCPU) SetActive(active bool)          { f.active = active }
func (f *fakeVCPU) Active() bool                   { return f.active }
func (f *fakeVCPU) Idle()                          { f.idleCalls++ }
func (f *fakeVCPU) InjectIRQ(irqID uint32) error {
	f.irqs = append(f.irqs, irqID)
	return nil
}

// fakeMessenger delivers Send synchronously on the caller's goroutine
// instead of through eventfd/epoll, so tests can assert ordering without
// a real kernel doorbell.
type fakeMessenger struct {
	handlers map[vcpu.CPUID]func(Message)
	sent     []sentMessage
}

type sentMessage struct {
	target vcpu.CPUID
	msg    Message
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{handlers: make(map[vcpu.CPUID]func(Message))}
}

func (f *fakeMessenger) Handle(cpuID vcpu.CPUID, handler func(Message)) {
	f.handlers[cpuID] = handler
}

func (f *fakeMessenger) Send(target vcpu.CPUID, msg Message) error {
	f.sent = append(f.sent, sentMessage{target, msg})
	if h, ok := f.handlers[target]; ok {
		h(msg)
	}
	return nil
}

func (f *fakeMessenger) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeMessenger) Close() error { return nil }
