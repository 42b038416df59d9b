package virtiofwd

import "virtiofwd/vcpu"

// Op identifies whether an access record represents a guest load or
// store against the emulated device's MMIO window.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "WRITE"
	}
	return "READ"
}

// Direction records which way the last transport event for an instance
// travelled. The interrupt injector uses it, and nothing else, to choose
// which IRQ number to assert.
type Direction uint8

const (
	FrontendToBackend Direction = iota
	BackendToFrontend
)

func (d Direction) String() string {
	if d == BackendToFrontend {
		return "BACKEND_TO_FRONTEND"
	}
	return "FRONTEND_TO_BACKEND"
}

// recordHandle indexes a record within its owning pool. Queues store
// handles rather than pointers so that ownership transfer between the
// backend and frontend pools is an explicit copy, never a shared
// mutation (invariant 2).
type recordHandle uint32

const noHandle recordHandle = ^recordHandle(0)

// AccessRecord represents one in-flight MMIO transaction travelling from
// a frontend vCPU to the backend VM and back. See spec §3.
type AccessRecord struct {
	RegOff        uint64
	Addr          uint64
	AccessWidth   uint8
	Op            Op
	Value         uint64
	Reg           int
	Priority      uint32
	FrontendCPUID vcpu.CPUID
	Handled       bool

	// VirtioID is not part of the wire record in the source program (it
	// is implied by which instance's list the record lives on); it is
	// kept here too so a record can be logged/inspected on its own.
	VirtioID uint64
}
