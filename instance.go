package virtiofwd

import (
	"errors"
	"fmt"
	"sync"

	"virtiofwd/vcpu"
)

// maxInstances is the capacity bound from §4.1: at most 50 VirtIO
// instances may be registered.
const maxInstances = 50

// window is a frontend VM's declared MMIO range for one VirtIO instance,
// used by the trap adaptor to map a faulting address to a virtio id.
type window struct {
	virtioID uint64
	base     uint64
	size     uint64
}

func (w window) contains(addr uint64) bool {
	return addr >= w.base && addr < w.base+w.size
}

// Instance is the immutable-after-boot pairing of one frontend and one
// backend VM sharing a virtio id (spec §3). cpu ids are resolved lazily
// the first time a vCPU belonging to each side runs; everything else is
// fixed at registry construction time.
//
// backendQueue, frontendQueue, and direction are mutated from whichever
// physical CPU is currently running the frontend or backend vCPU, so
// every access goes through mu — the per-instance lock the source
// program lacks and §9 requires.
type Instance struct {
	VirtioID        uint64
	BackendVMID     int
	FrontendVMID    int
	VirtioInterrupt uint32
	DeviceInterrupt uint32
	DeviceType      uint32
	Priority        uint32
	Polling         bool

	backendSeen  bool
	frontendSeen bool

	mu             sync.Mutex
	backendCPUID   vcpu.CPUID
	backendCPUSet  bool
	frontendCPUID  vcpu.CPUID
	frontendCPUSet bool
	direction      Direction
	pending        backendQueue
	replies        frontendQueue
}

// BackendCPU returns the instance's resolved backend physical CPU id.
func (inst *Instance) BackendCPU() (vcpu.CPUID, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.backendCPUID, inst.backendCPUSet
}

// FrontendCPU returns the instance's resolved frontend physical CPU id.
func (inst *Instance) FrontendCPU() (vcpu.CPUID, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.frontendCPUID, inst.frontendCPUSet
}

// Direction reports the last transport direction recorded for this
// instance, used only by the interrupt injector (C7).
func (inst *Instance) Direction() Direction {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.direction
}

// Registry is the static table of VirtIO instances (C1), built once at
// boot from a TopologyConfig and never mutated afterward except for the
// lazy per-CPU resolution in Instance and the per-instance queue state.
type Registry struct {
	byID    map[uint64]*Instance
	byVM    map[int][]uint64 // VM id -> virtio ids it participates in
	windows map[int][]window // VM id -> declared MMIO windows (frontend side)
	archOf  map[int]string
}

// NewRegistry scans cfg and builds the instance table. Every
// configuration fault (duplicate backend, capacity overflow) is
// collected and returned together via errors.Join so a single boot
// attempt reports everything wrong with the topology, matching the
// "fail fast, but completely" posture of the teacher's
// NewVirtualMachine constructor.
func NewRegistry(cfg *TopologyConfig) (*Registry, error) {
	r := &Registry{
		byID:    make(map[uint64]*Instance),
		byVM:    make(map[int][]uint64),
		windows: make(map[int][]window),
		archOf:  make(map[int]string),
	}

	var faults []error
	backendCount, frontendCount := 0, 0

	for _, vm := range cfg.VMs {
		r.archOf[vm.ID] = vm.Arch
		for _, dev := range vm.Platform.Devices {
			r.byVM[vm.ID] = append(r.byVM[vm.ID], dev.VirtioID)

			inst, ok := r.byID[dev.VirtioID]
			if !ok {
				if len(r.byID) >= maxInstances {
					faults = append(faults, fmt.Errorf("%w: virtio id %d exceeds capacity %d",
						ErrRegistryFull, dev.VirtioID, maxInstances))
					continue
				}
				inst = &Instance{VirtioID: dev.VirtioID}
				r.byID[dev.VirtioID] = inst
			}

			if dev.IsBackend {
				if inst.backendSeen {
					faults = append(faults, fmt.Errorf("%w: virtio id %d",
						ErrDuplicateBackend, dev.VirtioID))
					continue
				}
				inst.backendSeen = true
				inst.BackendVMID = vm.ID
				inst.DeviceType = dev.DeviceType
				inst.VirtioInterrupt = vm.Platform.VirtioInterrupt
				inst.Polling = vm.Platform.VirtioPolling
				backendCount++
			} else {
				inst.frontendSeen = true
				inst.FrontendVMID = vm.ID
				inst.Priority = dev.Priority
				inst.DeviceInterrupt = dev.DeviceInterrupt
				frontendCount++
				if dev.Size > 0 {
					r.windows[vm.ID] = append(r.windows[vm.ID], window{
						virtioID: dev.VirtioID,
						base:     dev.VA,
						size:     dev.Size,
					})
				}
			}
		}
	}

	if backendCount != frontendCount {
		faults = append(faults, fmt.Errorf("%w: %d backends, %d frontends",
			ErrUnpairedInstance, backendCount, frontendCount))
	}

	if len(faults) > 0 {
		return nil, errors.Join(faults...)
	}
	return r, nil
}

// Lookup returns the instance for a virtio id.
func (r *Registry) Lookup(virtioID uint64) (*Instance, bool) {
	inst, ok := r.byID[virtioID]
	return inst, ok
}

// Windows returns the declared VirtIO MMIO windows for a VM.
func (r *Registry) Windows(vmID int) []window {
	return r.windows[vmID]
}

// Arch returns the declared guest architecture for a VM.
func (r *Registry) Arch(vmID int) string {
	return r.archOf[vmID]
}

// AssignCPU resolves the physical CPU id for every instance in which
// vmID participates, as either backend or frontend. Mirrors
// virtio_assign_cpus in the source: called once when a vCPU belonging to
// vmID first runs on cpuID.
func (r *Registry) AssignCPU(vmID int, cpuID vcpu.CPUID) {
	for _, virtioID := range r.byVM[vmID] {
		inst := r.byID[virtioID]
		inst.mu.Lock()
		if inst.BackendVMID == vmID {
			inst.backendCPUID = cpuID
			inst.backendCPUSet = true
		}
		if inst.FrontendVMID == vmID {
			inst.frontendCPUID = cpuID
			inst.frontendCPUSet = true
		}
		inst.mu.Unlock()
	}
}
