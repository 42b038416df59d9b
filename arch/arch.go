// Package arch abstracts the one architecture-specific step the request
// forwarding core needs: advancing a trapped frontend vCPU's program
// counter past the MMIO instruction that was just emulated.
package arch

import "fmt"

// TrapFrame carries the architectural state the stage-2 MMIO emulation
// layer decoded for a single trapping instruction. InstrLen is the
// decoded length of that instruction in bytes, read from the trap frame
// itself rather than assumed by the caller.
type TrapFrame struct {
	PC       uint64
	InstrLen uint64
}

// PCAdvancer computes the return PC for a trapped vCPU after its MMIO
// instruction has been emulated. Implementations are per architecture:
// some fixed-width ISAs ignore the decoded length entirely, others must
// use it.
type PCAdvancer interface {
	Advance(tf TrapFrame) uint64
}

// Name identifies a guest architecture as declared in the static VM
// configuration (§6 of the topology file).
type Name string

const (
	AMD64   Name = "amd64"
	ARM64   Name = "arm64"
	RISCV64 Name = "riscv64"
)

// amd64Advancer advances by the decoded instruction length: x86 has
// variable-length instructions, so the stage-2 decoder's InstrLen is the
// only correct answer.
type amd64Advancer struct{}

func (amd64Advancer) Advance(tf TrapFrame) uint64 { return tf.PC + tf.InstrLen }

// arm64Advancer always advances by 4: every A64 instruction is exactly
// one word, so InstrLen from the trap frame is redundant and ignored.
type arm64Advancer struct{}

func (arm64Advancer) Advance(tf TrapFrame) uint64 { return tf.PC + 4 }

// riscv64Advancer advances by the decoded length: the C extension makes
// RISC-V instructions either 2 or 4 bytes, so InstrLen must come from
// the trap frame exactly as amd64 does.
type riscv64Advancer struct{}

func (riscv64Advancer) Advance(tf TrapFrame) uint64 { return tf.PC + tf.InstrLen }

// For resolves the PCAdvancer for a named guest architecture.
func For(name Name) (PCAdvancer, error) {
	switch name {
	case AMD64:
		return amd64Advancer{}, nil
	case ARM64:
		return arm64Advancer{}, nil
	case RISCV64:
		return riscv64Advancer{}, nil
	default:
		return nil, fmt.Errorf("arch: unknown architecture %q", name)
	}
}
