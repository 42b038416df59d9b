package arch

import "testing"

func TestForKnownArchitectures(t *testing.T) {
	cases := []struct {
		name Name
		tf   TrapFrame
		want uint64
	}{
		{AMD64, TrapFrame{PC: 0x1000, InstrLen: 3}, 0x1003},
		{ARM64, TrapFrame{PC: 0x2000, InstrLen: 7}, 0x2004}, // InstrLen ignored, fixed width
		{RISCV64, TrapFrame{PC: 0x3000, InstrLen: 2}, 0x3002},
	}
	for _, c := range cases {
		t.Run(string(c.name), func(t *testing.T) {
			adv, err := For(c.name)
			if err != nil {
				t.Fatalf("For(%s): unexpected error: %v", c.name, err)
			}
			if got := adv.Advance(c.tf); got != c.want {
				t.Errorf("Advance(%+v) = 0x%x, want 0x%x", c.tf, got, c.want)
			}
		})
	}
}

func TestForUnknownArchitecture(t *testing.T) {
	if _, err := For("sparc64"); err == nil {
		t.Fatal("expected error for unknown architecture")
	}
}
