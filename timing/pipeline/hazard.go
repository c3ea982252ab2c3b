package pipeline

import "fmt"

// HazardUnitMode selects how data hazards between in-flight instructions
// are resolved.
type HazardUnitMode int

const (
	// HazardNone neither stalls nor forwards. Dependent instructions read
	// stale register values.
	HazardNone HazardUnitMode = iota
	// HazardStall stalls decode while the producer is in execute. The
	// memory stage commits register results in this mode, so the value is
	// read from the register file one cycle later.
	HazardStall
	// HazardForward forwards computed values and stalls only when the
	// value is not computed yet.
	HazardForward
)

var hazardModeNames = map[HazardUnitMode]string{
	HazardNone:    "none",
	HazardStall:   "stall",
	HazardForward: "forward",
}

func (m HazardUnitMode) String() string {
	if name, ok := hazardModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("HazardUnitMode(%d)", int(m))
}

// ParseHazardUnitMode converts a configuration name into a mode.
func ParseHazardUnitMode(name string) (HazardUnitMode, error) {
	for mode, n := range hazardModeNames {
		if n == name {
			return mode, nil
		}
	}
	return HazardNone, fmt.Errorf("unknown hazard unit %q", name)
}

// ForwardSource indicates where a forwarded value came from.
type ForwardSource int

const (
	// ForwardNone means the value was read from the register file.
	ForwardNone ForwardSource = iota
	// ForwardFromExecute means the value is the execute stage's result.
	ForwardFromExecute
	// ForwardFromMemory means the value is the memory stage's result.
	ForwardFromMemory
)

// operandResolution is the hazard unit's decision for one source operand.
type operandResolution struct {
	source ForwardSource
	value  uint32
	stall  bool
}

// HazardUnit detects data hazards between the instruction in decode and
// the instructions leaving execute and memory in the same cycle.
type HazardUnit struct {
	mode HazardUnitMode
}

// NewHazardUnit creates a new hazard detection unit.
func NewHazardUnit(mode HazardUnitMode) *HazardUnit {
	return &HazardUnit{mode: mode}
}

// Mode returns the configured mode.
func (h *HazardUnit) Mode() HazardUnitMode {
	return h.mode
}

// Resolve checks both source operands of dec and applies forwarding to it.
// It returns true when decode has to stall.
func (h *HazardUnit) Resolve(
	dec *DecodeInterstage,
	ex *ExecuteInterstage,
	mem *MemoryInterstage,
) (stall bool, forwards int) {
	if h.mode == HazardNone || !dec.Valid || dec.Excause != ExcNone {
		return false, 0
	}

	rs1 := h.resolveOperand(dec.Rs1, ex, mem)
	rs2 := h.resolveOperand(dec.Rs2, ex, mem)
	if rs1.stall || rs2.stall {
		return true, 0
	}

	if rs1.source != ForwardNone {
		dec.Rs1Value = rs1.value
		dec.FwdRs1 = rs1.source
		forwards++
	}
	if rs2.source != ForwardNone {
		dec.Rs2Value = rs2.value
		dec.FwdRs2 = rs2.source
		forwards++
	}
	return false, forwards
}

func (h *HazardUnit) resolveOperand(
	reg uint8,
	ex *ExecuteInterstage,
	mem *MemoryInterstage,
) operandResolution {
	// x0 always reads as 0, no need to forward
	if reg == 0 {
		return operandResolution{}
	}

	// Priority: execute has precedence over memory (more recent value)
	if ex.Valid && ex.Excause == ExcNone && ex.RegWrite && ex.Rd == reg {
		if h.mode == HazardStall || ex.MemRead || ex.IsCSR {
			return operandResolution{stall: true}
		}
		return operandResolution{source: ForwardFromExecute, value: ex.ALUValue}
	}

	// In stall mode the memory stage has already written the register file.
	if h.mode == HazardForward && mem.Writes() && mem.Rd == reg {
		return operandResolution{source: ForwardFromMemory, value: mem.Value}
	}

	return operandResolution{}
}
