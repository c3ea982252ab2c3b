package emu

import "fmt"

// Machine-mode CSR addresses.
const (
	CSRMStatus  uint16 = 0x300
	CSRMTVec    uint16 = 0x305
	CSRMScratch uint16 = 0x340
	CSRMEPC     uint16 = 0x341
	CSRMCause   uint16 = 0x342
	CSRMTVal    uint16 = 0x343
	CSRMCycle   uint16 = 0xB00
	CSRMInstret uint16 = 0xB02
)

// mstatus bits.
const (
	MStatusMIE  uint32 = 1 << 3
	MStatusMPIE uint32 = 1 << 7
)

var csrNames = map[uint16]string{
	CSRMStatus:  "mstatus",
	CSRMTVec:    "mtvec",
	CSRMScratch: "mscratch",
	CSRMEPC:     "mepc",
	CSRMCause:   "mcause",
	CSRMTVal:    "mtval",
	CSRMCycle:   "mcycle",
	CSRMInstret: "minstret",
}

// CSRName returns the name of a CSR address.
func CSRName(addr uint16) string {
	if name, ok := csrNames[addr]; ok {
		return name
	}
	return fmt.Sprintf("csr0x%03x", addr)
}

// CSRAddrs lists the implemented CSRs in report order.
func CSRAddrs() []uint16 {
	return []uint16{
		CSRMStatus, CSRMTVec, CSRMScratch, CSRMEPC, CSRMCause, CSRMTVal,
		CSRMCycle, CSRMInstret,
	}
}

// CSRFile holds the coprocessor (control and status) registers the core
// consults on traps.
type CSRFile struct {
	regs map[uint16]uint32
}

// NewCSRFile returns a CSR file with all registers zeroed.
func NewCSRFile() *CSRFile {
	c := &CSRFile{}
	c.Reset()
	return c
}

// Reset clears all CSRs.
func (c *CSRFile) Reset() {
	c.regs = make(map[uint16]uint32, len(csrNames))
	for addr := range csrNames {
		c.regs[addr] = 0
	}
}

// Exists reports whether addr names an implemented CSR.
func (c *CSRFile) Exists(addr uint16) bool {
	_, ok := c.regs[addr]
	return ok
}

// Read returns the value of a CSR. Unimplemented CSRs read as zero.
func (c *CSRFile) Read(addr uint16) uint32 {
	return c.regs[addr]
}

// Write sets a CSR. Writes to unimplemented CSRs are dropped. mtvec and
// mepc are kept 4-byte aligned.
func (c *CSRFile) Write(addr uint16, value uint32) {
	if !c.Exists(addr) {
		return
	}
	switch addr {
	case CSRMTVec, CSRMEPC:
		value &^= 0x3
	}
	c.regs[addr] = value
}

// TrapVector returns the trap handler base address (mtvec).
func (c *CSRFile) TrapVector() uint32 {
	return c.regs[CSRMTVec]
}

// RecordTrap stores the trap cause, faulting PC and trap value.
func (c *CSRFile) RecordTrap(cause uint32, epc uint32, tval uint32) {
	c.Write(CSRMEPC, epc)
	c.regs[CSRMCause] = cause
	c.regs[CSRMTVal] = tval
}

// EnterTrap saves MIE into MPIE and disables interrupts.
func (c *CSRFile) EnterTrap() {
	status := c.regs[CSRMStatus]
	if status&MStatusMIE != 0 {
		status |= MStatusMPIE
	} else {
		status &^= MStatusMPIE
	}
	c.regs[CSRMStatus] = status &^ MStatusMIE
}

// ReturnFromTrap restores MIE from MPIE and returns mepc.
func (c *CSRFile) ReturnFromTrap() uint32 {
	status := c.regs[CSRMStatus]
	if status&MStatusMPIE != 0 {
		status |= MStatusMIE
	} else {
		status &^= MStatusMIE
	}
	c.regs[CSRMStatus] = status | MStatusMPIE
	return c.regs[CSRMEPC]
}

// SetCounters updates the read-only cycle and retired-instruction counters.
func (c *CSRFile) SetCounters(cycles, instret uint64) {
	c.regs[CSRMCycle] = uint32(cycles)
	c.regs[CSRMInstret] = uint32(instret)
}
