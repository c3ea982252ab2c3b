package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/machine"
	"github.com/ekliptik/qtrvsim/timing/cache"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

// FailReason is a set of failures a run is expected to end with.
type FailReason uint

const (
	// FailNone expects the program to exit normally.
	FailNone FailReason = 0
	// FailUnsupportedInstruction expects the core to stop on an
	// instruction it cannot decode.
	FailUnsupportedInstruction FailReason = 1 << 0
)

// FailAny accepts every failure.
const FailAny = FailUnsupportedInstruction

// DumpRange is a memory range written to a file after the run, one word
// per line.
type DumpRange struct {
	Start uint32
	Len   uint32
	Path  string
}

// Validate checks that the range is made of whole words and ends inside
// the 32-bit address space.
func (d DumpRange) Validate() error {
	if d.Len%4 != 0 {
		return fmt.Errorf("dump range length %d is not a multiple of 4", d.Len)
	}
	if d.end() > 1<<32 {
		return fmt.Errorf("dump range 0x%08x+%d wraps around the address space", d.Start, d.Len)
	}
	return nil
}

func (d DumpRange) end() uint64 {
	return uint64(d.Start) + uint64(d.Len)
}

// Reporter prints the end-of-run report and decides the process exit
// status. It observes the core to learn which exception stopped it.
type Reporter struct {
	pipeline.NopObserver

	out     io.Writer
	machine *machine.Machine

	regs       bool
	cacheStats bool
	cycles     bool
	expectFail FailReason
	dumps      []DumpRange

	stopped   bool
	stopCause pipeline.ExceptionCause
	stopAddr  uint32
}

// NewReporter returns a reporter for m and registers it as an observer.
func NewReporter(out io.Writer, m *machine.Machine) *Reporter {
	r := &Reporter{out: out, machine: m}
	m.AddObserver(r)
	return r
}

// ReportRegisters adds the PC, general-purpose registers and CSRs.
func (r *Reporter) ReportRegisters() {
	r.regs = true
}

// ReportCacheStats adds the cache statistics.
func (r *Reporter) ReportCacheStats() {
	r.cacheStats = true
}

// ReportCycles adds the cycle counters.
func (r *Reporter) ReportCycles() {
	r.cycles = true
}

// ExpectFail marks reason as the expected outcome of the run.
func (r *Reporter) ExpectFail(reason FailReason) {
	r.expectFail |= reason
}

// AddDumpRange schedules a memory dump.
func (r *Reporter) AddDumpRange(start, length uint32, path string) {
	r.dumps = append(r.dumps, DumpRange{Start: start, Len: length, Path: path})
}

// StopOnException implements pipeline.Observer.
func (r *Reporter) StopOnException(cause pipeline.ExceptionCause, addr uint32) {
	r.stopped = true
	r.stopCause = cause
	r.stopAddr = addr
}

// Report prints the report for a run that ended with reason and returns
// the process exit status.
//
// A program that exits reports its own status, unless a failure was
// expected. An unsupported instruction is a failure unless expected. Any
// other exception that stops the core is a normal end of the run.
func (r *Reporter) Report(reason machine.StopReason) (int, error) {
	status := 0

	switch reason {
	case machine.StopExit:
		if r.expectFail != FailNone {
			r.printf("Machine was expected to fail but it didn't.\n")
			status = 1
		} else {
			status = int(r.machine.ExitCode())
		}
	case machine.StopException:
		if r.stopped && r.stopCause == pipeline.ExcInsnIllegal {
			r.printf("Machine trapped: unsupported instruction at 0x%08x\n", r.stopAddr)
			if r.expectFail&FailUnsupportedInstruction == 0 {
				status = 1
			}
		} else {
			r.printf("Machine stopped on %s exception.\n", r.stopCause)
		}
	case machine.StopCycleLimit:
		r.printf("Machine stopped: cycle limit reached.\n")
		status = 1
	case machine.StopBreakpoint:
		r.printf("Machine stopped on breakpoint at 0x%08x.\n", r.machine.Regs().PC)
	}

	if err := r.report(); err != nil {
		return 1, err
	}
	return status, nil
}

func (r *Reporter) report() error {
	if r.regs {
		r.reportRegisters()
	}
	if r.cacheStats {
		stats := r.machine.Stats()
		r.reportCache("i-cache", stats.ICache)
		r.reportCache("d-cache", stats.DCache)
	}
	if r.cycles {
		stats := r.machine.Stats().Core
		r.printf("cycles: %d\n", stats.Cycles)
		r.printf("instructions: %d\n", stats.Instructions)
		r.printf("stalls: %d\n", stats.Stalls)
		r.printf("flushes: %d\n", stats.Flushes)
		r.printf("mispredictions: %d\n", stats.BranchMispredictions)
		r.printf("cpi: %.3f\n", stats.CPI())
	}

	for _, d := range r.dumps {
		if err := r.dumpRange(d); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) reportRegisters() {
	regs := r.machine.Regs()
	r.printf("PC:0x%08x\n", regs.PC)
	for i := uint8(0); i < emu.NumRegs; i++ {
		r.printf("R%d:0x%08x\n", i, regs.ReadReg(i))
	}

	csrs := r.machine.CSRs()
	for _, addr := range emu.CSRAddrs() {
		r.printf("%s:0x%08x\n", emu.CSRName(addr), csrs.Read(addr))
	}
}

func (r *Reporter) reportCache(name string, stats *cache.Statistics) {
	if stats == nil {
		r.printf("%s: disabled\n", name)
		return
	}
	r.printf("%s:reads: %d\n", name, stats.Reads)
	r.printf("%s:writes: %d\n", name, stats.Writes)
	r.printf("%s:hit: %d\n", name, stats.Hits)
	r.printf("%s:miss: %d\n", name, stats.Misses)
	r.printf("%s:hit-rate: %.3f\n", name, stats.HitRate())
	r.printf("%s:evictions: %d\n", name, stats.Evictions)
	r.printf("%s:writebacks: %d\n", name, stats.Writebacks)
}

func (r *Reporter) dumpRange(d DumpRange) error {
	if err := d.Validate(); err != nil {
		return err
	}

	f, err := os.Create(d.Path)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	mem := r.machine.Memory()
	for addr := uint64(d.Start); addr < d.end(); addr += 4 {
		word, err := emu.ReadUint(mem, uint32(addr), 4)
		if err != nil {
			return fmt.Errorf("failed to dump 0x%08x: %w", addr, err)
		}
		if _, err := fmt.Fprintf(w, "0x%08x\n", word); err != nil {
			return fmt.Errorf("failed to write dump file: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write dump file: %w", err)
	}
	return f.Close()
}

func (r *Reporter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}
