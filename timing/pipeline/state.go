package pipeline

// Statistics holds core performance statistics.
type Statistics struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions retired without an
	// exception.
	Instructions uint64
	// Stalls is the number of cycles decode was held by a data hazard.
	Stalls uint64
	// Flushes is the number of times younger instructions were discarded.
	Flushes uint64
	// Forwards is the number of operands supplied by forwarding.
	Forwards uint64
	// BranchPredictions is the number of resolved branches and jumps.
	BranchPredictions uint64
	// BranchMispredictions is the number of resolved control transfers
	// whose predicted next address was wrong.
	BranchMispredictions uint64
	// Exceptions is the number of finalized exceptions.
	Exceptions uint64
}

// CPI returns the cycles per instruction.
func (s Statistics) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// CoreState is everything the core exposes to observers between steps.
type CoreState struct {
	// The final interstage registers.
	IFID  FetchInterstage
	IDEX  DecodeInterstage
	EXMEM ExecuteInterstage
	MEMWB MemoryInterstage

	// WritebackValid and WritebackAddr describe the instruction that left
	// writeback during the last step.
	WritebackValid bool
	WritebackAddr  uint32

	// Per-cause policy flags.
	StopOnException   [NumExceptionCauses]bool
	StepOverException [NumExceptionCauses]bool

	Stats Statistics
}

// Cycles returns the cycle counter.
func (s *CoreState) Cycles() uint64 {
	return s.Stats.Cycles
}

// Stalls returns the stall counter.
func (s *CoreState) Stalls() uint64 {
	return s.Stats.Stalls
}

// clear empties the pipeline and the counters. The policy flags are
// configuration and survive.
func (s *CoreState) clear() {
	s.IFID.Clear()
	s.IDEX.Clear()
	s.EXMEM.Clear()
	s.MEMWB.Clear()
	s.WritebackValid = false
	s.WritebackAddr = 0
	s.Stats = Statistics{}
}

// Empty reports whether no instruction is in flight.
func (s *CoreState) Empty() bool {
	return !s.IFID.Valid && !s.IDEX.Valid && !s.EXMEM.Valid && !s.MEMWB.Valid
}
