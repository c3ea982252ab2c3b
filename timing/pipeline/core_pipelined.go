package pipeline

import "github.com/sirupsen/logrus"

// stepPipelined advances the pipeline by one cycle.
//
// Stages are evaluated in reverse order (WB→MEM→EX→ID→IF) from the final
// registers of the previous cycle, then latched together. Writeback
// commits before decode reads the register file, so a value written back
// this cycle is visible to decode in the same cycle. Without forwarding
// the memory stage also writes its result to the register file, so decode
// reads a value one cycle after it left execute.
//
// With holdFetch the fetch stage inserts a bubble and the PC is kept
// unless an older instruction redirects it.
//
// Priority of the latch decision:
//   - an exception, CSR access or mret leaving memory flushes everything
//     younger and redirects fetch;
//   - a mispredicted branch or jump leaving execute flushes decode and
//     fetch and redirects fetch to the resolved address;
//   - a data hazard in decode holds fetch and decode and inserts a bubble
//     into execute;
//   - otherwise every stage advances and fetch continues at the predicted
//     address.
func (c *Core) stepPipelined(holdFetch bool) error {
	s := &c.state

	// Stage 5: Writeback
	if err := c.writeback(&s.MEMWB); err != nil {
		return err
	}

	// Stage 4: Memory
	mem := c.memory(&s.EXMEM)
	if c.hazardUnit.Mode() == HazardStall && mem.out.Writes() {
		c.regs.WriteReg(mem.out.Rd, mem.out.Value)
	}

	// Stage 3: Execute
	ex := c.execute(&s.IDEX)

	// Stage 2: Decode
	dec := c.decode(&s.IFID)

	if mem.out.Valid && (mem.out.Excause != ExcNone || mem.redirect) {
		return c.latchMemoryRedirect(&mem, &ex, &dec)
	}

	if c.resolveBranch(&ex) {
		next := c.computeNextPC(&ex)
		c.logger.WithFields(logrus.Fields{
			"inst_addr": ex.InstAddr,
			"predicted": ex.PredictedNext,
			"actual":    next,
		}).Debug("branch mispredicted")

		if err := c.flush(ex.Seq, &dec); err != nil {
			return err
		}
		s.MEMWB = mem.out
		s.EXMEM = ex
		s.IDEX.Clear()
		s.IFID.Clear()
		c.regs.PC = next
		return nil
	}

	stall, forwards := c.hazardUnit.Resolve(&dec, &ex, &mem.out)
	if stall {
		s.Stats.Stalls++
		s.MEMWB = mem.out
		s.EXMEM = ex
		s.IDEX.Clear()
		// IF/ID and PC are held
		return nil
	}
	s.Stats.Forwards += uint64(forwards)

	s.MEMWB = mem.out
	s.EXMEM = ex
	s.IDEX = dec
	if holdFetch {
		s.IFID.Clear()
		return nil
	}

	// Stage 1: Fetch
	fet := c.fetch()
	c.prevInstAddr = fet.InstAddr
	s.IFID = fet
	c.regs.PC = fet.PredictedNext
	return nil
}

// latchMemoryRedirect finalizes an exception or a serializing instruction
// leaving memory: younger instructions are discarded and fetch restarts at
// the redirect address.
func (c *Core) latchMemoryRedirect(mem *memoryResult, ex *ExecuteInterstage, dec *DecodeInterstage) error {
	s := &c.state

	next := mem.target
	if mem.out.Excause != ExcNone {
		ctx := exceptionContext(&s.EXMEM, &mem.out)
		c.handleException(ctx)
		next = ctx.NextAddr
	}

	if err := c.flush(mem.out.Seq, ex, dec); err != nil {
		return err
	}

	s.MEMWB = mem.out
	s.EXMEM.Clear()
	s.IDEX.Clear()
	s.IFID.Clear()
	c.regs.PC = next
	return nil
}
