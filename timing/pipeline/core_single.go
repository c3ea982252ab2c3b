package pipeline

// stepSingle runs one instruction through all five stages. Every stage
// result is committed before the next stage starts, so no hazards exist.
// The predictor is consulted and trained only so statistics match the
// pipelined mode; the next PC is always the resolved one.
func (c *Core) stepSingle() error {
	s := &c.state

	fet := c.fetch()
	dec := c.decode(&fet)
	ex := c.execute(&dec)
	mem := c.memory(&ex)

	next := c.computeNextPC(&ex)
	c.resolveBranch(&ex)
	if mem.redirect {
		next = mem.target
	}
	if mem.out.Excause != ExcNone {
		ctx := exceptionContext(&ex, &mem.out)
		c.handleException(ctx)
		next = ctx.NextAddr
	}

	if err := c.writeback(&mem.out); err != nil {
		return err
	}

	s.IFID = fet
	s.IDEX = dec
	s.EXMEM = ex
	s.MEMWB = mem.out
	c.prevInstAddr = fet.InstAddr
	c.regs.PC = next
	return nil
}
