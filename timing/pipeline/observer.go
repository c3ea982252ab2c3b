package pipeline

import "fmt"

// Stage names a pipeline stage.
type Stage int

// Pipeline stages in program order.
const (
	StageFetch Stage = iota
	StageDecode
	StageExecute
	StageMemory
	StageWriteback
)

var stageNames = []string{"fetch", "decode", "execute", "memory", "writeback"}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Stages lists all stages in program order.
func Stages() []Stage {
	return []Stage{StageFetch, StageDecode, StageExecute, StageMemory, StageWriteback}
}

// Observer receives notifications from the core. Calls happen inside Step;
// architectural state is only consistent in StepDone.
type Observer interface {
	// StageAddress reports the instruction address each stage holds after
	// the step. valid is false for bubbles.
	StageAddress(stage Stage, addr uint32, valid bool)
	// StopOnException reports that an exception halted the core.
	StopOnException(cause ExceptionCause, addr uint32)
	// StepDone is called once a step has finished.
	StepDone(state *CoreState)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

// StageAddress implements Observer.
func (NopObserver) StageAddress(Stage, uint32, bool) {}

// StopOnException implements Observer.
func (NopObserver) StopOnException(ExceptionCause, uint32) {}

// StepDone implements Observer.
func (NopObserver) StepDone(*CoreState) {}

// AddObserver registers an observer.
func (c *Core) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

func (c *Core) notifyStepDone() {
	if len(c.observers) == 0 {
		return
	}
	s := &c.state
	addrs := []struct {
		stage Stage
		addr  uint32
		valid bool
	}{
		{StageFetch, s.IFID.InstAddr, s.IFID.Valid},
		{StageDecode, s.IDEX.InstAddr, s.IDEX.Valid},
		{StageExecute, s.EXMEM.InstAddr, s.EXMEM.Valid},
		{StageMemory, s.MEMWB.InstAddr, s.MEMWB.Valid},
		{StageWriteback, s.WritebackAddr, s.WritebackValid},
	}
	for _, o := range c.observers {
		for _, a := range addrs {
			o.StageAddress(a.stage, a.addr, a.valid)
		}
		o.StepDone(s)
	}
}
