package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/insts"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

// sumProgram adds 10+9+...+1, stores the sum, reloads it and doubles it.
var sumProgram = []uint32{
	insts.ADDI(1, 0, 10),     // 0x00: x1 = 10
	insts.ADDI(2, 0, 0),      // 0x04: x2 = 0
	insts.ADD(2, 2, 1),       // 0x08: x2 += x1
	insts.ADDI(1, 1, -1),     // 0x0C: x1--
	insts.BNE(1, 0, -8),      // 0x10: loop to 0x08
	insts.SW(2, 0, 0x100),    // 0x14: mem[0x100] = x2
	insts.LW(3, 0, 0x100),    // 0x18: x3 = mem[0x100]
	insts.ADD(4, 3, 3),       // 0x1C: x4 = x3 + x3
	insts.EBREAK(),           // 0x20
}

var _ = Describe("Core", func() {
	var mem *emu.Memory

	BeforeEach(func() {
		mem = emu.NewMemory(emu.WithSize(0x10000))
	})

	Describe("Equivalence", func() {
		runSum := func(opts ...pipeline.CoreOption) (*emu.RegFile, *emu.Memory) {
			m := emu.NewMemory(emu.WithSize(0x10000))
			core, regs := newCore(m, 0, sumProgram, opts...)
			runToHalt(core, 500)
			return regs, m
		}

		DescribeTable("pipelined runs match the single-cycle run",
			func(hazard pipeline.HazardUnitMode, predictor pipeline.Predictor) {
				single, singleMem := runSum(pipeline.WithMode(pipeline.ModeSingle))
				regs, m := runSum(
					pipeline.WithMode(pipeline.ModePipelined),
					pipeline.WithHazardUnit(hazard),
					pipeline.WithPredictor(predictor),
				)

				Expect(regs.X).To(Equal(single.X))
				Expect(m.Read32(0x100)).To(Equal(singleMem.Read32(0x100)))
			},
			Entry("forward, static", pipeline.HazardForward, pipeline.NewStaticPredictor()),
			Entry("forward, btfnt", pipeline.HazardForward, pipeline.NewBTFNTPredictor()),
			Entry("forward, bimodal", pipeline.HazardForward,
				pipeline.NewBranchPredictor(pipeline.DefaultBranchPredictorConfig())),
			Entry("stall, static", pipeline.HazardStall, pipeline.NewStaticPredictor()),
		)

		It("should compute the sum in single-cycle mode", func() {
			single, singleMem := runSum(pipeline.WithMode(pipeline.ModeSingle))

			Expect(single.ReadReg(2)).To(Equal(uint32(55)))
			Expect(single.ReadReg(3)).To(Equal(uint32(55)))
			Expect(single.ReadReg(4)).To(Equal(uint32(110)))
			Expect(singleMem.Read32(0x100)).To(Equal(uint32(55)))
		})
	})

	Describe("Single-cycle mode", func() {
		It("should retire one instruction per step", func() {
			core, regs := newCore(mem, 0x200, []uint32{
				insts.ADDI(1, 0, 7),
				insts.ADDI(2, 1, 1),
			})

			status, err := core.Step(false)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(pipeline.StepCompleted))
			Expect(regs.ReadReg(1)).To(Equal(uint32(7)))
			Expect(regs.PC).To(Equal(uint32(0x204)))
			Expect(core.PrevInstAddr()).To(Equal(uint32(0x200)))

			_, err = core.Step(false)
			Expect(err).NotTo(HaveOccurred())
			Expect(regs.ReadReg(2)).To(Equal(uint32(8)))
			Expect(core.Stats().Cycles).To(Equal(uint64(2)))
			Expect(core.Stats().Instructions).To(Equal(uint64(2)))
			Expect(core.State().MEMWB.InstAddr).To(Equal(uint32(0x204)))
		})

		It("should follow jumps and link", func() {
			core, regs := newCore(mem, 0, []uint32{
				insts.JAL(1, 8),
				insts.ADDI(5, 0, 1),
				insts.ADDI(6, 0, 2),
			})

			_, err := core.Step(false)
			Expect(err).NotTo(HaveOccurred())
			Expect(regs.PC).To(Equal(uint32(8)))
			Expect(regs.ReadReg(1)).To(Equal(uint32(4)))
		})
	})

	Describe("Forwarding", func() {
		program := []uint32{
			insts.ADDI(1, 0, 5), // x1 = 5
			insts.ADD(3, 1, 1),  // x3 = x1 + x1
			insts.EBREAK(),
		}

		It("should not stall with stall+forward", func() {
			core, regs := newCore(mem, 0, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithHazardUnit(pipeline.HazardForward))

			runToHalt(core, 50)

			Expect(regs.ReadReg(3)).To(Equal(uint32(10)))
			Expect(core.Stats().Stalls).To(BeZero())
			Expect(core.Stats().Forwards).To(Equal(uint64(2)))
		})

		It("should stall exactly one cycle with stall only", func() {
			core, regs := newCore(mem, 0, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithHazardUnit(pipeline.HazardStall))

			runToHalt(core, 50)

			Expect(regs.ReadReg(3)).To(Equal(uint32(10)))
			Expect(core.Stats().Stalls).To(Equal(uint64(1)))
			Expect(core.Stats().Forwards).To(BeZero())
		})

		It("should not stall with stall only when one instruction separates the pair", func() {
			core, regs := newCore(mem, 0, []uint32{
				insts.ADDI(1, 0, 5),
				insts.ADDI(9, 0, 1),
				insts.ADD(3, 1, 1),
				insts.EBREAK(),
			}, pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithHazardUnit(pipeline.HazardStall))

			runToHalt(core, 50)

			Expect(regs.ReadReg(3)).To(Equal(uint32(10)))
			Expect(core.Stats().Stalls).To(BeZero())
		})

		It("should stall one cycle on a load-use dependency with stall only", func() {
			mem.Write32(0x100, 7)
			core, regs := newCore(mem, 0, []uint32{
				insts.LW(1, 0, 0x100),
				insts.ADD(3, 1, 1),
				insts.EBREAK(),
			}, pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithHazardUnit(pipeline.HazardStall))

			runToHalt(core, 50)

			Expect(regs.ReadReg(3)).To(Equal(uint32(14)))
			Expect(core.Stats().Stalls).To(Equal(uint64(1)))
		})

		It("should read a stale value without a hazard unit", func() {
			core, regs := newCore(mem, 0, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithHazardUnit(pipeline.HazardNone))

			runToHalt(core, 50)

			Expect(regs.ReadReg(1)).To(Equal(uint32(5)))
			Expect(regs.ReadReg(3)).To(BeZero())
			Expect(core.Stats().Stalls).To(BeZero())
		})

		It("should stall one cycle on a load-use dependency", func() {
			mem.Write32(0x100, 7)
			core, regs := newCore(mem, 0, []uint32{
				insts.LW(1, 0, 0x100),
				insts.ADD(3, 1, 1),
				insts.EBREAK(),
			}, pipeline.WithMode(pipeline.ModePipelined))

			runToHalt(core, 50)

			Expect(regs.ReadReg(3)).To(Equal(uint32(14)))
			Expect(core.Stats().Stalls).To(Equal(uint64(1)))
		})
	})

	Describe("Misprediction flush", func() {
		// The backward beq at 0x104 is predicted taken to 0x0F0 but falls
		// through, so the poison block must leave no trace.
		BeforeEach(func() {
			mem.LoadProgram(0x0F0,
				insts.ADDI(7, 0, 99),
				insts.SW(7, 0, 0x200),
				insts.EBREAK(),
			)
		})

		program := []uint32{
			insts.ADDI(1, 0, 1),   // 0x100
			insts.BEQ(1, 0, -4*5), // 0x104: to 0x0F0, not taken
			insts.ADDI(2, 0, 42),  // 0x108
			insts.EBREAK(),        // 0x10C
		}

		It("should redirect fetch to the fall-through address", func() {
			core, regs := newCore(mem, 0x100, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithPredictor(pipeline.NewBTFNTPredictor()))

			for i := 0; i < 4; i++ {
				_, err := core.Step(false)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(regs.PC).To(Equal(uint32(0x108)))
			Expect(core.State().EXMEM.InstAddr).To(Equal(uint32(0x104)))
			Expect(core.State().IDEX.Valid).To(BeFalse())
			Expect(core.State().IFID.Valid).To(BeFalse())
			Expect(core.Stats().BranchMispredictions).To(Equal(uint64(1)))
			Expect(core.Stats().Flushes).To(Equal(uint64(1)))
		})

		It("should not stop at a breakpoint on the wrong path", func() {
			obs := newRecordingObserver()
			core, regs := newCore(mem, 0x100, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithPredictor(pipeline.NewBTFNTPredictor()),
				pipeline.WithObserver(obs))
			core.InsertHwBreak(0x0F0)

			var statuses []pipeline.StepStatus
			for i := 0; i < 50 && !core.Halted(); i++ {
				status, err := core.Step(false)
				Expect(err).NotTo(HaveOccurred())
				statuses = append(statuses, status)
			}

			Expect(core.Halted()).To(BeTrue())
			Expect(statuses).NotTo(ContainElement(pipeline.StepBreakpoint))
			Expect(obs.stops).NotTo(ContainElement(pipeline.ExcHwBreak))
			Expect(regs.ReadReg(2)).To(Equal(uint32(42)))
			Expect(regs.ReadReg(7)).To(BeZero())
		})

		It("should stop at a breakpoint on the resolved path", func() {
			core, regs := newCore(mem, 0x100, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithPredictor(pipeline.NewBTFNTPredictor()))
			core.InsertHwBreak(0x108)

			status := pipeline.StepCompleted
			for i := 0; i < 10 && status != pipeline.StepBreakpoint; i++ {
				var err error
				status, err = core.Step(false)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(status).To(Equal(pipeline.StepBreakpoint))
			Expect(regs.PC).To(Equal(uint32(0x108)))
			Expect(regs.ReadReg(2)).To(BeZero())

			_, err := core.Step(true)
			Expect(err).NotTo(HaveOccurred())
			runToHalt(core, 50)
			Expect(regs.ReadReg(2)).To(Equal(uint32(42)))
		})

		It("should leave no trace of the wrong path", func() {
			core, regs := newCore(mem, 0x100, program,
				pipeline.WithMode(pipeline.ModePipelined),
				pipeline.WithPredictor(pipeline.NewBTFNTPredictor()))

			runToHalt(core, 50)

			Expect(regs.ReadReg(7)).To(BeZero())
			Expect(mem.Read32(0x200)).To(BeZero())
			Expect(regs.ReadReg(2)).To(Equal(uint32(42)))
			Expect(core.CSRs().Read(emu.CSRMEPC)).To(Equal(uint32(0x10C)))
		})
	})

	Describe("Hardware breakpoints", func() {
		var (
			core *pipeline.Core
			regs *emu.RegFile
			obs  *recordingObserver
		)

		BeforeEach(func() {
			obs = newRecordingObserver()
			core, regs = newCore(mem, 0, []uint32{
				insts.ADDI(1, 0, 1),
				insts.ADDI(2, 0, 2),
				insts.ADDI(3, 0, 3),
				insts.EBREAK(),
			}, pipeline.WithMode(pipeline.ModePipelined), pipeline.WithObserver(obs))
		})

		It("should be idempotent to insert twice", func() {
			core.InsertHwBreak(0x4)
			core.InsertHwBreak(0x4)
			Expect(core.Breakpoints()).To(Equal([]uint32{0x4}))

			core.RemoveHwBreak(0x4)
			Expect(core.IsHwBreak(0x4)).To(BeFalse())
		})

		It("should ignore removing an absent breakpoint", func() {
			core.InsertHwBreak(0x8)
			core.RemoveHwBreak(0x4)
			Expect(core.Breakpoints()).To(Equal([]uint32{0x8}))
		})

		It("should stop before fetching a breakpoint address", func() {
			core.InsertHwBreak(0x4)

			_, err := core.Step(false)
			Expect(err).NotTo(HaveOccurred())
			before := *core.State()

			status, err := core.Step(false)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(pipeline.StepBreakpoint))
			Expect(regs.PC).To(Equal(uint32(0x4)))
			Expect(*core.State()).To(Equal(before))
			Expect(obs.stops).To(Equal([]pipeline.ExceptionCause{pipeline.ExcHwBreak}))
			Expect(obs.steps).To(Equal(1))
		})

		It("should fetch the breakpoint address when skipping", func() {
			core.InsertHwBreak(0x4)
			core.Step(false)

			status, err := core.Step(true)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(pipeline.StepCompleted))
			Expect(core.State().IFID.InstAddr).To(Equal(uint32(0x4)))

			runToHalt(core, 50)
			Expect(regs.ReadReg(2)).To(Equal(uint32(2)))
		})

		It("should report stage addresses to observers", func() {
			for i := 0; i < 3; i++ {
				core.Step(false)
			}

			Expect(obs.lastAddr).To(HaveKeyWithValue(pipeline.StageFetch, uint32(0x8)))
			Expect(obs.lastAddr).To(HaveKeyWithValue(pipeline.StageDecode, uint32(0x4)))
			Expect(obs.lastAddr).To(HaveKeyWithValue(pipeline.StageExecute, uint32(0x0)))
			Expect(obs.lastAddr).NotTo(HaveKey(pipeline.StageMemory))
		})
	})

	Describe("Exceptions", func() {
		It("should finalize in order and discard younger writes", func() {
			core, regs := newCore(mem, 0, []uint32{
				insts.LW(1, 0, -4), // 0xFFFFFFFC is outside memory
				insts.ADDI(5, 0, 7),
				insts.ADDI(6, 0, 8),
			}, pipeline.WithMode(pipeline.ModePipelined))

			for i := 0; i < 4; i++ {
				_, err := core.Step(false)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(core.Halted()).To(BeTrue())
			Expect(regs.ReadReg(5)).To(BeZero())
			Expect(regs.ReadReg(6)).To(BeZero())

			state := core.State()
			Expect(state.MEMWB.Excause).To(Equal(pipeline.ExcLoadFault))
			Expect(state.EXMEM.Valid).To(BeFalse())
			Expect(state.IDEX.Valid).To(BeFalse())
			Expect(state.IFID.Valid).To(BeFalse())

			csrs := core.CSRs()
			Expect(csrs.Read(emu.CSRMCause)).To(Equal(uint32(5)))
			Expect(csrs.Read(emu.CSRMEPC)).To(BeZero())
			Expect(csrs.Read(emu.CSRMTVal)).To(Equal(uint32(0xFFFFFFFC)))

			status, _ := core.Step(false)
			Expect(status).To(Equal(pipeline.StepHalted))
		})

		DescribeTable("unsupported instructions stop by default",
			func(mode pipeline.Mode) {
				core, regs := newCore(mem, 0, []uint32{
					insts.ADDI(1, 0, 1),
					0xFFFFFFFF,
					insts.ADDI(2, 0, 2),
				}, pipeline.WithMode(mode))

				runToHalt(core, 50)

				Expect(regs.ReadReg(1)).To(Equal(uint32(1)))
				Expect(regs.ReadReg(2)).To(BeZero())
				Expect(regs.PC).To(Equal(uint32(8)))
				Expect(core.CSRs().Read(emu.CSRMCause)).To(Equal(uint32(2)))
			},
			Entry("single-cycle", pipeline.ModeSingle),
			Entry("pipelined", pipeline.ModePipelined),
		)

		It("should continue when a registered handler says so", func() {
			var seen []uint32
			core, regs := newCore(mem, 0, []uint32{
				0xFFFFFFFF,
				insts.ADDI(2, 0, 2),
				insts.EBREAK(),
			}, pipeline.WithMode(pipeline.ModePipelined))
			core.RegisterExceptionHandler(pipeline.ExcInsnIllegal,
				pipeline.ExceptionHandlerFunc(func(_ *pipeline.Core, ctx *pipeline.ExceptionContext) bool {
					seen = append(seen, ctx.InstAddr)
					return true
				}))

			runToHalt(core, 50)

			Expect(seen).To(Equal([]uint32{0}))
			Expect(regs.ReadReg(2)).To(Equal(uint32(2)))
			Expect(core.Stats().Exceptions).To(Equal(uint64(2)))
		})

		It("should step over a cause without a handler", func() {
			core, regs := newCore(mem, 0, []uint32{
				insts.EBREAK(),
				insts.ADDI(2, 0, 2),
				0xFFFFFFFF,
			}, pipeline.WithMode(pipeline.ModePipelined))
			core.SetStepOverException(pipeline.ExcBreak, true)
			Expect(core.StepOverException(pipeline.ExcBreak)).To(BeTrue())

			runToHalt(core, 50)

			Expect(regs.ReadReg(2)).To(Equal(uint32(2)))
			Expect(core.CSRs().Read(emu.CSRMCause)).To(Equal(uint32(2)))
		})

		It("should halt on a stop-on-exception cause even when handled", func() {
			obs := newRecordingObserver()
			core, regs := newCore(mem, 0, []uint32{
				insts.ECALL(),
				insts.ADDI(2, 0, 2),
			}, pipeline.WithObserver(obs))
			core.RegisterExceptionHandler(pipeline.ExcEcall,
				pipeline.ExceptionHandlerFunc(func(*pipeline.Core, *pipeline.ExceptionContext) bool {
					return true
				}))
			core.SetStopOnException(pipeline.ExcEcall, true)

			core.Step(false)

			Expect(core.Halted()).To(BeTrue())
			Expect(obs.stops).To(Equal([]pipeline.ExceptionCause{pipeline.ExcEcall}))
			Expect(regs.PC).To(Equal(uint32(4)))

			core.Resume()
			core.Step(false)
			Expect(regs.ReadReg(2)).To(Equal(uint32(2)))
		})

		DescribeTable("traps to the guest handler and returns with mret",
			func(mode pipeline.Mode) {
				mtvec := uint32(emu.CSRMTVec)
				mepc := uint32(emu.CSRMEPC)
				mcause := uint32(emu.CSRMCause)
				mem.LoadProgram(0x40,
					insts.CSRRS(6, mcause, 0),
					insts.CSRRS(5, mepc, 0),
					insts.ADDI(5, 5, 4),
					insts.CSRRW(0, mepc, 5),
					insts.MRET(),
				)
				core, regs := newCore(mem, 0, []uint32{
					insts.ADDI(1, 0, 0x40),
					insts.CSRRW(0, mtvec, 1),
					insts.ECALL(),
					insts.ADDI(9, 0, 1),
					insts.EBREAK(),
				}, pipeline.WithMode(mode))
				core.SetStopOnException(pipeline.ExcBreak, true)

				runToHalt(core, 200)

				Expect(regs.ReadReg(6)).To(Equal(uint32(11)))
				Expect(regs.ReadReg(5)).To(Equal(uint32(0x0C)))
				Expect(regs.ReadReg(9)).To(Equal(uint32(1)))
				Expect(regs.PC).To(Equal(uint32(0x40)))
				Expect(core.CSRs().Read(emu.CSRMEPC)).To(Equal(uint32(0x10)))
			},
			Entry("single-cycle", pipeline.ModeSingle),
			Entry("pipelined", pipeline.ModePipelined),
		)
	})

	Describe("Reset", func() {
		It("should be idempotent", func() {
			core, regs := newCore(mem, 0, sumProgram, pipeline.WithMode(pipeline.ModePipelined))
			core.SetStopOnException(pipeline.ExcEcall, true)
			for i := 0; i < 7; i++ {
				core.Step(false)
			}

			core.Reset()
			once := *core.State()
			core.Reset()

			Expect(*core.State()).To(Equal(once))
			Expect(once.Empty()).To(BeTrue())
			Expect(once.Cycles()).To(BeZero())
			Expect(once.Stalls()).To(BeZero())
			Expect(once.StopOnException[pipeline.ExcEcall]).To(BeTrue())
			Expect(regs.ReadReg(1)).NotTo(BeZero())
		})

		It("should clear the halt", func() {
			core, _ := newCore(mem, 0, []uint32{insts.EBREAK()})
			core.Step(false)
			Expect(core.Halted()).To(BeTrue())

			core.Reset()
			Expect(core.Halted()).To(BeFalse())
		})
	})

	It("should parse exception cause names", func() {
		cause, err := pipeline.ParseExceptionCause("unsupported_insn")
		Expect(err).NotTo(HaveOccurred())
		Expect(cause).To(Equal(pipeline.ExcInsnIllegal))
		Expect(cause.Code()).To(Equal(uint32(2)))
	})
})
