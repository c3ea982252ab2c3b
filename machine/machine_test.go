package machine_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/insts"
	"github.com/ekliptik/qtrvsim/machine"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

const (
	a0 = emu.RegA0
	a1 = emu.RegA1
	a2 = emu.RegA2
	a7 = emu.RegA7
)

// helloProgram writes "hi\n" to stdout and exits with status 7.
var helloProgram = []uint32{
	insts.ADDI(a0, 0, 1),     // 0x00: fd
	insts.ADDI(a1, 0, 0x100), // 0x04: buf
	insts.ADDI(a2, 0, 3),     // 0x08: count
	insts.ADDI(a7, 0, 64),    // 0x0C: write
	insts.ECALL(),            // 0x10
	insts.ADDI(a0, 0, 7),     // 0x14
	insts.ADDI(a7, 0, 93),    // 0x18: exit
	insts.ECALL(),            // 0x1C
}

// sumProgram stores 10+9+...+1 at 0x100, reloads it and exits with twice
// the sum.
var sumProgram = []uint32{
	insts.ADDI(1, 0, 10),
	insts.ADDI(2, 0, 0),
	insts.ADD(2, 2, 1),
	insts.ADDI(1, 1, -1),
	insts.BNE(1, 0, -8),
	insts.SW(2, 0, 0x100),
	insts.LW(3, 0, 0x100),
	insts.ADD(a0, 3, 3),
	insts.ADDI(a7, 0, 93),
	insts.ECALL(),
}

func testConfig() *machine.Config {
	config := machine.DefaultConfig()
	config.MemorySize = 0x10000
	return config
}

var _ = Describe("Machine", func() {
	var stdout *bytes.Buffer

	BeforeEach(func() {
		stdout = &bytes.Buffer{}
	})

	build := func(config *machine.Config) *machine.Machine {
		m, err := machine.New(config,
			machine.WithLogger(quietLogger()),
			machine.WithStdout(stdout),
			machine.WithStderr(&bytes.Buffer{}))
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	loadHello := func(m *machine.Machine) {
		m.LoadProgram(0, helloProgram...)
		Expect(m.Memory().LoadBytes(0x100, []byte("hi\n"))).To(Succeed())
	}

	Describe("System calls", func() {
		DescribeTable("should write and exit in every core configuration",
			func(mutate func(*machine.Config)) {
				config := testConfig()
				mutate(config)
				m := build(config)
				loadHello(m)

				reason, err := m.Run()

				Expect(err).NotTo(HaveOccurred())
				Expect(reason).To(Equal(machine.StopExit))
				Expect(stdout.String()).To(Equal("hi\n"))
				Expect(m.Exited()).To(BeTrue())
				Expect(m.ExitCode()).To(Equal(int32(7)))
			},
			Entry("single-cycle", func(c *machine.Config) { c.Pipelined = false }),
			Entry("pipelined with forwarding", func(c *machine.Config) {}),
			Entry("pipelined with stalls", func(c *machine.Config) { c.HazardUnit = "stall" }),
			Entry("pipelined with caches", func(c *machine.Config) {
				c.ICache.Enabled = true
				c.DCache.Enabled = true
			}),
		)

		It("should stop on ecall when asked to even though it is handled", func() {
			config := testConfig()
			config.StopOnException = []string{"ecall"}
			m := build(config)
			loadHello(m)

			reason, err := m.Run()

			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopException))
			Expect(stdout.String()).To(Equal("hi\n"))
			Expect(m.Exited()).To(BeFalse())
		})
	})

	Describe("Caches", func() {
		It("should compute the same result with and without caches", func() {
			plain := build(testConfig())
			plain.LoadProgram(0, sumProgram...)
			_, err := plain.Run()
			Expect(err).NotTo(HaveOccurred())

			config := testConfig()
			config.ICache.Enabled = true
			config.DCache.Enabled = true
			cached := build(config)
			cached.LoadProgram(0, sumProgram...)
			reason, err := cached.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopExit))

			Expect(cached.ExitCode()).To(Equal(int32(110)))
			Expect(cached.ExitCode()).To(Equal(plain.ExitCode()))
			Expect(cached.Regs().X).To(Equal(plain.Regs().X))
		})

		It("should write dirty lines back when the run ends", func() {
			config := testConfig()
			config.DCache.Enabled = true
			m := build(config)
			m.LoadProgram(0, sumProgram...)

			_, err := m.Run()
			Expect(err).NotTo(HaveOccurred())

			Expect(m.Memory().Read32(0x100)).To(Equal(uint32(55)))
			stats := m.Stats()
			Expect(stats.DCache).NotTo(BeNil())
			Expect(stats.DCache.Writes).To(Equal(uint64(1)))
			Expect(stats.DCache.Hits).To(Equal(uint64(1)))
			Expect(stats.ICache).To(BeNil())
		})
	})

	Describe("Run limits", func() {
		It("should stop at the cycle limit", func() {
			config := testConfig()
			config.MaxCycles = 100
			m := build(config)
			m.LoadProgram(0, insts.JAL(0, 0))

			reason, err := m.Run()

			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopCycleLimit))
			Expect(m.Stats().Core.Cycles).To(Equal(uint64(100)))
		})

		It("should stop at breakpoints and continue past them", func() {
			config := testConfig()
			config.Pipelined = false
			m := build(config)
			loadHello(m)
			m.Core().InsertHwBreak(0x14)

			reason, err := m.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopBreakpoint))
			Expect(m.Regs().PC).To(Equal(uint32(0x14)))
			Expect(stdout.String()).To(Equal("hi\n"))

			reason, err = m.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopExit))
			Expect(m.ExitCode()).To(Equal(int32(7)))
		})

		It("should report exceptions that stop the core", func() {
			m := build(testConfig())
			m.LoadProgram(0, insts.ADDI(1, 0, 1), 0xFFFFFFFF)

			reason, err := m.Run()

			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopException))
			Expect(m.CSRs().Read(emu.CSRMCause)).To(Equal(pipeline.ExcInsnIllegal.Code()))
			Expect(m.CSRs().Read(emu.CSRMEPC)).To(Equal(uint32(4)))
		})
	})

	Describe("Trap vector", func() {
		It("should enter the guest handler", func() {
			config := testConfig()
			config.SyscallEmulation = false
			config.TrapVector = 0x40
			config.StopOnException = []string{"break"}
			m := build(config)
			m.LoadProgram(0, insts.ECALL())
			m.Memory().LoadProgram(0x40,
				insts.CSRRS(5, uint32(emu.CSRMCause), 0),
				insts.EBREAK(),
			)

			reason, err := m.Run()

			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopException))
			Expect(m.Regs().ReadReg(5)).To(Equal(pipeline.ExcEcall.Code()))
			Expect(m.CSRs().Read(emu.CSRMEPC)).To(Equal(uint32(0x44)))
		})
	})

	Describe("Stats", func() {
		It("should include predictor statistics for the bimodal predictor", func() {
			m := build(testConfig())
			m.LoadProgram(0, sumProgram...)
			_, err := m.Run()
			Expect(err).NotTo(HaveOccurred())

			stats := m.Stats()
			Expect(stats.Predictor).NotTo(BeNil())
			Expect(stats.Predictor.Predictions).To(Equal(uint64(10)))
			Expect(stats.Core.Instructions).To(BeNumerically(">", 30))
		})

		It("should omit predictor statistics for the static predictor", func() {
			config := testConfig()
			config.Predictor = "static"
			m := build(config)

			Expect(m.Stats().Predictor).To(BeNil())
		})
	})

	Describe("Reset", func() {
		It("should rerun the program from its entry", func() {
			m := build(testConfig())
			loadHello(m)
			_, err := m.Run()
			Expect(err).NotTo(HaveOccurred())

			Expect(m.Reset()).To(Succeed())
			Expect(m.Exited()).To(BeFalse())
			Expect(m.Regs().PC).To(BeZero())
			Expect(m.Stats().Core.Cycles).To(BeZero())

			reason, err := m.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(machine.StopExit))
			Expect(stdout.String()).To(Equal("hi\nhi\n"))
		})
	})

	It("should reject an invalid configuration", func() {
		config := testConfig()
		config.HazardUnit = "psychic"

		_, err := machine.New(config)
		Expect(err).To(MatchError(machine.ErrInvalidConfig))
	})
})
