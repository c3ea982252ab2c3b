package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ekliptik/qtrvsim/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Immediate ALU instructions", func() {
		// addi x1, x0, 10 -> 0x00A00093
		It("should decode addi x1, x0, 10", func() {
			inst := decoder.Decode(0x00A00093)

			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Format).To(Equal(insts.FormatI))
			Expect(inst.Rd).To(Equal(uint8(1)))
			Expect(inst.Rs1).To(Equal(uint8(0)))
			Expect(inst.Imm).To(Equal(int32(10)))
			Expect(inst.WritesRd()).To(BeTrue())
		})

		It("should sign-extend negative immediates", func() {
			inst := decoder.Decode(insts.ADDI(2, 2, -4))

			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Imm).To(Equal(int32(-4)))
		})

		It("should decode srai with the shift amount as immediate", func() {
			// srai x5, x6, 3 -> 0x40335293
			inst := decoder.Decode(0x40335293)

			Expect(inst.Op).To(Equal(insts.OpSRAI))
			Expect(inst.Rd).To(Equal(uint8(5)))
			Expect(inst.Rs1).To(Equal(uint8(6)))
			Expect(inst.Imm).To(Equal(int32(3)))
		})
	})

	Describe("Register ALU instructions", func() {
		// add x3, x1, x2 -> 0x002081B3
		It("should decode add x3, x1, x2", func() {
			inst := decoder.Decode(0x002081B3)

			Expect(inst.Op).To(Equal(insts.OpADD))
			Expect(inst.Format).To(Equal(insts.FormatR))
			Expect(inst.Rd).To(Equal(uint8(3)))
			Expect(inst.Rs1).To(Equal(uint8(1)))
			Expect(inst.Rs2).To(Equal(uint8(2)))
			Expect(inst.UsesRs1()).To(BeTrue())
			Expect(inst.UsesRs2()).To(BeTrue())
		})

		It("should decode sub and mul", func() {
			Expect(decoder.Decode(insts.SUB(1, 2, 3)).Op).To(Equal(insts.OpSUB))
			Expect(decoder.Decode(insts.MUL(1, 2, 3)).Op).To(Equal(insts.OpMUL))
		})
	})

	Describe("Memory instructions", func() {
		// lw x5, 8(x2) -> 0x00812283
		It("should decode lw x5, 8(x2)", func() {
			inst := decoder.Decode(0x00812283)

			Expect(inst.Op).To(Equal(insts.OpLW))
			Expect(inst.Rd).To(Equal(uint8(5)))
			Expect(inst.Rs1).To(Equal(uint8(2)))
			Expect(inst.Imm).To(Equal(int32(8)))
			Expect(inst.IsLoad()).To(BeTrue())
			Expect(inst.MemSize()).To(Equal(4))
			Expect(inst.MemSigned()).To(BeTrue())
		})

		// sw x5, 12(x2) -> 0x00512623
		It("should decode sw x5, 12(x2)", func() {
			inst := decoder.Decode(0x00512623)

			Expect(inst.Op).To(Equal(insts.OpSW))
			Expect(inst.Format).To(Equal(insts.FormatS))
			Expect(inst.Rs1).To(Equal(uint8(2)))
			Expect(inst.Rs2).To(Equal(uint8(5)))
			Expect(inst.Imm).To(Equal(int32(12)))
			Expect(inst.IsStore()).To(BeTrue())
			Expect(inst.WritesRd()).To(BeFalse())
		})

		It("should decode lbu as unsigned", func() {
			// lbu x1, 0(x2) -> 0x00014083
			inst := decoder.Decode(0x00014083)

			Expect(inst.Op).To(Equal(insts.OpLBU))
			Expect(inst.MemSize()).To(Equal(1))
			Expect(inst.MemSigned()).To(BeFalse())
		})
	})

	Describe("Control transfer instructions", func() {
		// beq x1, x2, 8 -> 0x00208463
		It("should decode beq x1, x2, 8", func() {
			inst := decoder.Decode(0x00208463)

			Expect(inst.Op).To(Equal(insts.OpBEQ))
			Expect(inst.IsBranch()).To(BeTrue())
			Expect(inst.Imm).To(Equal(int32(8)))
		})

		It("should decode backward branch offsets", func() {
			inst := decoder.Decode(insts.BNE(1, 0, -12))

			Expect(inst.Op).To(Equal(insts.OpBNE))
			Expect(inst.Imm).To(Equal(int32(-12)))
		})

		// jal x1, 16 -> 0x010000EF
		It("should decode jal x1, 16", func() {
			inst := decoder.Decode(0x010000EF)

			Expect(inst.Op).To(Equal(insts.OpJAL))
			Expect(inst.Rd).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(int32(16)))
			Expect(inst.IsJump()).To(BeTrue())
		})

		// j -8 -> 0xFF9FF06F
		It("should decode a negative jal offset", func() {
			inst := decoder.Decode(0xFF9FF06F)

			Expect(inst.Op).To(Equal(insts.OpJAL))
			Expect(inst.Rd).To(Equal(uint8(0)))
			Expect(inst.Imm).To(Equal(int32(-8)))
			Expect(inst.WritesRd()).To(BeFalse())
		})

		It("should decode jalr", func() {
			inst := decoder.Decode(insts.JALR(0, 1, 0))

			Expect(inst.Op).To(Equal(insts.OpJALR))
			Expect(inst.Rs1).To(Equal(uint8(1)))
		})
	})

	Describe("System instructions", func() {
		It("should decode ecall, ebreak and mret", func() {
			Expect(decoder.Decode(insts.ECALL()).Op).To(Equal(insts.OpECALL))
			Expect(decoder.Decode(insts.EBREAK()).Op).To(Equal(insts.OpEBREAK))
			Expect(decoder.Decode(insts.MRET()).Op).To(Equal(insts.OpMRET))
		})

		It("should decode csrrw with its CSR address", func() {
			inst := decoder.Decode(insts.CSRRW(5, 0x305, 6))

			Expect(inst.Op).To(Equal(insts.OpCSRRW))
			Expect(inst.CSR).To(Equal(uint16(0x305)))
			Expect(inst.Rd).To(Equal(uint8(5)))
			Expect(inst.Rs1).To(Equal(uint8(6)))
			Expect(inst.UsesRs1()).To(BeTrue())
			Expect(inst.WritesRd()).To(BeTrue())
		})

		It("should not treat the csrrwi immediate as a register", func() {
			inst := decoder.Decode(insts.CSRRWI(0, 0x340, 7))

			Expect(inst.Op).To(Equal(insts.OpCSRRWI))
			Expect(inst.Imm).To(Equal(int32(7)))
			Expect(inst.UsesRs1()).To(BeFalse())
		})
	})

	Describe("Unsupported encodings", func() {
		It("should return OpUnknown for an all-zero word", func() {
			inst := decoder.Decode(0x00000000)

			Expect(inst.Op).To(Equal(insts.OpUnknown))
			Expect(inst.Supported()).To(BeFalse())
		})

		It("should return OpUnknown for an all-ones word", func() {
			inst := decoder.Decode(0xFFFFFFFF)

			Expect(inst.Supported()).To(BeFalse())
		})
	})

	Describe("String", func() {
		It("should disassemble common forms", func() {
			Expect(decoder.Decode(0x002081B3).String()).To(Equal("add x3, x1, x2"))
			Expect(decoder.Decode(0x00812283).String()).To(Equal("lw x5, 8(x2)"))
			Expect(insts.Nop().String()).To(Equal("addi x0, x0, 0"))
		})
	})
})
