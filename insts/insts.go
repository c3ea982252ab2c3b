// Package insts provides RV32 instruction definitions and decoding.
//
// This package implements decoding of RISC-V machine code into structured
// instruction representations. It supports:
//   - RV32I base integer instructions (ALU, loads/stores, branches, jumps)
//   - RV32M multiply/divide
//   - Zicsr CSR access instructions and the mret trap return
//   - ecall/ebreak environment calls
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x00A08093) // addi x1, x1, 10
//	fmt.Printf("Op: %v, Rd: %d, Rs1: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rs1, inst.Imm)
package insts
