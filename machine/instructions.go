package machine

import (
	"math"
)

// Primary opcodes of the supported instructions.
const (
	OpSpecial = 0x00
	OpJ       = 0x02
	OpJAL     = 0x03
	OpBEQ     = 0x04
	OpBNE     = 0x05
	OpADDI    = 0x08
	OpADDIU   = 0x09
	OpSLTI    = 0x0a
	OpANDI    = 0x0c
	OpORI     = 0x0d
	OpLUI     = 0x0f
	OpLB      = 0x20
	OpLW      = 0x23
	OpLBU     = 0x24
	OpSB      = 0x28
	OpSW      = 0x2b
)

// Function codes of the supported instructions with opcode OpSpecial.
const (
	FnSLL     = 0x00
	FnJR      = 0x08
	FnJALR    = 0x09
	FnSYSCALL = 0x0c
	FnADD     = 0x20
	FnADDU    = 0x21
	FnSUBU    = 0x23
	FnAND     = 0x24
	FnOR      = 0x25
	FnSLT     = 0x2a
)

// EncodeR builds a register-format instruction.
func EncodeR(funct, rs, rt, rd, shamt uint32) uint32 {
	return OpSpecial<<26 | (rs&0x1f)<<21 | (rt&0x1f)<<16 | (rd&0x1f)<<11 | (shamt&0x1f)<<6 | funct&0x3f
}

// EncodeI builds an immediate-format instruction.
func EncodeI(op, rs, rt uint32, immediate int32) uint32 {
	return (op&0x3f)<<26 | (rs&0x1f)<<21 | (rt&0x1f)<<16 | uint32(immediate)&0xffff
}

// EncodeJ builds a jump instruction. `target` is a byte address.
func EncodeJ(op, target uint32) uint32 {
	return (op&0x3f)<<26 | (target>>2)&0x3ffffff
}

// Syscall is the instruction that traps into the kernel.
var Syscall = EncodeR(FnSYSCALL, 0, 0, 0, 0)

type instruction struct {
	opcode uint32
	rs     int
	rt     int
	rd     int
	shamt  uint32
	funct  uint32
	extra  int32
	target uint32
}

func decode(raw uint32) instruction {
	return instruction{
		opcode: raw >> 26,
		rs:     int(raw>>21) & 0x1f,
		rt:     int(raw>>16) & 0x1f,
		rd:     int(raw>>11) & 0x1f,
		shamt:  (raw >> 6) & 0x1f,
		funct:  raw & 0x3f,
		extra:  int32(int16(raw & 0xffff)),
		target: raw & 0x3ffffff,
	}
}

// OneInstruction fetches, decodes and executes a single instruction. Branches
// take effect after the instruction in their delay slot, as on a real MIPS.
//
// If the instruction raises an exception other than a system call, the
// registers are left untouched so the instruction runs again once the trap
// handler returns.
func (m *Machine) OneInstruction() error {
	raw, ok, err := m.ReadMem(uint32(m.Registers[PCReg]), InstructionSize)
	if !ok {
		return err
	}

	instr := decode(raw)
	r := &m.Registers
	pcAfter := r[NextPCReg] + InstructionSize

	switch instr.opcode {
	case OpSpecial:
		switch instr.funct {
		case FnSLL:
			r[instr.rd] = int32(uint32(r[instr.rt]) << instr.shamt)
		case FnJR:
			pcAfter = r[instr.rs]
		case FnJALR:
			r[instr.rd] = r[NextPCReg] + InstructionSize
			pcAfter = r[instr.rs]
		case FnSYSCALL:
			return m.RaiseException(SyscallException, 0)
		case FnADD:
			sum := int64(r[instr.rs]) + int64(r[instr.rt])
			if sum > math.MaxInt32 || sum < math.MinInt32 {
				return m.RaiseException(OverflowException, 0)
			}
			r[instr.rd] = int32(sum)
		case FnADDU:
			r[instr.rd] = r[instr.rs] + r[instr.rt]
		case FnSUBU:
			r[instr.rd] = r[instr.rs] - r[instr.rt]
		case FnAND:
			r[instr.rd] = r[instr.rs] & r[instr.rt]
		case FnOR:
			r[instr.rd] = r[instr.rs] | r[instr.rt]
		case FnSLT:
			r[instr.rd] = 0
			if r[instr.rs] < r[instr.rt] {
				r[instr.rd] = 1
			}
		default:
			return m.RaiseException(IllegalInstrException, 0)
		}

	case OpJ:
		pcAfter = (r[PCReg] & -0x10000000) | int32(instr.target<<2)
	case OpJAL:
		r[RetAddrReg] = r[NextPCReg] + InstructionSize
		pcAfter = (r[PCReg] & -0x10000000) | int32(instr.target<<2)
	case OpBEQ:
		if r[instr.rs] == r[instr.rt] {
			pcAfter = r[NextPCReg] + instr.extra<<2
		}
	case OpBNE:
		if r[instr.rs] != r[instr.rt] {
			pcAfter = r[NextPCReg] + instr.extra<<2
		}
	case OpADDI:
		sum := int64(r[instr.rs]) + int64(instr.extra)
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			return m.RaiseException(OverflowException, 0)
		}
		r[instr.rt] = int32(sum)
	case OpADDIU:
		r[instr.rt] = r[instr.rs] + instr.extra
	case OpSLTI:
		r[instr.rt] = 0
		if r[instr.rs] < instr.extra {
			r[instr.rt] = 1
		}
	case OpANDI:
		r[instr.rt] = r[instr.rs] & (instr.extra & 0xffff)
	case OpORI:
		r[instr.rt] = r[instr.rs] | (instr.extra & 0xffff)
	case OpLUI:
		r[instr.rt] = instr.extra << 16

	case OpLB, OpLBU, OpLW:
		size := 1
		if instr.opcode == OpLW {
			size = 4
		}
		value, ok, err := m.ReadMem(uint32(r[instr.rs]+instr.extra), size)
		if !ok {
			return err
		}
		switch instr.opcode {
		case OpLB:
			r[instr.rt] = int32(int8(value))
		default:
			r[instr.rt] = int32(value)
		}

	case OpSB, OpSW:
		size := 1
		if instr.opcode == OpSW {
			size = 4
		}
		ok, err := m.WriteMem(uint32(r[instr.rs]+instr.extra), size, uint32(r[instr.rt]))
		if !ok {
			return err
		}

	default:
		return m.RaiseException(IllegalInstrException, 0)
	}

	// r0 is hardwired to zero.
	r[0] = 0
	r[PrevPCReg] = r[PCReg]
	r[PCReg] = r[NextPCReg]
	r[NextPCReg] = pcAfter
	return nil
}
