package stacktrace

import "golang.org/x/arch/x86/x86asm"

// X86Decoder is an InstructionDecoder backed by golang.org/x/arch's
// x86 instruction decoder. Grounded on the teacher's
// pkg/proc/disasm_amd64.go (asmDecode/patchPCRel), adapted to decode a
// run of up to max instructions instead of a single one, and to report
// a pre-rendered Intel-syntax text form instead of keeping the raw
// x86asm.Inst around (callers outside this package never need to link
// against x86asm themselves).
type X86Decoder struct {
	Is64Bit bool
}

// Decode disassembles as many instructions as fit in code, stopping
// after max instructions or when code is exhausted.
func (d X86Decoder) Decode(code []byte, pc uint64, max int) ([]Instruction, error) {
	mode := 32
	if d.Is64Bit {
		mode = 64
	}

	var out []Instruction
	offset := 0
	for len(out) < max && offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], mode)
		if err != nil || inst.Len == 0 {
			break
		}
		patchPCRel(pc+uint64(offset), &inst)
		out = append(out, Instruction{
			Is64BitAddress: d.Is64Bit,
			Offset:         uint64(offset),
			Size:           inst.Len,
			Hex:            hexBytes(code[offset : offset+inst.Len]),
			Mnemonic:       inst.Op.String(),
			Operands:       x86asm.IntelSyntax(inst, pc+uint64(offset), nil),
		})
		offset += inst.Len
	}
	return out, nil
}

// patchPCRel converts PC-relative operands to absolute addresses, the
// same transform the teacher's disasm_amd64.go applies before
// rendering text, so that Intel-syntax output shows real call/jump
// targets instead of raw displacements.
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isRel := inst.Args[i].(x86asm.Rel)
		if isRel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

func hexBytes(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
