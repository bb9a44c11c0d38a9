//go:build s390 || s390x

package asm

// bpfRegisters packs the destination and source register of an
// instruction into a single byte. s390 swaps the nibbles relative to
// other architectures.
type bpfRegisters uint8

func newBPFRegisters(dst, src Register) bpfRegisters {
	return bpfRegisters((dst << 4) | (src & 0xF))
}

func (r bpfRegisters) Dst() Register {
	return Register(r >> 4)
}

func (r bpfRegisters) Src() Register {
	return Register(r & 0xF)
}
