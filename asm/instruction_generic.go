//go:build !s390 && !s390x

package asm

// bpfRegisters packs the destination and source register of an
// instruction into a single byte. Most architectures reserve the low
// nibble for the destination.
type bpfRegisters uint8

func newBPFRegisters(dst, src Register) bpfRegisters {
	return bpfRegisters((src << 4) | (dst & 0xF))
}

func (r bpfRegisters) Dst() Register {
	return Register(r & 0xF)
}

func (r bpfRegisters) Src() Register {
	return Register(r >> 4)
}
