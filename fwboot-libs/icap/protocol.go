package icap

// Configuration packet words, UG380.
const (
	WordPad   uint16 = 0xFFFF
	WordSync0 uint16 = 0xAA99
	WordSync1 uint16 = 0x5566
	WordNop   uint16 = 0x2000

	CmdIPROG uint16 = 0x000E

	// BOOTSTS bits FALLBACK_0 and FALLBACK_1.
	BootstsFallbackMask uint16 = 0x0082

	// MODE value selecting bitstream mode so fallback images load correctly.
	ModeBitstream uint16 = 0x2000
)

type Register uint16

const (
	RegCMD      Register = 0x05
	RegIDCODE   Register = 0x0E
	RegGeneral1 Register = 0x13
	RegGeneral2 Register = 0x14
	RegGeneral3 Register = 0x15
	RegGeneral4 Register = 0x16
	RegGeneral5 Register = 0x17
	RegMode     Register = 0x18
	RegBootsts  Register = 0x20
)

func (r Register) String() string {
	switch r {
	case RegCMD:
		return "CMD"
	case RegIDCODE:
		return "IDCODE"
	case RegGeneral1:
		return "GENERAL1"
	case RegGeneral2:
		return "GENERAL2"
	case RegGeneral3:
		return "GENERAL3"
	case RegGeneral4:
		return "GENERAL4"
	case RegGeneral5:
		return "GENERAL5"
	case RegMode:
		return "MODE"
	case RegBootsts:
		return "BOOTSTS"
	default:
		return "REG?"
	}
}

type Opcode uint16

const (
	OpNop   Opcode = 0
	OpRead  Opcode = 1
	OpWrite Opcode = 2
)

// Type1 builds a type 1 packet header: 001 | opcode | register | word count.
func Type1(op Opcode, reg Register, words int) uint16 {
	return 0x2000 | uint16(op&0x3)<<11 | uint16(reg&0x3F)<<5 | uint16(words&0x1F)
}

type RegisterWrite struct {
	Reg   Register
	Value uint16
}
