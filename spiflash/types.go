package spiflash

import "fmt"

const (
	SectorSize = 4096
	PageSize   = 256

	/* Highest address reachable with a 3-byte address */
	AddressLimit = 1 << 24
)

const (
	opcodeWriteStatus   = 0x01
	opcodePageProgram   = 0x02
	opcodeRead          = 0x03
	opcodeWriteDisable  = 0x04
	opcodeReadStatus    = 0x05
	opcodeWriteEnable   = 0x06
	opcodeFastRead      = 0x0B
	opcodeSectorErase   = 0x20
	opcodeEnableWriteSR = 0x50
	opcodeDisableBusy   = 0x80
	opcodeLegacyID      = 0x90
	opcodeJEDECID       = 0x9F
	opcodeChipErase     = 0xC7

	opcodeAAIWord = 0xAD
	opcodeAAIByte = 0xAF

	statusBusy = 0x01
)

type Family int

const (
	FamilyUnknown Family = iota
	FamilySST25VFxxxB
	FamilyWinbond
	FamilyISSI
	FamilyISSIIS25CQ032
	FamilyCypress
	FamilySST25VFxxxA
)

func (f Family) String() string {
	switch f {
	case FamilySST25VFxxxB:
		return "Microchip SST25VFxxxB"
	case FamilyWinbond:
		return "Winbond"
	case FamilyISSI:
		return "ISSI"
	case FamilyISSIIS25CQ032:
		return "ISSI IS25CQ032"
	case FamilyCypress:
		return "Cypress"
	case FamilySST25VFxxxA:
		return "Microchip SST25VFxxxA"
	}
	return "unknown"
}

// Profile describes the command dialect of a detected chip.
type Profile struct {
	Family Family

	// StatusEnableOp is sent before a status register write. Chips without
	// EWSR use the write-enable opcode here.
	StatusEnableOp byte
	// ProtectMask holds the block protect bits; zero disables protection control.
	ProtectMask byte
	// WriteUnit is the number of bytes per auto-increment cycle (1 or 2).
	WriteUnit int
	WriteOp   byte

	FastRead      bool
	AutoIncrement bool

	Sectors uint32
}

// DefaultProfile is the Microchip SST25VFxxxB dialect without a known size.
// It is used when detection is disabled or the chip is not recognized.
var DefaultProfile = Profile{
	Family:         FamilyUnknown,
	StatusEnableOp: opcodeEnableWriteSR,
	ProtectMask:    0x3C,
	WriteUnit:      2,
	WriteOp:        opcodeAAIWord,
	FastRead:       false,
	AutoIncrement:  true,
}

func (p Profile) Recognized() bool {
	return p.Family != FamilyUnknown && p.Family != FamilyCypress
}

func (p Profile) Size() uint32 {
	return p.Sectors * SectorSize
}

func (p Profile) String() string {
	return fmt.Sprintf("%s: sr_enable=%02x protect_mask=%02x write_unit=%d write_op=%02x fast_read=%v aai=%v sectors=%d",
		p.Family, p.StatusEnableOp, p.ProtectMask, p.WriteUnit, p.WriteOp, p.FastRead, p.AutoIncrement, p.Sectors)
}

// Identity is the raw identification read from the chip.
type Identity struct {
	Manufacturer byte
	Type         byte
	Capacity     byte

	/* Only filled in when the JEDEC id was not understood */
	LegacyID uint32
}

type flashDevice struct {
	family Family

	manufacturer byte
	match        func(memType, capacity byte) bool
	apply        func(p *Profile, capacity byte)
}

func anyType(memType, capacity byte) bool { return true }

var devices = []flashDevice{
	{
		family:       FamilySST25VFxxxB,
		manufacturer: 0xBF,
		match:        func(t, c byte) bool { return t == 0x25 },
		apply: func(p *Profile, c byte) {
			p.Sectors = 1 << ((uint32(c) & 0x07) + 8)
		},
	},
	{
		family:       FamilyWinbond,
		manufacturer: 0xEF,
		match:        func(t, c byte) bool { return t == 0x40 },
		apply: func(p *Profile, c byte) {
			p.ProtectMask = 0x1C
			p.WriteUnit = 1
			p.WriteOp = opcodePageProgram
			p.FastRead = true
			p.AutoIncrement = false
			p.Sectors = 1 << ((uint32(c) & 0x0F) + 4)
		},
	},
	{
		/* 0x7F is the JEDEC continuation code used by older ISSI parts */
		family:       FamilyISSIIS25CQ032,
		manufacturer: 0x7F,
		match:        func(t, c byte) bool { return t == 0x9D && c == 0x46 },
		apply: func(p *Profile, c byte) {
			issiDialect(p)
			p.Sectors = 512
		},
	},
	{
		family:       FamilyISSI,
		manufacturer: 0x9D,
		match:        func(t, c byte) bool { return t == 0x40 || t == 0x30 },
		apply: func(p *Profile, c byte) {
			issiDialect(p)
			p.Sectors = 1 << ((uint32(c) & 0x0F) + 4)
		},
	},
	{
		/* Recognized, but no parameters are known yet */
		family:       FamilyCypress,
		manufacturer: 0x01,
		match:        anyType,
		apply:        func(p *Profile, c byte) {},
	},
}

func issiDialect(p *Profile) {
	/* No EWSR, the standard WREN unlocks the status register */
	p.StatusEnableOp = opcodeWriteEnable
	p.ProtectMask = 0x3C
	p.WriteUnit = 1
	p.WriteOp = opcodePageProgram
	p.FastRead = true
	p.AutoIncrement = false
}

const legacyIDSST25VFxxxA = 0xBF48BF48

func applyLegacySST25VFxxxA(p *Profile) {
	p.Family = FamilySST25VFxxxA
	p.ProtectMask = 0x0C
	p.WriteUnit = 1
	p.WriteOp = opcodeAAIByte
	p.Sectors = 16
}

/* deviceLookup returns the entry for a manufacturer code and whether the
 * manufacturer is known at all. */
func deviceLookup(manufacturer byte) (flashDevice, bool) {
	for _, m := range devices {
		if m.manufacturer == manufacturer {
			return m, true
		}
	}
	return flashDevice{}, false
}
