// Package flashsim models a serial NOR flash chip at the byte level. It
// implements the same Select/Deselect/Transfer bus the driver uses, so every
// command sequence can be exercised without hardware.
package flashsim

import (
	"encoding/binary"
	"fmt"
)

const (
	sectorSize = 4096

	statusBusy    = 0x01
	statusWEL     = 0x02
	statusProtect = 0x3C
	statusAAI     = 0x40
)

// Model describes the behaviour of one chip type.
type Model struct {
	Name string

	JEDEC [3]byte
	// LegacyID is returned by the 0x90 command; zero leaves the bus floating.
	LegacyID uint32

	Sectors  uint32
	PageSize int

	// AAIOpcode enables auto-increment programming with AAIUnit bytes per cycle.
	// With auto-increment the 0x02 command programs a single byte.
	AAIOpcode byte
	AAIUnit   int

	// BusyPolls is the number of status reads that report busy after a
	// program or erase.
	BusyPolls int
}

var (
	SST25VF016B = Model{
		Name:      "SST25VF016B",
		JEDEC:     [3]byte{0xBF, 0x25, 0x41},
		Sectors:   512,
		PageSize:  1,
		AAIOpcode: 0xAD,
		AAIUnit:   2,
		BusyPolls: 3,
	}
	SST25VF512A = Model{
		Name:      "SST25VF512A",
		JEDEC:     [3]byte{0xFF, 0xFF, 0xFF},
		LegacyID:  0xBF48BF48,
		Sectors:   16,
		PageSize:  1,
		AAIOpcode: 0xAF,
		AAIUnit:   1,
		BusyPolls: 2,
	}
	W25Q32 = Model{
		Name:      "W25Q32",
		JEDEC:     [3]byte{0xEF, 0x40, 0x16},
		Sectors:   1024,
		PageSize:  256,
		BusyPolls: 5,
	}
	IS25CQ032 = Model{
		Name:      "IS25CQ032",
		JEDEC:     [3]byte{0x7F, 0x9D, 0x46},
		Sectors:   512,
		PageSize:  256,
		BusyPolls: 4,
	}
	IS25LQ080 = Model{
		Name:      "IS25LQ080",
		JEDEC:     [3]byte{0x9D, 0x40, 0x14},
		Sectors:   256,
		PageSize:  256,
		BusyPolls: 4,
	}
	S25FL064 = Model{
		Name:      "S25FL064",
		JEDEC:     [3]byte{0x01, 0x02, 0x16},
		Sectors:   2048,
		PageSize:  256,
		BusyPolls: 1,
	}
)

// Models lists the built-in chip models by name.
var Models = map[string]Model{
	SST25VF016B.Name: SST25VF016B,
	SST25VF512A.Name: SST25VF512A,
	W25Q32.Name:      W25Q32,
	IS25CQ032.Name:   IS25CQ032,
	IS25LQ080.Name:   IS25LQ080,
	S25FL064.Name:    S25FL064,
}

// Chip is a simulated flash chip. It is not safe for concurrent use.
type Chip struct {
	model Model
	mem   []byte

	selected bool
	frame    []byte
	frames   [][]byte

	status     byte
	busy       int
	stuck      bool
	srUnlocked bool
	aai        bool
	aaiAddr    uint32
	busyPinOff bool

	faults []string
}

func New(model Model) *Chip {
	c := &Chip{
		model: model,
		mem:   make([]byte, model.Sectors*sectorSize),
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	return c
}

func (c *Chip) Model() Model {
	return c.model
}

func (c *Chip) fault(format string, params ...any) {
	c.faults = append(c.faults, fmt.Sprintf(format, params...))
}

// Faults lists protocol violations seen so far, such as commands sent while
// busy or programming without write enable.
func (c *Chip) Faults() []string {
	return c.faults
}

// Frames returns every completed chip-select frame in order.
func (c *Chip) Frames() [][]byte {
	return c.frames
}

func (c *Chip) ResetTrace() {
	c.frames = nil
	c.faults = nil
}

// Stick makes the chip report busy forever (or release it again).
func (c *Chip) Stick(stuck bool) {
	c.stuck = stuck
}

// SetStatus forces the status register, for example to simulate the block
// protect bits some chips set at power up.
func (c *Chip) SetStatus(status byte) {
	c.status = status
}

func (c *Chip) Status() byte {
	return c.status
}

// BusySignalDisabled reports whether the ready/busy output was switched off.
func (c *Chip) BusySignalDisabled() bool {
	return c.busyPinOff
}

// Peek returns the raw (physical) memory content.
func (c *Chip) Peek(address uint32, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = c.mem[c.wrap(address+uint32(i))]
	}
	return out
}

func (c *Chip) wrap(address uint32) uint32 {
	return address % uint32(len(c.mem))
}

func (c *Chip) Select() error {
	if c.selected {
		c.fault("select while already selected")
	}
	c.selected = true
	c.frame = c.frame[:0]
	return nil
}

func (c *Chip) Transfer(out byte) (byte, error) {
	if !c.selected {
		c.fault("transfer %02x without chip select", out)
		return 0xFF, nil
	}

	c.frame = append(c.frame, out)
	return c.respond(len(c.frame) - 1), nil
}

func (c *Chip) Deselect() error {
	if !c.selected {
		return nil
	}
	c.selected = false

	frame := append([]byte(nil), c.frame...)
	c.frames = append(c.frames, frame)
	if len(frame) > 0 {
		c.execute(frame)
	}
	return nil
}

func (c *Chip) address() uint32 {
	return uint32(c.frame[1])<<16 | uint32(c.frame[2])<<8 | uint32(c.frame[3])
}

func (c *Chip) isBusy() bool {
	return c.stuck || c.busy > 0
}

func (c *Chip) readStatus() byte {
	s := c.status
	if c.aai {
		s |= statusAAI
	}
	if c.isBusy() {
		s |= statusBusy
		if c.busy > 0 {
			c.busy--
		}
	}
	return s
}

/* respond returns the byte driven on the data out line while byte index of
 * the current frame is being clocked */
func (c *Chip) respond(index int) byte {
	if index == 0 {
		return 0xFF
	}

	opcode := c.frame[0]
	if opcode == 0x05 {
		return c.readStatus()
	}
	if c.isBusy() {
		return 0xFF
	}

	switch opcode {
	case 0x9F:
		if index <= 3 {
			return c.model.JEDEC[index-1]
		}
	case 0x90:
		if index >= 4 && c.model.LegacyID != 0 {
			var id [4]byte
			binary.BigEndian.PutUint32(id[:], c.model.LegacyID)
			return id[(index-4)%4]
		}
	case 0x03:
		if index >= 4 {
			return c.mem[c.wrap(c.address()+uint32(index-4))]
		}
	case 0x0B:
		if index >= 5 {
			return c.mem[c.wrap(c.address()+uint32(index-5))]
		}
	}

	return 0xFF
}

func (c *Chip) execute(frame []byte) {
	opcode := frame[0]

	if opcode == 0x05 {
		return
	}

	if c.isBusy() {
		c.fault("command %02x while busy", opcode)
		return
	}

	switch opcode {
	case 0x06:
		c.status |= statusWEL
	case 0x04:
		c.status &^= statusWEL
		c.aai = false
	case 0x50:
		c.srUnlocked = true
	case 0x80:
		c.busyPinOff = true
	case 0x01:
		if !c.srUnlocked && c.status&statusWEL == 0 {
			c.fault("status write without unlock")
			break
		}
		if len(frame) >= 2 {
			c.status = c.status&^statusProtect | frame[1]&statusProtect
		}
		c.status &^= statusWEL
	case 0x20:
		if c.writeAllowed("sector erase", frame, 4) {
			start := c.wrap(c.address()) &^ (sectorSize - 1)
			c.erase(start, sectorSize)
		}
	case 0xC7, 0x60:
		if c.writeAllowed("chip erase", frame, 1) {
			c.erase(0, uint32(len(c.mem)))
		}
	case 0x02:
		c.pageProgram(frame)
	case 0x03, 0x0B, 0x9F, 0x90:
	default:
		if c.model.AAIOpcode != 0 && opcode == c.model.AAIOpcode {
			c.autoIncrementProgram(frame)
			break
		}
		c.fault("unknown command %02x", opcode)
	}

	if opcode != 0x50 {
		c.srUnlocked = false
	}
}

func (c *Chip) writeAllowed(what string, frame []byte, minLen int) bool {
	if len(frame) < minLen {
		c.fault("%s: short frame (%d bytes)", what, len(frame))
		return false
	}
	if c.status&statusWEL == 0 {
		c.fault("%s without write enable", what)
		return false
	}
	if c.status&statusProtect != 0 {
		/* Protected chips silently ignore the command */
		c.status &^= statusWEL
		return false
	}
	return true
}

func (c *Chip) erase(start, length uint32) {
	for i := start; i < start+length; i++ {
		c.mem[i] = 0xFF
	}
	c.status &^= statusWEL
	c.busy = c.model.BusyPolls
}

func (c *Chip) program(address uint32, value byte) {
	address = c.wrap(address)
	c.mem[address] &= value
}

func (c *Chip) pageProgram(frame []byte) {
	if c.aai {
		c.fault("page program during auto-increment")
		return
	}
	if !c.writeAllowed("page program", frame, 5) {
		return
	}

	data := frame[4:]
	address := c.address()

	if c.model.AAIOpcode != 0 {
		/* Byte program only */
		data = data[:1]
	}

	pageSize := uint32(c.model.PageSize)
	if pageSize == 0 {
		pageSize = 1
	}
	if len(data) > int(pageSize) {
		c.fault("page program of %d bytes", len(data))
	}

	base := address - address%pageSize
	offset := address % pageSize
	for i, m := range data {
		c.program(base+(offset+uint32(i))%pageSize, m)
	}

	c.status &^= statusWEL
	c.busy = c.model.BusyPolls
}

func (c *Chip) autoIncrementProgram(frame []byte) {
	unit := c.model.AAIUnit

	var data []byte
	if !c.aai {
		if !c.writeAllowed("auto-increment program", frame, 4+unit) {
			return
		}
		if len(frame) != 4+unit {
			c.fault("auto-increment start of %d bytes", len(frame))
			return
		}
		c.aaiAddr = c.address()
		if unit == 2 && c.aaiAddr&1 == 1 {
			c.fault("auto-increment word program at odd address %06x", c.aaiAddr)
			c.aaiAddr &^= 1
		}
		c.aai = true
		data = frame[4:]
	} else {
		if len(frame) != 1+unit {
			c.fault("auto-increment cycle of %d bytes", len(frame))
			return
		}
		data = frame[1:]
	}

	for _, m := range data {
		c.program(c.aaiAddr, m)
		c.aaiAddr++
	}

	c.busy = c.model.BusyPolls
}

// Image returns a copy of the raw memory.
func (c *Chip) Image() []byte {
	return append([]byte(nil), c.mem...)
}

// LoadImage replaces the start of the raw memory with data.
func (c *Chip) LoadImage(data []byte) error {
	if len(data) > len(c.mem) {
		return fmt.Errorf("image of %d bytes does not fit in %d bytes", len(data), len(c.mem))
	}
	copy(c.mem, data)
	return nil
}
