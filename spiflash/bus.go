package spiflash

// Bus exchanges single bytes with the flash chip. Select and Deselect drive
// the chip-select line; Transfer clocks one byte out and returns the byte
// that was clocked in at the same time.
type Bus interface {
	Select() error
	Deselect() error
	Transfer(out byte) (byte, error)
}

/* transaction keeps the first bus error so command sequences can be written
 * without checking every byte */
type transaction struct {
	bus Bus
	err error
}

func begin(bus Bus) *transaction {
	t := &transaction{bus: bus}
	t.err = bus.Select()
	return t
}

func (t *transaction) xfer(out byte) byte {
	if t.err != nil {
		return 0
	}

	in, err := t.bus.Transfer(out)
	if err != nil {
		t.err = err
	}
	return in
}

func (t *transaction) send(out ...byte) {
	for _, m := range out {
		t.xfer(m)
	}
}

func (t *transaction) address(address uint32) {
	t.send(byte(address>>16), byte(address>>8), byte(address))
}

/* end always releases chip-select, even after an error */
func (t *transaction) end() error {
	err := t.bus.Deselect()
	if t.err != nil {
		return t.err
	}
	return err
}

/* frame asserts chip-select and sends an opcode followed by a 24-bit address.
 * The caller sends any trailing bytes and calls end. */
func frame(bus Bus, opcode byte, address uint32) *transaction {
	t := begin(bus)
	t.send(opcode)
	t.address(address)
	return t
}

/* command runs a complete transaction consisting only of the given bytes */
func command(bus Bus, out ...byte) error {
	t := begin(bus)
	t.send(out...)
	return t.end()
}
