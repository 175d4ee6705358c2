package spiflash

import (
	"fmt"
	"io"
)

func (f *Flash) startRead(address uint32) *transaction {
	if f.profile.FastRead {
		t := frame(f.bus, opcodeFastRead, address)
		t.xfer(0) // dummy
		return t
	}

	return frame(f.bus, opcodeRead, address)
}

// Read fills data starting at address.
func (f *Flash) Read(address uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if err := checkRange(address, len(data)); err != nil {
		return 0, err
	}

	t := f.startRead(address)
	for i := range data {
		data[i] = invert(t.xfer(0))
	}

	if err := t.end(); err != nil {
		return 0, fmt.Errorf("read %06x+%d: %w", address, len(data), err)
	}

	return len(data), nil
}

// ReadLine reads like Read but stops after the first newline, which is
// included in data. It returns the number of bytes stored.
func (f *Flash) ReadLine(address uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if err := checkRange(address, len(data)); err != nil {
		return 0, err
	}

	t := f.startRead(address)
	n := 0
	for n < len(data) {
		data[n] = invert(t.xfer(0))
		n++
		if data[n-1] == '\n' {
			break
		}
	}

	if err := t.end(); err != nil {
		return 0, fmt.Errorf("read line %06x: %w", address, err)
	}

	return n, nil
}

// ReadAt implements io.ReaderAt over the detected chip size, limited to the
// 24-bit address space. When the size is unknown the whole address space is
// readable.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	size := int64(f.profile.Size())
	if size == 0 || size > AddressLimit {
		size = AddressLimit
	}

	if off < 0 || off >= size {
		return 0, io.EOF
	}

	var err error
	if int64(len(p)) > size-off {
		p = p[:size-off]
		err = io.EOF
	}

	n, rerr := f.Read(uint32(off), p)
	if rerr != nil {
		return n, rerr
	}
	return n, err
}
