package spiflash

import (
	"context"
	"fmt"
)

/* Data is stored inverted on the chip: an erased (0xFF) location reads back
 * as zero. Padding bytes are sent as 0xFF without inversion so they leave the
 * cell untouched. */
func invert(b byte) byte {
	return ^b
}

// Write programs data at address. The target area must have been erased;
// programming can only clear bits on the chip.
func (f *Flash) Write(ctx context.Context, address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := checkRange(address, len(data)); err != nil {
		return err
	}

	var err error
	if f.profile.AutoIncrement {
		err = f.autoIncrementProgram(ctx, address, data)
	} else {
		_, err = completeIO(address, data, func(offset uint32, buf []byte) (int, error) {
			return f.pageProgram(ctx, offset, buf)
		})
	}

	if err != nil {
		return fmt.Errorf("write %06x+%d: %w", address, len(data), err)
	}
	return nil
}

// WriteByte programs a single byte with the page program command.
func (f *Flash) WriteByte(ctx context.Context, address uint32, value byte) error {
	if err := checkRange(address, 1); err != nil {
		return err
	}

	return f.programByte(ctx, address, value)
}

func (f *Flash) programByte(ctx context.Context, address uint32, value byte) error {
	if f.profile.AutoIncrement {
		if err := f.disableBusySignal(); err != nil {
			return err
		}
	}

	_, err := f.pageProgram(ctx, address, []byte{value})
	return err
}

/* pageProgram writes as much of data as fits in the page containing offset */
func (f *Flash) pageProgram(ctx context.Context, offset uint32, data []byte) (int, error) {
	maxLen := pageCrossLength(offset, uint32(len(data)), PageSize)
	if len(data) > maxLen {
		data = data[:maxLen]
	}

	if err := f.writeEnable(); err != nil {
		return 0, err
	}

	t := frame(f.bus, opcodePageProgram, offset)
	for _, m := range data {
		t.send(invert(m))
	}
	if err := t.end(); err != nil {
		return 0, err
	}

	if err := f.WaitReady(ctx); err != nil {
		return 0, err
	}

	return len(data), f.writeDisable()
}

/* sendUnit transmits one auto-increment cycle and returns the data left */
func (f *Flash) sendUnit(t *transaction, data []byte) []byte {
	t.send(invert(data[0]))
	data = data[1:]

	if f.profile.WriteUnit == 2 {
		if len(data) > 0 {
			t.send(invert(data[0]))
			data = data[1:]
		} else {
			t.send(0xFF)
		}
	}

	return data
}

func (f *Flash) autoIncrementProgram(ctx context.Context, address uint32, data []byte) error {
	if err := f.disableBusySignal(); err != nil {
		return err
	}

	if err := f.writeEnable(); err != nil {
		return err
	}

	/* Word programming needs an even start address */
	if f.profile.WriteUnit == 2 && address&1 == 1 {
		if err := f.programByte(ctx, address, data[0]); err != nil {
			return err
		}

		address++
		data = data[1:]
		if len(data) == 0 {
			return nil
		}

		if err := f.writeEnable(); err != nil {
			return err
		}
	}

	if err := f.autoIncrementStream(ctx, address, data); err != nil {
		/* Best effort, the chip must not stay in auto-increment mode */
		f.writeDisable()
		return err
	}

	/* Leaves auto-increment mode */
	return f.writeDisable()
}

func (f *Flash) autoIncrementStream(ctx context.Context, address uint32, data []byte) error {
	t := frame(f.bus, f.profile.WriteOp, address)
	data = f.sendUnit(t, data)
	if err := t.end(); err != nil {
		return err
	}

	for {
		if err := f.WaitReady(ctx); err != nil {
			return err
		}

		if len(data) == 0 {
			return nil
		}

		t := begin(f.bus)
		t.send(f.profile.WriteOp)
		data = f.sendUnit(t, data)
		if err := t.end(); err != nil {
			return err
		}
	}
}
