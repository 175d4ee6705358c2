package spiflash

import (
	"context"
	"fmt"
)

// EraseSector erases the 4KiB sector containing address.
func (f *Flash) EraseSector(ctx context.Context, address uint32) error {
	if err := checkRange(address, 0); err != nil {
		return err
	}

	if err := f.writeEnable(); err != nil {
		return err
	}

	if err := frame(f.bus, opcodeSectorErase, address).end(); err != nil {
		return fmt.Errorf("erase sector %06x: %w", address, err)
	}

	return f.WaitReady(ctx)
}

func (f *Flash) EraseAll(ctx context.Context) error {
	f.logger.Info("bulk erase")

	if err := f.writeEnable(); err != nil {
		return err
	}

	if err := command(f.bus, opcodeChipErase); err != nil {
		return fmt.Errorf("erase chip: %w", err)
	}

	return f.WaitReady(ctx)
}
