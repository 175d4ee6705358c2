package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/BertoldVdb/norflash/spiflash"
)

// Device is the subset of the flash driver used to store images.
type Device interface {
	EraseSector(ctx context.Context, address uint32) error
	Write(ctx context.Context, address uint32, data []byte) error
	Read(address uint32, data []byte) (int, error)
}

var ErrorUnaligned = errors.New("image address is not sector aligned")

// VerifyError reports the first byte that differs after installing an image.
type VerifyError struct {
	Address  uint32
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed at %06x: expected %02x, got %02x", e.Address, e.Expected, e.Actual)
}

func sectorsFor(length int) uint32 {
	return uint32((length + spiflash.SectorSize - 1) / spiflash.SectorSize)
}

// Install erases the sectors covering img at address, writes it and, if
// verify is set, reads it back.
func Install(ctx context.Context, dev Device, address uint32, img []byte, verify bool) error {
	if address%spiflash.SectorSize != 0 {
		return ErrorUnaligned
	}

	if err := Validate(img); err != nil {
		return err
	}

	for i := uint32(0); i < sectorsFor(len(img)); i++ {
		if err := dev.EraseSector(ctx, address+i*spiflash.SectorSize); err != nil {
			return err
		}
	}

	if err := dev.Write(ctx, address, img); err != nil {
		return err
	}

	if !verify {
		return nil
	}

	rb := make([]byte, len(img))
	if _, err := dev.Read(address, rb); err != nil {
		return err
	}

	if !bytes.Equal(rb, img) {
		for i := range rb {
			if rb[i] != img[i] {
				return &VerifyError{Address: address + uint32(i), Expected: img[i], Actual: rb[i]}
			}
		}
	}

	return nil
}

// Load reads and validates the image stored at address and returns its
// payload. maxLength bounds the payload size announced by the header.
func Load(dev Device, address uint32, maxLength int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := dev.Read(address, hdr[:]); err != nil {
		return nil, err
	}

	length, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if length > maxLength {
		return nil, ErrorInvalidLength
	}

	img := make([]byte, HeaderSize+length)
	if _, err := dev.Read(address, img); err != nil {
		return nil, err
	}

	return Extract(img)
}
