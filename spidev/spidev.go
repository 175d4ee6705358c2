// Package spidev talks to a flash chip through the Linux spidev interface.
package spidev

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	SPI_IOC_WR_MODE          = 0x40016B01
	SPI_IOC_WR_BITS_PER_WORD = 0x40016B03
	SPI_IOC_WR_MAX_SPEED_HZ  = 0x40046B04

	/* _IOW('k', 0, char[32]): one spi_ioc_transfer */
	SPI_IOC_MESSAGE_1 = 0x40206B00

	SPI_MODE_0 = 0x00
	SPI_MODE_3 = 0x03
)

type IOCTransfer struct {
	TxBuf          uint64
	RxBuf          uint64
	Len            uint32
	SpeedHz        uint32
	DelayUsecs     uint16
	BitsPerWord    uint8
	CSChange       uint8 // keep chip select asserted after this message
	TxNbits        uint8
	RxNbits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

var ErrorClosed = errors.New("spidev is closed")

// SPIDev implements the single byte bus on top of /dev/spidevB.C. Every
// byte is its own ioctl; chip select is held between them with cs_change and
// released by an empty transfer.
type SPIDev struct {
	path    string
	fd      int
	SpeedHz uint32
	Mode    uint8

	selected bool
	active   bool

	/* Kept on the heap so the kernel pointers stay valid */
	tx [1]byte
	rx [1]byte
}

func New(path string, speedHz uint32, mode uint8) (*SPIDev, error) {
	s := &SPIDev{
		path:    path,
		fd:      -1,
		SpeedHz: speedHz,
		Mode:    mode,
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SPIDev) ioctlPtr(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *SPIDev) open() error {
	var err error
	s.fd, err = unix.Open(s.path, unix.O_RDWR, 0600)
	if err != nil {
		return err
	}

	mode := s.Mode
	if err := s.ioctlPtr(SPI_IOC_WR_MODE, unsafe.Pointer(&mode)); err != nil {
		s.Close()
		return fmt.Errorf("set mode: %w", err)
	}

	bits := uint8(8)
	if err := s.ioctlPtr(SPI_IOC_WR_BITS_PER_WORD, unsafe.Pointer(&bits)); err != nil {
		s.Close()
		return fmt.Errorf("set word size: %w", err)
	}

	speed := s.SpeedHz
	if err := s.ioctlPtr(SPI_IOC_WR_MAX_SPEED_HZ, unsafe.Pointer(&speed)); err != nil {
		s.Close()
		return fmt.Errorf("set speed: %w", err)
	}

	return nil
}

func (s *SPIDev) Close() error {
	if s.fd < 0 {
		return nil
	}

	fd := s.fd
	s.fd = -1

	return unix.Close(fd)
}

func (s *SPIDev) message(tr *IOCTransfer) error {
	if s.fd < 0 {
		return ErrorClosed
	}
	return s.ioctlPtr(SPI_IOC_MESSAGE_1, unsafe.Pointer(tr))
}

func (s *SPIDev) Select() error {
	s.selected = true
	return nil
}

func (s *SPIDev) Transfer(out byte) (byte, error) {
	if !s.selected {
		return 0, errors.New("transfer without chip select")
	}

	s.tx[0] = out
	tr := IOCTransfer{
		TxBuf:       uint64(uintptr(unsafe.Pointer(&s.tx[0]))),
		RxBuf:       uint64(uintptr(unsafe.Pointer(&s.rx[0]))),
		Len:         1,
		SpeedHz:     s.SpeedHz,
		BitsPerWord: 8,
		CSChange:    1,
	}

	if err := s.message(&tr); err != nil {
		return 0, err
	}

	s.active = true
	return s.rx[0], nil
}

func (s *SPIDev) Deselect() error {
	s.selected = false
	if !s.active {
		return nil
	}
	s.active = false

	tr := IOCTransfer{
		SpeedHz:     s.SpeedHz,
		BitsPerWord: 8,
	}
	return s.message(&tr)
}
