// Package periphbus connects the flash driver to any SPI port periph.io
// knows about, with a GPIO line as chip select.
package periphbus

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var hostInitialized atomic.Bool

// Init registers the periph.io host drivers once.
func Init() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("host initialization failed: %w", err)
		}
	}
	return nil
}

type Bus struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut

	tx [1]byte
	rx [1]byte
}

func New(conn spi.Conn, cs gpio.PinOut) (*Bus, error) {
	if err := cs.Out(gpio.High); err != nil {
		return nil, err
	}

	return &Bus{
		conn: conn,
		cs:   cs,
	}, nil
}

// Open connects to SPI port portName (for example "SPI0.0" or "" for the
// first one) and drives chip select through GPIO csName.
func Open(portName string, csName string, clock physic.Frequency) (*Bus, error) {
	if err := Init(); err != nil {
		return nil, err
	}

	cs := gpioreg.ByName(csName)
	if cs == nil {
		return nil, fmt.Errorf("unknown chip select pin %q", csName)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	/* Chip select is ours: the driver holds it across many byte transfers */
	conn, err := port.Connect(clock, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("SPI connection failed: %w", err)
	}

	b, err := New(conn, cs)
	if err != nil {
		port.Close()
		return nil, err
	}
	b.port = port

	return b, nil
}

func (b *Bus) Close() error {
	if b.port == nil {
		return nil
	}

	err := b.cs.Out(gpio.High)
	return errors.Join(err, b.port.Close())
}

func (b *Bus) Select() error {
	return b.cs.Out(gpio.Low)
}

func (b *Bus) Deselect() error {
	return b.cs.Out(gpio.High)
}

func (b *Bus) Transfer(out byte) (byte, error) {
	b.tx[0] = out
	if err := b.conn.Tx(b.tx[:], b.rx[:]); err != nil {
		return 0, err
	}
	return b.rx[0], nil
}
