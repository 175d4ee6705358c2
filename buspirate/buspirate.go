// Package buspirate drives a flash chip through a Bus Pirate in binary SPI
// mode.
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	tty "github.com/jacobsa/go-serial/serial"
)

const (
	cmdReset     = 0x00
	cmdEnterSPI  = 0x01
	cmdCSLow     = 0x02
	cmdCSHigh    = 0x03
	cmdExitBBIO  = 0x0F
	cmdBulk      = 0x10 // low nibble: byte count - 1
	cmdPeriph    = 0x40
	cmdSpeed     = 0x60
	cmdConfigure = 0x80

	periphPower = 0x08
	periphCS    = 0x01

	configOutput33 = 0x08
	configCKE      = 0x02

	ack = 0x01

	maxResetAttempts = 25
)

var (
	ResponseBBIO = []byte("BBIO1")
	ResponseSPI  = []byte("SPI1")

	ErrorNoAck = errors.New("bus pirate did not acknowledge")
)

type Speed byte

const (
	Speed30kHz Speed = iota
	Speed125kHz
	Speed250kHz
	Speed1MHz
	Speed2MHz
	Speed2600kHz
	Speed4MHz
	Speed8MHz
)

var speedHz = [...]uint32{30000, 125000, 250000, 1000000, 2000000, 2600000, 4000000, 8000000}

// SpeedFor returns the fastest setting that does not exceed hz.
func SpeedFor(hz uint32) Speed {
	s := Speed30kHz
	for i, f := range speedHz {
		if f <= hz {
			s = Speed(i)
		}
	}
	return s
}

type BusPirate struct {
	rw     io.ReadWriter
	closer io.Closer
}

// Open opens the serial port and switches the Bus Pirate to SPI mode 0 with
// power supplies on.
func Open(port string, speed Speed) (*BusPirate, error) {
	options := tty.OpenOptions{
		PortName:              port,
		BaudRate:              115200,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}

	ser, err := tty.Open(options)
	if err != nil {
		return nil, fmt.Errorf("tty.Open %s: %v", port, err)
	}

	bp, err := New(ser, speed)
	if err != nil {
		ser.Close()
		return nil, err
	}
	bp.closer = ser

	return bp, nil
}

func New(rw io.ReadWriter, speed Speed) (*BusPirate, error) {
	bp := &BusPirate{rw: rw}

	if err := bp.enterBitbang(); err != nil {
		return nil, err
	}

	if err := bp.expect([]byte{cmdEnterSPI}, ResponseSPI); err != nil {
		return nil, fmt.Errorf("enter SPI: %w", err)
	}

	setup := []byte{
		cmdSpeed | byte(speed&0x07),
		cmdConfigure | configOutput33 | configCKE,
		cmdPeriph | periphPower | periphCS,
	}
	for _, m := range setup {
		if err := bp.command(m); err != nil {
			return nil, fmt.Errorf("configure %02x: %w", m, err)
		}
	}

	return bp, nil
}

/* enterBitbang sends zeros until the firmware answers BBIO1. Anything left
 * from terminal mode is drained along the way. */
func (bp *BusPirate) enterBitbang() error {
	var resp []byte
	buf := make([]byte, 256)

	for i := 0; i < maxResetAttempts; i++ {
		if _, err := bp.rw.Write([]byte{cmdReset}); err != nil {
			return err
		}

		n, err := bp.rw.Read(buf)
		if err != nil && err != io.EOF {
			return err
		}
		resp = append(resp, buf[:n]...)

		if bytes.HasSuffix(resp, ResponseBBIO) {
			return nil
		}
	}

	return errors.New("bus pirate did not enter binary mode")
}

func (bp *BusPirate) expect(cmd []byte, response []byte) error {
	if _, err := bp.rw.Write(cmd); err != nil {
		return err
	}

	resp := make([]byte, len(response))
	if _, err := io.ReadFull(bp.rw, resp); err != nil {
		return err
	}

	if !bytes.Equal(resp, response) {
		return fmt.Errorf("unexpected response % x", resp)
	}
	return nil
}

func (bp *BusPirate) command(cmd byte) error {
	if err := bp.expect([]byte{cmd}, []byte{ack}); err != nil {
		return fmt.Errorf("%w: %w", ErrorNoAck, err)
	}
	return nil
}

func (bp *BusPirate) Select() error {
	return bp.command(cmdCSLow)
}

func (bp *BusPirate) Deselect() error {
	return bp.command(cmdCSHigh)
}

func (bp *BusPirate) Transfer(out byte) (byte, error) {
	if _, err := bp.rw.Write([]byte{cmdBulk, out}); err != nil {
		return 0, err
	}

	var resp [2]byte
	if _, err := io.ReadFull(bp.rw, resp[:]); err != nil {
		return 0, err
	}
	if resp[0] != ack {
		return 0, ErrorNoAck
	}

	return resp[1], nil
}

// Close returns the Bus Pirate to terminal mode and closes the port.
func (bp *BusPirate) Close() error {
	_, err := bp.rw.Write([]byte{cmdReset, cmdExitBBIO})

	if bp.closer == nil {
		return err
	}
	return errors.Join(err, bp.closer.Close())
}
