package spiflash

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-hclog"
)

var (
	ErrorAddressRange = errors.New("address outside of 24-bit range")
	ErrorWriteUnit    = errors.New("write unit must be 1 or 2")
)

// Flash drives one chip. It is not safe for concurrent use: callers own the
// bus for the duration of every call.
type Flash struct {
	bus    Bus
	logger hclog.Logger

	id      Identity
	profile Profile

	reservedSectors uint32
	pollBurst       int
	yield           func()
}

type config struct {
	logger    hclog.Logger
	profile   *Profile
	reserved  uint32
	pollBurst int
	yield     func()
	publish   func(usable uint32)
}

type Option func(*config)

func WithLogger(logger hclog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithProfile skips detection and uses p as is.
func WithProfile(p Profile) Option {
	return func(c *config) {
		c.profile = &p
	}
}

// WithReservedSectors excludes the first n sectors from the usable capacity.
func WithReservedSectors(n uint32) Option {
	return func(c *config) {
		c.reserved = n
	}
}

// WithPollBurst sets how many status bytes are sampled per status command
// before chip-select is released and the yield hook runs.
func WithPollBurst(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pollBurst = n
		}
	}
}

// WithYield replaces the hook run between status polling bursts.
func WithYield(yield func()) Option {
	return func(c *config) {
		c.yield = yield
	}
}

// WithCapacityPublisher registers a callback that receives the usable sector
// count once detection has finished.
func WithCapacityPublisher(publish func(usable uint32)) Option {
	return func(c *config) {
		c.publish = publish
	}
}

func New(bus Bus, opts ...Option) (*Flash, error) {
	c := config{
		logger:    hclog.NewNullLogger(),
		pollBurst: 100,
		yield:     runtime.Gosched,
	}
	for _, opt := range opts {
		opt(&c)
	}

	f := &Flash{
		bus:    bus,
		logger: c.logger,

		reservedSectors: c.reserved,
		pollBurst:       c.pollBurst,
		yield:           c.yield,
	}

	if c.profile != nil {
		if c.profile.WriteUnit != 1 && c.profile.WriteUnit != 2 {
			return nil, ErrorWriteUnit
		}
		f.profile = *c.profile
	} else {
		id, profile, err := Detect(bus, f.logger)
		if err != nil {
			return nil, fmt.Errorf("detect: %w", err)
		}
		f.id = id
		f.profile = profile
	}

	f.logger.Info("free sectors", "count", f.UsableSectors())
	if c.publish != nil {
		c.publish(f.UsableSectors())
	}

	return f, nil
}

func (f *Flash) Profile() Profile {
	return f.profile
}

func (f *Flash) Identity() Identity {
	return f.id
}

func (f *Flash) ReservedSectors() uint32 {
	return f.reservedSectors
}

// UsableSectors is the sector count minus the reserved leading sectors.
func (f *Flash) UsableSectors() uint32 {
	if f.profile.Sectors < f.reservedSectors {
		return 0
	}
	return f.profile.Sectors - f.reservedSectors
}

func (f *Flash) writeEnable() error {
	return command(f.bus, opcodeWriteEnable)
}

func (f *Flash) writeDisable() error {
	return command(f.bus, opcodeWriteDisable)
}

/* AAI chips can signal ready/busy on the SO pin; it must be off while we poll
 * the status register */
func (f *Flash) disableBusySignal() error {
	return command(f.bus, opcodeDisableBusy)
}

// SetBlockProtect sets (protect true) or clears the block protect bits in the
// status register. Chips without a protect mask only receive the unlock
// opcode.
func (f *Flash) SetBlockProtect(protect bool) error {
	if err := command(f.bus, f.profile.StatusEnableOp); err != nil {
		return err
	}

	t := begin(f.bus)
	if f.profile.ProtectMask != 0 {
		value := byte(0)
		if protect {
			value = f.profile.ProtectMask
		}
		t.send(opcodeWriteStatus, value)
	}
	return t.end()
}

func checkRange(address uint32, length int) error {
	if address >= AddressLimit || uint64(address)+uint64(length) > AddressLimit {
		return ErrorAddressRange
	}
	return nil
}
