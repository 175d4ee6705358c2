// Package selftest exercises a flash chip through the public driver calls
// and reports whether the data written comes back unchanged. It erases and
// overwrites the first usable sector.
package selftest

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/BertoldVdb/norflash/spiflash"
	"github.com/hashicorp/go-hclog"
	"github.com/snksoft/crc"
)

// Device is the part of the driver the test needs.
type Device interface {
	EraseSector(ctx context.Context, address uint32) error
	Write(ctx context.Context, address uint32, data []byte) error
	Read(address uint32, data []byte) (int, error)
	Profile() spiflash.Profile
	ReservedSectors() uint32
}

type MismatchError struct {
	Stage    string
	Offset   int
	Expected byte
	Actual   byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: offset %04x: expected %02x, got %02x", e.Stage, e.Offset, e.Expected, e.Actual)
}

type Stage struct {
	Name       string
	Offset     int
	Length     int
	Mismatches []*MismatchError
}

type Report struct {
	Start  uint32
	Stages []Stage

	ExpectedCRC uint32
	ActualCRC   uint32
}

// Err returns the first mismatch, or nil when every stage passed.
func (r *Report) Err() error {
	for _, m := range r.Stages {
		if len(m.Mismatches) > 0 {
			return m.Mismatches[0]
		}
	}
	return nil
}

/* The pattern covers the first 256 bytes of the test sector */
const patternLength = 256

var crcTable = crc.NewTable(crc.CRC32)

func checksum(data []byte) uint32 {
	h := crc.NewHashWithTable(crcTable)
	h.Update(data)
	return h.CRC32()
}

type tester struct {
	ctx    context.Context
	dev    Device
	logger hclog.Logger
	start  uint32
	report *Report
}

func (t *tester) compare(name string, offset int, expected []byte) error {
	actual := make([]byte, len(expected))
	if _, err := t.dev.Read(t.start+uint32(offset), actual); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	stage := Stage{Name: name, Offset: offset, Length: len(expected)}
	for i := range expected {
		if expected[i] != actual[i] {
			stage.Mismatches = append(stage.Mismatches, &MismatchError{
				Stage:    name,
				Offset:   offset + i,
				Expected: expected[i],
				Actual:   actual[i],
			})
		}
	}

	if len(stage.Mismatches) > 0 {
		t.logger.Warn("stage failed", "stage", name, "mismatches", len(stage.Mismatches))
	} else {
		t.logger.Debug("stage passed", "stage", name)
	}

	t.report.Stages = append(t.report.Stages, stage)
	return nil
}

func (t *tester) write(offset int, data []byte) error {
	return t.dev.Write(t.ctx, t.start+uint32(offset), data)
}

// Run erases the first sector after the reserved area, writes a pseudo-random
// pattern in several overlapping pieces and reads it back. Only driver and
// bus failures are returned as errors; data mismatches end up in the report.
func Run(ctx context.Context, dev Device, seed int64, logger hclog.Logger) (*Report, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	start := dev.ReservedSectors() * spiflash.SectorSize
	if size := dev.Profile().Size(); size != 0 && start+spiflash.SectorSize > size {
		return nil, fmt.Errorf("no free sector to test (reserved %d of %d)", dev.ReservedSectors(), dev.Profile().Sectors)
	}

	t := &tester{
		ctx:    ctx,
		dev:    dev,
		logger: logger,
		start:  start,
		report: &Report{Start: start},
	}

	data := make([]byte, patternLength)
	rand.New(rand.NewSource(seed)).Read(data)

	logger.Info("self test", "start", hclog.Fmt("%06x", start))

	if err := dev.EraseSector(ctx, start); err != nil {
		return nil, err
	}
	if err := t.compare("erase", 0, make([]byte, 101)); err != nil {
		return nil, err
	}

	if err := t.write(0, data[:101]); err != nil {
		return nil, err
	}
	if err := t.compare("write", 0, data[:101]); err != nil {
		return nil, err
	}

	if err := t.write(101, data[101:201]); err != nil {
		return nil, err
	}
	if err := t.compare("append", 0, data[:201]); err != nil {
		return nil, err
	}

	/* Written out of order: the second piece ends where the first starts */
	if err := t.write(223, data[223:256]); err != nil {
		return nil, err
	}
	if err := t.write(201, data[201:223]); err != nil {
		return nil, err
	}
	if err := t.compare("overlap", 200, data[200:256]); err != nil {
		return nil, err
	}

	readBack := make([]byte, patternLength)
	if _, err := dev.Read(start, readBack); err != nil {
		return nil, err
	}
	t.report.ExpectedCRC = checksum(data)
	t.report.ActualCRC = checksum(readBack)

	logger.Info("self test done", "expected_crc", hclog.Fmt("%08x", t.report.ExpectedCRC),
		"actual_crc", hclog.Fmt("%08x", t.report.ActualCRC), "ok", t.report.Err() == nil)

	return t.report, nil
}
