package spiflash

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/BertoldVdb/norflash/flashsim"
)

var bg = context.Background()

var recognizedModels = []flashsim.Model{
	flashsim.SST25VF016B,
	flashsim.SST25VF512A,
	flashsim.W25Q32,
	flashsim.IS25CQ032,
	flashsim.IS25LQ080,
}

func getRandomBuf(rng *rand.Rand, length int) []byte {
	out := make([]byte, length)
	rng.Read(out)
	return out
}

func readBack(t *testing.T, f *Flash, address uint32, length int) []byte {
	t.Helper()

	buf := make([]byte, length)
	n, err := f.Read(address, buf)
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if n != length {
		t.Fatalf("short read: %d != %d", n, length)
	}
	return buf
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	cases := []struct {
		offset uint32
		length int
	}{
		{0, 1}, {0, 2}, {1, 1}, {1, 2}, {3, 7}, {10, 101}, {255, 2}, {250, 300}, {4000, 96},
	}

	for _, model := range recognizedModels {
		f, chip := newTestFlash(t, model)
		sector := uint32(SectorSize)

		for _, c := range cases {
			if err := f.EraseSector(bg, sector); err != nil {
				t.Fatal(err)
			}

			data := getRandomBuf(rng, c.length)
			if err := f.Write(bg, sector+c.offset, data); err != nil {
				t.Fatal(model.Name, err)
			}

			if rb := readBack(t, f, sector+c.offset, c.length); !bytes.Equal(rb, data) {
				t.Errorf("%s: offset %d length %d: read back differs", model.Name, c.offset, c.length)
			}

			/* Data is stored inverted */
			raw := chip.Peek(sector+c.offset, c.length)
			for i := range raw {
				if raw[i] != ^data[i] {
					t.Errorf("%s: byte %d stored as %02x, expected %02x", model.Name, i, raw[i], ^data[i])
					break
				}
			}
		}
		checkFaults(t, chip)
	}
}

func TestEraseReadsZero(t *testing.T) {
	for _, model := range recognizedModels {
		f, chip := newTestFlash(t, model)

		if err := f.Write(bg, 0x100, bytes.Repeat([]byte{0xA5}, 64)); err != nil {
			t.Fatal(err)
		}
		if err := f.EraseSector(bg, 0x123); err != nil {
			t.Fatal(err)
		}

		if rb := readBack(t, f, 0, SectorSize); !bytes.Equal(rb, make([]byte, SectorSize)) {
			t.Error(model.Name, "erased sector does not read as zero")
		}
		checkFaults(t, chip)
	}
}

func TestEraseAll(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.IS25LQ080)

	if err := f.Write(bg, 0x10000, []byte("config")); err != nil {
		t.Fatal(err)
	}

	chip.ResetTrace()
	if err := f.EraseAll(bg); err != nil {
		t.Fatal(err)
	}
	checkFrames(t, chip.Frames(), [][]byte{{0x06}, {0xC7}, {0x05, 0, 0, 0, 0, 0}})

	if rb := readBack(t, f, 0x10000, 6); !bytes.Equal(rb, make([]byte, 6)) {
		t.Error("chip not erased:", rb)
	}
}

func TestEraseSectorFrames(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.W25Q32)

	if err := f.EraseSector(bg, 0x012345); err != nil {
		t.Fatal(err)
	}
	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{{0x06}, {0x20, 0x01, 0x23, 0x45}})
}

func TestPageProgramFrames(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.W25Q32)

	if err := f.Write(bg, 0x000102, []byte{0x00, 0xFF, 0x0F}); err != nil {
		t.Fatal(err)
	}

	checkFrames(t, chip.Frames(), [][]byte{
		{0x06},
		{0x02, 0x00, 0x01, 0x02, 0xFF, 0x00, 0xF0},
		{0x05, 0, 0, 0, 0, 0, 0},
		{0x04},
	})
}

func TestPageProgramSplitsPages(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.W25Q32)
	data := getRandomBuf(rand.New(rand.NewSource(2)), 300)

	if err := f.Write(bg, 0x1F0, data); err != nil {
		t.Fatal(err)
	}

	var lengths []int
	for _, m := range chip.Frames() {
		if m[0] == 0x02 {
			lengths = append(lengths, len(m)-4)
		}
	}
	if len(lengths) != 3 || lengths[0] != 16 || lengths[1] != 256 || lengths[2] != 28 {
		t.Error("unexpected page program bursts:", lengths)
	}

	if rb := readBack(t, f, 0x1F0, len(data)); !bytes.Equal(rb, data) {
		t.Error("read back differs")
	}
	checkFaults(t, chip)
}

func TestAutoIncrementFrames(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	if err := f.Write(bg, 0x000010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{
		{0x80},
		{0x06},
		{0xAD, 0x00, 0x00, 0x10, 0xFE, 0xFD},
		{0xAD, 0xFC, 0xFB},
		{0x04},
	})
	checkFaults(t, chip)
}

func TestAutoIncrementOddStart(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	if err := f.Write(bg, 0x000011, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{
		{0x80},
		{0x06},
		{0x80},
		{0x06},
		{0x02, 0x00, 0x00, 0x11, 0xFE},
		{0x04},
		{0x06},
		{0xAD, 0x00, 0x00, 0x12, 0xFD, 0xFC},
		{0x04},
	})
	checkFaults(t, chip)
}

func TestAutoIncrementSingleOddByte(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	if err := f.Write(bg, 0x21, []byte{0x42}); err != nil {
		t.Fatal(err)
	}

	for _, m := range chip.Frames() {
		if m[0] == 0xAD {
			t.Error("auto-increment used for a single odd byte")
		}
	}
	if rb := readBack(t, f, 0x20, 3); !bytes.Equal(rb, []byte{0, 0x42, 0}) {
		t.Error("wrong content:", rb)
	}
}

func TestAlignmentEquivalence(t *testing.T) {
	payload := getRandomBuf(rand.New(rand.NewSource(3)), 37)

	for _, start := range []uint32{0x200, 0x201} {
		f, chip := newTestFlash(t, flashsim.SST25VF016B)

		if err := f.Write(bg, start, payload); err != nil {
			t.Fatal(err)
		}
		if rb := readBack(t, f, start, len(payload)); !bytes.Equal(rb, payload) {
			t.Errorf("start %x: content differs", start)
		}
		if rb := readBack(t, f, start+uint32(len(payload)), 4); !bytes.Equal(rb, make([]byte, 4)) {
			t.Errorf("start %x: bytes after the payload changed: %v", start, rb)
		}
		checkFaults(t, chip)
	}
}

func TestPaddingSafety(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	/* Neighbour written first, then an odd-length payload that ends right
	 * before it; the pad byte lands on the neighbour */
	if err := f.Write(bg, 0x105, []byte{0x5A}); err != nil {
		t.Fatal(err)
	}
	if err := f.Write(bg, 0x100, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}

	if rb := readBack(t, f, 0x100, 7); !bytes.Equal(rb, []byte{1, 2, 3, 4, 5, 0x5A, 0}) {
		t.Error("padding changed neighbouring data:", rb)
	}
	checkFaults(t, chip)
}

func TestWriteByte(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	if err := f.WriteByte(bg, 0x30, 0x81); err != nil {
		t.Fatal(err)
	}
	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{
		{0x80},
		{0x06},
		{0x02, 0x00, 0x00, 0x30, 0x7E},
		{0x04},
	})

	f, chip = newTestFlash(t, flashsim.W25Q32)
	if err := f.WriteByte(bg, 0x30, 0x81); err != nil {
		t.Fatal(err)
	}
	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{
		{0x06},
		{0x02, 0x00, 0x00, 0x30, 0x7E},
		{0x04},
	})
}

func TestWriteZeroLength(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.SST25VF016B)

	if err := f.Write(bg, 0x10, nil); err != nil {
		t.Error(err)
	}
	if len(chip.Frames()) != 0 {
		t.Error("zero length write touched the bus:", chip.Frames())
	}
}

func TestWriteAddressRange(t *testing.T) {
	f, chip := newTestFlash(t, flashsim.W25Q32)

	if err := f.Write(bg, AddressLimit-1, []byte{1, 2}); err != ErrorAddressRange {
		t.Error("write past 24 bits accepted:", err)
	}
	if err := f.EraseSector(bg, AddressLimit); err != ErrorAddressRange {
		t.Error("erase past 24 bits accepted:", err)
	}
	if len(chip.Frames()) != 0 {
		t.Error("rejected operation touched the bus")
	}
}

func TestAutoIncrementBusErrorEndsMode(t *testing.T) {
	chip := flashsim.New(flashsim.SST25VF016B)
	f, err := New(&glitchBus{Bus: chip, opcode: 0xAD, skip: 1})
	if err != nil {
		t.Fatal(err)
	}
	chip.ResetTrace()

	if err := f.Write(bg, 0x10, []byte{1, 2, 3, 4, 5, 6}); !errors.Is(err, errBus) {
		t.Fatal("bus error not returned:", err)
	}

	checkFrames(t, withoutStatus(chip.Frames()), [][]byte{
		{0x80},
		{0x06},
		{0xAD, 0x00, 0x00, 0x10, 0xFE, 0xFD},
		{},
		{0x04},
	})
	checkFaults(t, chip)
}
