package flashsim

import (
	"bytes"
	"testing"
)

func run(c *Chip, frames ...[]byte) [][]byte {
	var out [][]byte
	for _, m := range frames {
		c.Select()
		in := make([]byte, len(m))
		for i, b := range m {
			in[i], _ = c.Transfer(b)
		}
		c.Deselect()
		out = append(out, in)
	}
	return out
}

func drain(c *Chip) {
	for c.busy > 0 {
		run(c, []byte{0x05, 0})
	}
}

func TestJEDECAndLegacyID(t *testing.T) {
	c := New(W25Q32)
	in := run(c, []byte{0x9F, 0, 0, 0})
	if !bytes.Equal(in[0][1:], []byte{0xEF, 0x40, 0x16}) {
		t.Error("wrong JEDEC id:", in[0])
	}

	c = New(SST25VF512A)
	in = run(c, []byte{0x90, 0, 0, 0, 0, 0, 0, 0})
	if !bytes.Equal(in[0][4:], []byte{0xBF, 0x48, 0xBF, 0x48}) {
		t.Error("wrong legacy id:", in[0])
	}
}

func TestProgramNeedsWriteEnable(t *testing.T) {
	c := New(W25Q32)
	run(c, []byte{0x02, 0, 0, 0, 0x00})

	if len(c.Faults()) != 1 {
		t.Error("missing fault:", c.Faults())
	}
	if c.Peek(0, 1)[0] != 0xFF {
		t.Error("programmed without write enable")
	}
}

func TestProgramOnlyClearsBits(t *testing.T) {
	c := New(W25Q32)
	run(c, []byte{0x06}, []byte{0x02, 0, 0, 0, 0xF0})
	drain(c)
	run(c, []byte{0x06}, []byte{0x02, 0, 0, 0, 0x3F})
	drain(c)

	if c.Peek(0, 1)[0] != 0x30 {
		t.Errorf("got %02x", c.Peek(0, 1)[0])
	}
	if len(c.Faults()) != 0 {
		t.Error(c.Faults())
	}
}

func TestPageWrap(t *testing.T) {
	c := New(W25Q32)
	run(c, []byte{0x06}, []byte{0x02, 0, 0, 0xFF, 0x11, 0x22})
	drain(c)

	if c.Peek(0xFF, 1)[0] != 0x11 || c.Peek(0, 1)[0] != 0x22 {
		t.Error("page program did not wrap")
	}
}

func TestCommandWhileBusy(t *testing.T) {
	c := New(W25Q32)
	run(c, []byte{0x06}, []byte{0x20, 0, 0, 0}, []byte{0x06})

	if len(c.Faults()) != 1 {
		t.Error("busy violation not reported:", c.Faults())
	}
}

func TestAutoIncrement(t *testing.T) {
	c := New(SST25VF016B)
	run(c, []byte{0x06}, []byte{0xAD, 0, 0, 4, 0x01, 0x02})
	drain(c)
	run(c, []byte{0xAD, 0x03, 0x04})
	drain(c)

	if !c.aai {
		t.Error("not in auto-increment mode")
	}
	run(c, []byte{0x04})

	if !bytes.Equal(c.Peek(4, 4), []byte{1, 2, 3, 4}) {
		t.Error("wrong content:", c.Peek(4, 4))
	}
	if in := run(c, []byte{0x05, 0}); in[0][1]&statusAAI != 0 {
		t.Error("write disable did not leave auto-increment mode")
	}
	if len(c.Faults()) != 0 {
		t.Error(c.Faults())
	}
}

func TestLoadImage(t *testing.T) {
	c := New(SST25VF512A)
	if err := c.LoadImage(make([]byte, len(c.mem)+1)); err == nil {
		t.Error("oversized image accepted")
	}
	if err := c.LoadImage([]byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if img := c.Image(); img[0] != 1 || img[1] != 2 || img[2] != 0xFF {
		t.Error("wrong image content")
	}
}
