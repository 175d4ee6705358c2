package spiflash

import (
	"context"
	"errors"
	"testing"

	"github.com/BertoldVdb/norflash/flashsim"
)

func statusFrames(frames [][]byte) [][]byte {
	var out [][]byte
	for _, m := range frames {
		if len(m) > 0 && m[0] == opcodeReadStatus {
			out = append(out, m)
		}
	}
	return out
}

func TestWaitReadyRestartsBursts(t *testing.T) {
	model := flashsim.W25Q32
	model.BusyPolls = 250

	yields := 0
	f, chip := newTestFlash(t, model, WithYield(func() { yields++ }))

	if err := f.EraseSector(bg, 0); err != nil {
		t.Fatal(err)
	}

	frames := statusFrames(chip.Frames())
	if len(frames) != 3 {
		t.Fatalf("expected 3 status frames, got %d", len(frames))
	}
	if len(frames[0]) != 101 || len(frames[1]) != 101 || len(frames[2]) != 52 {
		t.Error("unexpected burst lengths:", len(frames[0]), len(frames[1]), len(frames[2]))
	}
	if yields != 2 {
		t.Error("yield hook ran", yields, "times")
	}
}

func TestWaitReadyPollBurst(t *testing.T) {
	model := flashsim.W25Q32
	model.BusyPolls = 10

	f, chip := newTestFlash(t, model, WithPollBurst(4), WithYield(func() {}))

	if err := f.EraseSector(bg, 0); err != nil {
		t.Fatal(err)
	}
	if n := len(statusFrames(chip.Frames())); n != 3 {
		t.Error("expected 3 status frames, got", n)
	}
}

func TestWaitReadyCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	yields := 0
	f, chip := newTestFlash(t, flashsim.W25Q32, WithYield(func() {
		yields++
		if yields == 5 {
			cancel()
		}
	}))

	chip.Stick(true)
	if err := f.WaitReady(ctx); !errors.Is(err, context.Canceled) {
		t.Error("wait did not stop on cancel:", err)
	}
	if n := len(statusFrames(chip.Frames())); n != 5 {
		t.Error("expected 5 polling bursts, got", n)
	}

	chip.Stick(false)
	if err := f.WaitReady(bg); err != nil {
		t.Error(err)
	}
}

func TestWaitReadyBusError(t *testing.T) {
	chip := flashsim.New(flashsim.W25Q32)
	bus := &failingBus{Bus: chip, budget: 1000}

	f, err := New(bus)
	if err != nil {
		t.Fatal(err)
	}

	chip.Stick(true)
	bus.budget = 150
	if err := f.WaitReady(bg); !errors.Is(err, errBus) {
		t.Error("bus error not returned:", err)
	}
}
