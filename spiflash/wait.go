package spiflash

import "context"

// WaitReady polls the status register until the busy bit clears. Polling is
// done in bursts on one chip-select assertion; between bursts the bus is
// released and the yield hook runs. There is no timeout: with a context that
// is never cancelled a chip that stays busy blocks forever.
func (f *Flash) WaitReady(ctx context.Context) error {
	for {
		ready, err := f.pollStatus()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		if f.yield != nil {
			f.yield()
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (f *Flash) pollStatus() (bool, error) {
	t := begin(f.bus)
	t.send(opcodeReadStatus)

	ready := false
	for i := 0; i < f.pollBurst && t.err == nil; i++ {
		if t.xfer(0)&statusBusy == 0 {
			ready = true
			break
		}
	}

	return ready, t.end()
}
