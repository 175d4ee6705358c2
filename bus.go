package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BertoldVdb/norflash/buspirate"
	"github.com/BertoldVdb/norflash/flashsim"
	"github.com/BertoldVdb/norflash/periphbus"
	"github.com/BertoldVdb/norflash/spidev"
	"github.com/BertoldVdb/norflash/spiflash"
	"periph.io/x/conn/v3/physic"
)

type openBus struct {
	spiflash.Bus
	close func() error
}

func (b *openBus) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

/* simulator keeps its memory in a file between invocations */
func openSim() (*openBus, error) {
	model, ok := flashsim.Models[simModel]
	if !ok {
		var names []string
		for name := range flashsim.Models {
			names = append(names, name)
		}
		return nil, fmt.Errorf("unknown model %q (have %s)", simModel, strings.Join(names, ", "))
	}

	chip := flashsim.New(model)
	b := &openBus{Bus: chip}
	if simImage == "" {
		return b, nil
	}

	data, err := os.ReadFile(simImage)
	if err == nil {
		if err := chip.LoadImage(data); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	b.close = func() error {
		for _, m := range chip.Faults() {
			logger.Warn("simulated chip fault", "fault", m)
		}
		return os.WriteFile(simImage, chip.Image(), 0644)
	}
	return b, nil
}

// openBusSpec opens sim, spidev[:PATH], periph:PORT or buspirate:TTY.
func openBusSpec(spec string) (*openBus, error) {
	kind, arg, _ := strings.Cut(spec, ":")

	switch kind {
	case "sim":
		return openSim()

	case "spidev":
		if arg == "" {
			var err error
			if arg, err = spidev.FindDevice(-1, ""); err != nil {
				return nil, err
			}
		}
		dev, err := spidev.New(arg, speed, 0)
		if err != nil {
			return nil, err
		}
		return &openBus{Bus: dev, close: dev.Close}, nil

	case "periph":
		dev, err := periphbus.Open(arg, csPin, physic.Frequency(speed)*physic.Hertz)
		if err != nil {
			return nil, err
		}
		return &openBus{Bus: dev, close: dev.Close}, nil

	case "buspirate":
		if arg == "" {
			return nil, errors.New("buspirate needs a serial port")
		}
		bp, err := buspirate.Open(arg, buspirate.SpeedFor(speed))
		if err != nil {
			return nil, err
		}
		return &openBus{Bus: bp, close: bp.Close}, nil
	}

	return nil, fmt.Errorf("unknown bus %q", spec)
}
