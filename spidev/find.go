package spidev

import (
	"errors"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

var sysClass = "/sys/class/spidev"

/* parseName splits spidevB.C into bus and chip select */
func parseName(name string) (int, int, bool) {
	if !strings.HasPrefix(name, "spidev") {
		return 0, 0, false
	}

	b, c, ok := strings.Cut(name[6:], ".")
	if !ok {
		return 0, 0, false
	}

	bus, err := strconv.ParseUint(b, 10, 16)
	if err != nil {
		return 0, 0, false
	}

	cs, err := strconv.ParseUint(c, 10, 16)
	if err != nil {
		return 0, 0, false
	}

	return int(bus), int(cs), true
}

func readModalias(dev string) string {
	data, err := os.ReadFile(path.Join(dev, "device", "modalias"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// FindDevices lists the spidev nodes, optionally limited to one bus (bus < 0
// for all) and to devices whose modalias contains match.
func FindDevices(bus int, match string) ([]string, error) {
	entries, err := os.ReadDir(sysClass)
	if err != nil {
		return nil, err
	}

	var results []string
	for _, m := range entries {
		name := m.Name()

		b, _, ok := parseName(name)
		if !ok {
			continue
		}
		if bus >= 0 && b != bus {
			continue
		}

		if match != "" && !strings.Contains(readModalias(path.Join(sysClass, name)), match) {
			continue
		}

		results = append(results, "/dev/"+name)
	}

	sort.Strings(results)
	return results, nil
}

// FindDevice returns the first spidev node, see FindDevices.
func FindDevice(bus int, match string) (string, error) {
	devs, err := FindDevices(bus, match)
	if err != nil {
		return "", err
	}
	if len(devs) == 0 {
		return "", errors.New("no matching spidev device was found")
	}
	return devs[0], nil
}
