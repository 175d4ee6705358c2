package spiflash

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"
)

func readJEDECID(bus Bus) (Identity, error) {
	var id Identity

	t := begin(bus)
	t.send(opcodeJEDECID)
	id.Manufacturer = t.xfer(0)
	id.Type = t.xfer(0)
	id.Capacity = t.xfer(0)

	return id, t.end()
}

/* readLegacyID uses the older READ-ID command, which takes a dummy address
 * and returns the manufacturer and device codes twice */
func readLegacyID(bus Bus) (uint32, error) {
	var buf [4]byte

	t := frame(bus, opcodeLegacyID, 0)
	for i := range buf {
		buf[i] = t.xfer(0)
	}

	return binary.BigEndian.Uint32(buf[:]), t.end()
}

// Detect identifies the chip on bus and returns the matching profile. A chip
// that cannot be identified yields DefaultProfile with FamilyUnknown; only
// bus failures are returned as errors.
func Detect(bus Bus, logger hclog.Logger) (Identity, Profile, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	profile := DefaultProfile

	id, err := readJEDECID(bus)
	if err != nil {
		return id, profile, err
	}

	if dev, ok := deviceLookup(id.Manufacturer); ok {
		if dev.match(id.Type, id.Capacity) {
			profile.Family = dev.family
			dev.apply(&profile, id.Capacity)
		}
	} else {
		logger.Debug("unknown manufacturer, trying legacy id", "mfg", hclog.Fmt("%02x", id.Manufacturer),
			"type", hclog.Fmt("%02x", id.Type), "capacity", hclog.Fmt("%02x", id.Capacity))

		id.LegacyID, err = readLegacyID(bus)
		if err != nil {
			return id, profile, err
		}

		if id.LegacyID == legacyIDSST25VFxxxA {
			applyLegacySST25VFxxxA(&profile)
		}
	}

	if profile.Recognized() {
		logger.Info("flash found", "device", profile.Family.String(), "sectors", profile.Sectors)
	} else {
		logger.Warn("unknown flash device, using default parameters",
			"mfg", hclog.Fmt("%02x", id.Manufacturer),
			"type", hclog.Fmt("%02x", id.Type),
			"capacity", hclog.Fmt("%02x", id.Capacity),
			"legacy_id", hclog.Fmt("%08x", id.LegacyID))
	}

	logger.Debug("flash params",
		"sr_enable", hclog.Fmt("%02x", profile.StatusEnableOp),
		"protect_mask", hclog.Fmt("%02x", profile.ProtectMask),
		"write_size", profile.WriteUnit,
		"write_cmd", hclog.Fmt("%02x", profile.WriteOp),
		"fast_read", profile.FastRead,
		"use_aai", profile.AutoIncrement)

	return id, profile, nil
}
