// Package image wraps a firmware or configuration blob in a small header so
// it can be stored in flash and checked on the way back.
//
// Layout (big endian):
//
//	0x00 magic "NORF"
//	0x04 payload length
//	0x08 payload CRC32
//	0x0C header CRC32 over bytes 0x00-0x0B
//	0x10 payload
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	HeaderSize = 0x10

	magic = 0x4E4F5246
)

var (
	ErrorInvalidLength = errors.New("image length not valid")
	ErrorInvalidHeader = errors.New("header is not valid")
	ErrorInvalidCRC    = errors.New("CRC is not valid")
)

func makeHeader(hdr []byte, length int) {
	binary.BigEndian.PutUint32(hdr[0:], magic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(length))
}

/* checksumInternal checks (and optionally fills in) both CRCs */
func checksumInternal(image []byte, doWrite bool) bool {
	wasValid := crcWriteCheck(image[8:], crcCalculate(image[HeaderSize:]), doWrite)
	return crcWriteCheck(image[12:], crcCalculate(image[:12]), doWrite) && wasValid
}

// ParseHeader validates a header read from flash and returns the payload
// length it announces.
func ParseHeader(hdr []byte) (int, error) {
	if len(hdr) < HeaderSize {
		return 0, ErrorInvalidLength
	}

	if binary.BigEndian.Uint32(hdr) != magic {
		return 0, ErrorInvalidHeader
	}
	if !crcWriteCheck(hdr[12:], crcCalculate(hdr[:12]), false) {
		return 0, ErrorInvalidCRC
	}

	return int(binary.BigEndian.Uint32(hdr[4:])), nil
}

func Validate(image []byte) error {
	length, err := ParseHeader(image)
	if err != nil {
		return err
	}

	if len(image) != HeaderSize+length {
		return ErrorInvalidLength
	}

	var hdr [8]byte
	makeHeader(hdr[:], length)
	if !bytes.Equal(hdr[:], image[:len(hdr)]) {
		return ErrorInvalidHeader
	}

	if !checksumInternal(image, false) {
		return ErrorInvalidCRC
	}

	return nil
}

func Build(payload []byte) []byte {
	img := make([]byte, HeaderSize+len(payload))
	makeHeader(img, len(payload))
	copy(img[HeaderSize:], payload)

	checksumInternal(img, true)
	return img
}

func Extract(image []byte) ([]byte, error) {
	if err := Validate(image); err != nil {
		return nil, err
	}

	return image[HeaderSize:], nil
}
