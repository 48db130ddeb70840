// Package util holds the on-disk framing of backup images.
package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
)

// Frame layout: [magic (4)][payload length (4)][payload][crc32c (4)].
// Integers are little endian; the checksum covers the payload only.
const (
	frameMagic    uint32 = 0x50414231 // "PAB1"
	frameHeader          = 8
	frameTrailer         = 4
	frameOverhead        = frameHeader + frameTrailer
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes the CRC32C checksum of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Frame wraps payload in a checksummed frame
func Frame(payload []byte) []byte {
	out := make([]byte, frameHeader, len(payload)+frameOverhead)
	binary.LittleEndian.PutUint32(out[0:4], frameMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint32(out, ComputeChecksum(payload))
}

// Unframe validates a frame and returns its payload, which aliases raw
func Unframe(raw []byte) ([]byte, error) {
	if len(raw) < frameOverhead {
		return nil, accesserrors.CorruptedData(fmt.Sprintf("frame is truncated: %d bytes", len(raw)), nil)
	}
	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != frameMagic {
		return nil, accesserrors.CorruptedData(fmt.Sprintf("bad frame magic %#x", magic), nil)
	}
	n := int(binary.LittleEndian.Uint32(raw[4:8]))
	if n != len(raw)-frameOverhead {
		return nil, accesserrors.CorruptedData(
			fmt.Sprintf("frame length %d does not match %d payload bytes", n, len(raw)-frameOverhead), nil)
	}

	payload := raw[frameHeader : frameHeader+n]
	expected := binary.LittleEndian.Uint32(raw[frameHeader+n:])
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, accesserrors.ChecksumFailed(expected, actual)
	}
	return payload, nil
}
