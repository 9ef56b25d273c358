package cursor

import "time"

const checksumAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// checksumSeed starts the XOR chain over the timestamp bytes.
const checksumSeed = 165

// Checksum produces the time-windowed request signature: the current
// window counter (floor of unix microseconds over 1e6) packed into six
// big-endian bytes, XOR-chained from the seed, encoded with the base64
// URL alphabet, with the machine id appended.
func Checksum(machineID string, now time.Time) string {
	window := uint64(now.UnixMicro() / 1_000_000)

	ts := [6]byte{
		byte(window >> 40),
		byte(window >> 32),
		byte(window >> 24),
		byte(window >> 16),
		byte(window >> 8),
		byte(window),
	}

	key := byte(checksumSeed)
	for i := range ts {
		ts[i] ^= key
		key = ts[i]
	}

	return encodeChecksum(ts[:]) + machineID
}

// encodeChecksum maps 6 bytes onto 8 characters of the URL-safe base64
// alphabet without padding.
func encodeChecksum(data []byte) string {
	out := make([]byte, 0, (len(data)*8+5)/6)
	var acc uint
	var bits uint
	for _, b := range data {
		acc = acc<<8 | uint(b)
		bits += 8
		for bits >= 6 {
			bits -= 6
			out = append(out, checksumAlphabet[(acc>>bits)&0x3f])
		}
	}
	if bits > 0 {
		out = append(out, checksumAlphabet[(acc<<(6-bits))&0x3f])
	}
	return string(out)
}
