// Package idcodec implements the stream_id / SSRC encoding described in
// spec.md §3 and §6: a reversible 32-ish character encoding of
// device_id(20)+channel_id(20)+ssrc(10) decimal digits, plus the SSRC
// composition and per-domain sequence pool.
//
// The encoding (spec's Open Question on the "two variants" of the
// algorithm) is resolved here by porting the exact bit manipulation from the
// original reference implementation: convert to a 200-bit string, insert a
// 7-bit salt derived from the current nanosecond clock at seven fixed
// positions (207 = 23*9, divisible by 9 for the next grouping step), group
// into 9-bit chunks with a fixed 3-subchunk swap, then map each 9-bit value
// (0-511) onto a 10-digit/52-letter dictionary pair. The salt is required
// for the grouping arithmetic (200 is not divisible by 9; 207 is) but
// cosmetic for round-tripping: decode discards it, so encoding the same
// triple twice yields two different-looking but both valid stream ids.
package idcodec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var digitDict = [10]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9'}

// letterDict mirrors the reference implementation's keyboard-row ordering:
// lowercase home/top/bottom rows read top-to-bottom, left-to-right, then the
// same order uppercased.
var letterDict = [52]byte{
	'q', 'a', 'z', 'w', 's', 'x', 'e', 'd', 'c', 'r', 'f', 'v', 't', 'g', 'b',
	'y', 'h', 'n', 'u', 'j', 'm', 'i', 'k', 'o', 'l', 'p',
	'Q', 'A', 'Z', 'W', 'S', 'X', 'E', 'D', 'C', 'R', 'F', 'V', 'T', 'G', 'B',
	'Y', 'H', 'N', 'U', 'J', 'M', 'I', 'K', 'O', 'L', 'P',
}

var letterIndex = func() map[byte]int {
	m := make(map[byte]int, len(letterDict))
	for i, c := range letterDict {
		m[c] = i
	}
	return m
}()

// EncodeStreamID builds the stream_id for a (device_id, channel_id, ssrc)
// triple. device_id and channel_id must be 20 decimal digits, ssrc 10
// decimal digits, matching spec §3's GB/T id formats.
func EncodeStreamID(deviceID, channelID, ssrc string) (string, error) {
	if len(deviceID) != 20 || len(channelID) != 20 || len(ssrc) != 10 {
		return "", fmt.Errorf("idcodec: device_id/channel_id must be 20 digits and ssrc 10 digits, got %d/%d/%d", len(deviceID), len(channelID), len(ssrc))
	}
	oriKey := deviceID + channelID + ssrc

	bits := make([]byte, 0, 200)
	for i := 0; i < len(oriKey); i++ {
		c := oriKey[i]
		if c < '0' || c > '9' {
			return "", fmt.Errorf("idcodec: non-digit character %q at position %d", c, i)
		}
		bits = append(bits, fourBitBinary(c-'0')...)
	}

	fill := sevenBitBinary(byte(time.Now().UnixNano() % 100))

	tmp := make([]byte, 0, 207)
	fillIdx := 0
	for i, b := range bits {
		tmp = append(tmp, b)
		if i > 23 && i%23 == 0 {
			tmp = append(tmp, fill[fillIdx])
			fillIdx++
		}
	}

	var out strings.Builder
	out.Grow(32)
	for g := 0; g+9 <= len(tmp); g += 9 {
		group := [9]byte{}
		copy(group[:], tmp[g:g+9])
		swapSubchunks(&group)

		val, err := strconv.ParseUint(string(group[:]), 2, 16)
		if err != nil {
			return "", fmt.Errorf("idcodec: invalid binary group %q: %w", group, err)
		}
		circle := val / 52
		index := val % 52
		if circle > 0 {
			out.WriteByte(digitDict[circle-1])
		}
		out.WriteByte(letterDict[index])
	}
	return out.String(), nil
}

// DecodeStreamID recovers (device_id, channel_id, ssrc) from a stream_id
// produced by EncodeStreamID.
func DecodeStreamID(streamID string) (deviceID, channelID, ssrc string, err error) {
	tmp := make([]byte, 0, 207)
	pre := -1
	for i := 0; i < len(streamID); i++ {
		c := streamID[i]
		if c >= '0' && c <= '9' {
			pre = (int(c-'0') + 1) * 52
			continue
		}
		idx, ok := letterIndex[c]
		if !ok {
			return "", "", "", fmt.Errorf("idcodec: invalid character %q in stream_id", c)
		}
		offset := 0
		if pre >= 0 {
			offset = pre
		}
		tmp = append(tmp, nineBitBinary(uint16(offset+idx))...)
		pre = -1
	}
	if len(tmp) != 207 {
		return "", "", "", fmt.Errorf("idcodec: decoded bit length %d, want 207", len(tmp))
	}

	for g := 0; g+9 <= len(tmp); g += 9 {
		group := (*[9]byte)(tmp[g : g+9 : g+9])
		swapSubchunks(group)
	}

	bin := make([]byte, 0, 200)
	ti := 47
	for i, b := range tmp {
		if i == ti {
			ti += 24
			continue
		}
		bin = append(bin, b)
	}
	if len(bin) != 200 {
		return "", "", "", fmt.Errorf("idcodec: stripped bit length %d, want 200", len(bin))
	}

	var digits strings.Builder
	digits.Grow(50)
	for g := 0; g+4 <= len(bin); g += 4 {
		v, perr := strconv.ParseUint(string(bin[g:g+4]), 2, 8)
		if perr != nil {
			return "", "", "", fmt.Errorf("idcodec: invalid nibble %q: %w", bin[g:g+4], perr)
		}
		digits.WriteByte('0' + byte(v))
	}
	ori := digits.String()
	return ori[0:20], ori[20:40], ori[40:50], nil
}

// swapSubchunks swaps the first and last byte of each 3-byte sub-chunk of a
// 9-byte group: positions (0,2), (3,5), (6,8). This swap is its own inverse,
// so the same helper both encodes and decodes.
func swapSubchunks(group *[9]byte) {
	group[0], group[2] = group[2], group[0]
	group[3], group[5] = group[5], group[3]
	group[6], group[8] = group[8], group[6]
}

func fourBitBinary(d byte) []byte {
	out := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		out[i] = '0' + (d & 1)
		d >>= 1
	}
	return out
}

func sevenBitBinary(v byte) []byte {
	out := make([]byte, 7)
	for i := 6; i >= 0; i-- {
		out[i] = '0' + (v & 1)
		v >>= 1
	}
	return out
}

func nineBitBinary(v uint16) []byte {
	out := make([]byte, 9)
	for i := 8; i >= 0; i-- {
		out[i] = '0' + byte(v&1)
		v >>= 1
	}
	return out
}

// BuildSSRC composes the 10-digit SSRC value from a signaling domain id and
// a per-domain sequence number: 1 flag digit (0 live, 1 playback) + the
// domain mark (digits 5-9 of domain id) + a 4-digit zero-padded sequence.
func BuildSSRC(domainID string, seq uint16, live bool) (string, error) {
	if len(domainID) < 9 {
		return "", fmt.Errorf("idcodec: domain id too short: %q", domainID)
	}
	if seq == 0 || seq > 9999 {
		return "", fmt.Errorf("idcodec: sequence must be in [1,9999], got %d", seq)
	}
	flag := byte('0')
	if !live {
		flag = '1'
	}
	return fmt.Sprintf("%c%s%04d", flag, domainID[4:9], seq), nil
}

// SSRCSequence extracts the trailing 4-digit per-domain sequence number from
// a 10-digit SSRC value.
func SSRCSequence(ssrc string) (uint16, error) {
	if len(ssrc) != 10 {
		return 0, fmt.Errorf("idcodec: ssrc must be 10 digits, got %q", ssrc)
	}
	v, err := strconv.ParseUint(ssrc[6:], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("idcodec: invalid ssrc sequence in %q: %w", ssrc, err)
	}
	return uint16(v), nil
}

// IsLive reports whether ssrc's leading flag digit marks a live (as opposed
// to playback/history) stream.
func IsLive(ssrc string) (bool, error) {
	if len(ssrc) != 10 {
		return false, fmt.Errorf("idcodec: ssrc must be 10 digits, got %q", ssrc)
	}
	switch ssrc[0] {
	case '0':
		return true, nil
	case '1':
		return false, nil
	default:
		return false, fmt.Errorf("idcodec: invalid ssrc live flag %q", ssrc[0])
	}
}
