package wallet

import (
	"fmt"
	"strings"
)

const (
	descInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	descChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	descChecksumLen = 8
)

var descGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func descPolyMod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i, g := range descGenerator {
		if (c0>>uint(i))&1 == 1 {
			c ^= g
		}
	}

	return c
}

// DescriptorChecksum computes the 8 character checksum of an output
// descriptor without its "#" suffix.
func DescriptorChecksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      uint64
		clsCount int
	)
	for _, ch := range desc {
		pos := strings.IndexRune(descInputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid character %q",
				ErrDescriptorFormat, ch)
		}

		c = descPolyMod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = descPolyMod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = descPolyMod(c, cls)
	}
	for i := 0; i < descChecksumLen; i++ {
		c = descPolyMod(c, 0)
	}
	c ^= 1

	var sb strings.Builder
	for i := 0; i < descChecksumLen; i++ {
		sb.WriteByte(descChecksumCharset[(c>>(5*(7-uint(i))))&31])
	}

	return sb.String(), nil
}

// AddDescriptorChecksum appends "#checksum" to desc.
func AddDescriptorChecksum(desc string) (string, error) {
	checksum, err := DescriptorChecksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + checksum, nil
}

// splitDescriptorChecksum separates and verifies the checksum of desc. A
// descriptor without a checksum is accepted.
func splitDescriptorChecksum(desc string) (string, error) {
	body, checksum, found := strings.Cut(desc, "#")
	if !found {
		return desc, nil
	}

	if len(checksum) != descChecksumLen {
		return "", fmt.Errorf("%w: checksum must be %d characters",
			ErrDescriptorFormat, descChecksumLen)
	}

	expected, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}

	if expected != checksum {
		return "", fmt.Errorf("%w: checksum mismatch, expected %v",
			ErrDescriptorFormat, expected)
	}

	return body, nil
}
