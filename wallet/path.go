package wallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ParsePath parses a BIP32 path. The leading "m/" is optional and both "'"
// and "h" mark hardened indexes.
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "m")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, nil
	}

	parts := strings.Split(path, "/")
	indexes := make([]uint32, 0, len(parts))
	for _, part := range parts {
		var hardened bool
		switch {
		case strings.HasSuffix(part, "'"), strings.HasSuffix(part, "h"),
			strings.HasSuffix(part, "H"):

			hardened = true
			part = part[:len(part)-1]
		}

		index, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid path element %q: %w",
				part, err)
		}

		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, uint32(index))
	}

	return indexes, nil
}

// FormatPath renders indexes as a path without the "m/" prefix, using "h"
// for hardened indexes.
func FormatPath(indexes []uint32) string {
	parts := make([]string, len(indexes))
	for i, index := range indexes {
		if index >= hdkeychain.HardenedKeyStart {
			parts[i] = fmt.Sprintf(
				"%dh", index-hdkeychain.HardenedKeyStart,
			)

			continue
		}
		parts[i] = strconv.FormatUint(uint64(index), 10)
	}

	return strings.Join(parts, "/")
}

// FormatFullPath renders indexes with the "m/" prefix.
func FormatFullPath(indexes []uint32) string {
	if len(indexes) == 0 {
		return "m"
	}

	return "m/" + FormatPath(indexes)
}
