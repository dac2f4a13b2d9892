package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsEvmAddress check whether s is a 20-byte hex address, with or without 0x
func IsEvmAddress(s string) bool {
	if s == "" {
		return false
	}
	if !strings.HasPrefix(strings.ToLower(s), "0x") {
		s = "0x" + s
	}
	return common.IsHexAddress(s) && len(s) == 42
}

// NormalizeAddress returns the EIP-55 checksummed form used as the storage key
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsEvmAddress(s) {
		return "", fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// SameAddress compares two addresses ignoring case and 0x prefix
func SameAddress(a, b string) bool {
	if !IsEvmAddress(a) || !IsEvmAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// IsHash32 check whether s is a 0x-prefixed 32-byte hex value (channel and session ids)
func IsHash32(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// NormalizeHash lower-cases a 32-byte id
func NormalizeHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsHash32(s) {
		return "", fmt.Errorf("invalid id: %q", s)
	}
	return strings.ToLower(s), nil
}
