package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IsHexAddress reports whether s is a 20-byte hex address with or without 0x.
func IsHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of an EVM address.
// Anything that is not a 20-byte hex address is returned trimmed but
// otherwise unchanged.
func ChecksumAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if !IsHexAddress(addr) {
		return addr
	}
	if has0xPrefix(addr) {
		addr = addr[2:]
	}
	lower := strings.ToLower(addr)

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	digest := hasher.Sum(nil)

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c -= 'a' - 'A'
			}
		}
		out = append(out, c)
	}
	return string(out)
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
