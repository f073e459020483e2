package session

import (
	"crypto/rand"
	"strings"
)

// Room codes are 6 characters over A-Z0-9, short enough to read out
// loud and unambiguous when typed upper- or lowercase.
const (
	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewRoomCode generates a crypto-random room code. Rejection sampling
// keeps the distribution uniform over the alphabet.
func NewRoomCode() string {
	const max = byte(255 - (256 % len(codeAlphabet)))

	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
				if len(out) == CodeLength {
					return string(out)
				}
			}
		}
	}
}

// NormalizeCode uppercases and trims user input before lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code could have come from NewRoomCode.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
