package linking

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	// CodeLength is the number of digits in a linking code.
	CodeLength = 6
	// CodeValidity is how long an issued code can be redeemed.
	CodeValidity = 15 * time.Minute
)

var (
	ErrCodeMismatch = errors.New("linking code does not match")
	ErrCodeExpired  = errors.New("linking code expired")
)

var ten = big.NewInt(10)

// GenerateCode appends uniformly random digits until the code has
// CodeLength characters. Leading zeros are kept.
func GenerateCode(random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	var b strings.Builder
	b.Grow(CodeLength)
	for b.Len() < CodeLength {
		n, err := rand.Int(random, ten)
		if err != nil {
			return "", fmt.Errorf("generate code digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// CheckCode compares a stored code with the supplied one. Codes are equal
// when their numeric values are equal; a matching code is valid for
// CodeValidity after issuance.
func CheckCode(stored, supplied string, issuedAtMillis int64, now time.Time) error {
	storedNum, err := strconv.ParseInt(strings.TrimSpace(stored), 10, 64)
	if err != nil {
		return ErrCodeMismatch
	}
	suppliedNum, err := strconv.ParseInt(strings.TrimSpace(supplied), 10, 64)
	if err != nil {
		return ErrCodeMismatch
	}
	if storedNum != suppliedNum {
		return ErrCodeMismatch
	}
	if now.UnixMilli()-issuedAtMillis >= CodeValidity.Milliseconds() {
		return ErrCodeExpired
	}
	return nil
}
