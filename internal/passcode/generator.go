// Package passcode generates keypad access codes and their validity windows.
package passcode

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/smartgate/gate-server-go/internal/model"
)

const (
	codeLength       = 6
	ascendingDigits  = "0123456789"
	descendingDigits = "9876543210"
)

var codeSpan = big.NewInt(int64(model.MaxAccessCode-model.MinAccessCode) + 1)

// IsWeak reports whether code is a repeated digit (111111) or a literal run
// taken from "0123456789" or "9876543210". Runs are matched by substring
// membership only, so wrapped sequences such as 890123 are not weak.
func IsWeak(code int) bool {
	s := strconv.Itoa(code)
	return s == strings.Repeat(s[:1], codeLength) ||
		strings.Contains(ascendingDigits, s) ||
		strings.Contains(descendingDigits, s)
}

// Generator draws codes until one is not weak
type Generator struct {
	draw func() model.AccessCode
}

// NewGenerator returns a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{draw: randomCode}
}

// Generate returns a uniformly random 6-digit code outside the weak set
func (g *Generator) Generate() model.AccessCode {
	for {
		code := g.draw()
		if !IsWeak(int(code)) {
			return code
		}
	}
}

// GenerateStrongCode is Generate on the crypto/rand backed generator
func GenerateStrongCode() model.AccessCode {
	return NewGenerator().Generate()
}

func randomCode() model.AccessCode {
	return codeFrom(rand.Reader)
}

// codeFrom panics if r fails. crypto/rand.Reader never does on supported platforms.
func codeFrom(r io.Reader) model.AccessCode {
	n, err := rand.Int(r, codeSpan)
	if err != nil {
		panic(fmt.Errorf("read random code: %w", err))
	}
	return model.MinAccessCode + model.AccessCode(n.Int64())
}
