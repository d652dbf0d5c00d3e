package dictcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Token is the 128-bit unguessable identifier that addresses a dictionary
// blob in the external disk cache. It is the only link between a store
// record and the blob bytes; deleting the record orphans the blob until the
// disk cache garbage collector sweeps it by token.
//
// The zero Token is invalid and is never produced by NewToken.
type Token struct {
	High uint64
	Low  uint64
}

// NewToken returns a new random token. Randomness comes from uuid v4
// (crypto/rand underneath), so tokens are unguessable.
func NewToken() Token {
	u := uuid.New()
	return Token{
		High: binary.BigEndian.Uint64(u[:8]),
		Low:  binary.BigEndian.Uint64(u[8:]),
	}
}

// TokenFromParts reassembles a token from its two persisted halves.
// Returns an error for the all-zero token, which no valid record carries.
func TokenFromParts(high, low uint64) (Token, error) {
	if high == 0 && low == 0 {
		return Token{}, fmt.Errorf("invalid zero token")
	}
	return Token{High: high, Low: low}, nil
}

// IsZero returns true for the invalid zero token.
func (t Token) IsZero() bool {
	return t.High == 0 && t.Low == 0
}

// String returns the 32-char hex form of the token.
func (t Token) String() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], t.High)
	binary.BigEndian.PutUint64(b[8:], t.Low)
	return hex.EncodeToString(b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(text []byte) error {
	var b [16]byte
	if len(text) != 32 {
		return fmt.Errorf("invalid token length: expected 32 hex chars, got %d", len(text))
	}
	if _, err := hex.Decode(b[:], text); err != nil {
		return err
	}
	parsed, err := TokenFromParts(
		binary.BigEndian.Uint64(b[:8]),
		binary.BigEndian.Uint64(b[8:]),
	)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseToken parses the hex form produced by String.
func ParseToken(s string) (Token, error) {
	var t Token
	if err := t.UnmarshalText([]byte(s)); err != nil {
		return Token{}, err
	}
	return t, nil
}
