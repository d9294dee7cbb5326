package record

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
)

// Pattern is the content of the buffers written when the trace did not
// capture the data of a write.
type Pattern struct {
	kind patternKind
	fill byte
}

type patternKind uint8

const (
	patternZero patternKind = iota
	patternByte
	patternRandom
	patternURandom
)

var (
	Zero    = Pattern{kind: patternZero}
	Random  = Pattern{kind: patternRandom}
	URandom = Pattern{kind: patternURandom}
)

// Byte returns a pattern repeating b.
func Byte(b byte) Pattern { return Pattern{kind: patternByte, fill: b} }

// ParsePattern parses "zero", "random", "urandom", or a byte given as a
// number (decimal, 0x hexadecimal, 0 octal) or a single character.
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "zero":
		return Zero, nil
	case "random":
		return Random, nil
	case "urandom":
		return URandom, nil
	}
	if b, err := strconv.ParseUint(s, 0, 8); err == nil {
		return Byte(byte(b)), nil
	}
	if len(s) == 1 {
		return Byte(s[0]), nil
	}
	return Zero, fmt.Errorf("malformed fill pattern: %q (expected zero, random, urandom, or a byte)", s)
}

func (p Pattern) String() string {
	switch p.kind {
	case patternByte:
		return strconv.Itoa(int(p.fill))
	case patternRandom:
		return "random"
	case patternURandom:
		return "urandom"
	default:
		return "zero"
	}
}

func (p *Pattern) Set(s string) error {
	v, err := ParsePattern(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pattern) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// Fill writes the pattern to b.
func (p Pattern) Fill(b []byte) {
	switch p.kind {
	case patternZero:
		clear(b)
	case patternByte:
		for i := range b {
			b[i] = p.fill
		}
	case patternRandom:
		for len(b) >= 8 {
			binary.LittleEndian.PutUint64(b, rand.Uint64())
			b = b[8:]
		}
		if len(b) > 0 {
			var tail [8]byte
			binary.LittleEndian.PutUint64(tail[:], rand.Uint64())
			copy(b, tail[:])
		}
	case patternURandom:
		if _, err := crand.Read(b); err != nil {
			panic(err)
		}
	}
}
