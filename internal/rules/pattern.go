package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Encoding selects how a rule's pattern and replacement text are read.
type Encoding string

const (
	EncodingASCII Encoding = "ascii"
	EncodingHex   Encoding = "hex"
)

type segKind uint8

const (
	segLiteral segKind = iota
	segAnyByte         // matches exactly one arbitrary byte
	segAnyRun          // matches an arbitrary run of bytes, possibly empty
)

type segment struct {
	kind segKind
	lit  []byte
}

// pattern is a compiled match expression: literal byte stretches separated
// by single-byte ("?" / "??") and run ("*") wildcards.
type pattern struct {
	segs []segment
}

func compilePattern(text string, enc Encoding) (*pattern, error) {
	switch enc {
	case EncodingHex:
		return compileHex(text)
	case EncodingASCII:
		return compileASCII(text)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

func compileHex(text string) (*pattern, error) {
	var p pattern
	var lit []byte
	flush := func() {
		if len(lit) > 0 {
			p.segs = append(p.segs, segment{kind: segLiteral, lit: lit})
			lit = nil
		}
	}
	s := strings.ReplaceAll(text, " ", "")
	for i := 0; i < len(s); {
		if s[i] == '*' {
			flush()
			p.segs = append(p.segs, segment{kind: segAnyRun})
			i++
			continue
		}
		if i+1 >= len(s) {
			return nil, errors.New("odd number of hex digits")
		}
		pair := s[i : i+2]
		if pair == "??" {
			flush()
			p.segs = append(p.segs, segment{kind: segAnyByte})
			i += 2
			continue
		}
		hi, ok1 := hexVal(pair[0])
		lo, ok2 := hexVal(pair[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex pair %q", pair)
		}
		lit = append(lit, hi<<4|lo)
		i += 2
	}
	flush()
	if len(p.segs) == 0 {
		return nil, errors.New("empty pattern")
	}
	return &p, nil
}

func compileASCII(text string) (*pattern, error) {
	var p pattern
	var lit []byte
	flush := func() {
		if len(lit) > 0 {
			p.segs = append(p.segs, segment{kind: segLiteral, lit: lit})
			lit = nil
		}
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '*':
			flush()
			p.segs = append(p.segs, segment{kind: segAnyRun})
		case '?':
			flush()
			p.segs = append(p.segs, segment{kind: segAnyByte})
		default:
			lit = append(lit, text[i])
		}
	}
	flush()
	if len(p.segs) == 0 {
		return nil, errors.New("empty pattern")
	}
	return &p, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// fixedLen reports the pattern's byte length when it contains no run
// wildcards.
func (p *pattern) fixedLen() (int, bool) {
	n := 0
	for _, s := range p.segs {
		switch s.kind {
		case segLiteral:
			n += len(s.lit)
		case segAnyByte:
			n++
		default:
			return 0, false
		}
	}
	return n, true
}

func (p *pattern) wildcards() int {
	n := 0
	for _, s := range p.segs {
		if s.kind != segLiteral {
			n++
		}
	}
	return n
}

// find locates the leftmost match of p within data and returns the matched
// range plus the bytes captured by each wildcard segment in order. Run
// wildcards capture the shortest run that permits a match.
func (p *pattern) find(data []byte, foldCase bool) (start, end int, caps [][]byte, ok bool) {
	for i := 0; i <= len(data); i++ {
		if e, c, matched := p.matchAt(data, i, 0, foldCase); matched {
			return i, e, c, true
		}
	}
	return 0, 0, nil, false
}

func (p *pattern) matchAt(data []byte, pos, seg int, foldCase bool) (int, [][]byte, bool) {
	if seg == len(p.segs) {
		return pos, nil, true
	}
	s := p.segs[seg]
	switch s.kind {
	case segLiteral:
		if pos+len(s.lit) > len(data) {
			return 0, nil, false
		}
		if !bytesEqualFold(data[pos:pos+len(s.lit)], s.lit, foldCase) {
			return 0, nil, false
		}
		return p.matchAt(data, pos+len(s.lit), seg+1, foldCase)
	case segAnyByte:
		if pos >= len(data) {
			return 0, nil, false
		}
		end, caps, ok := p.matchAt(data, pos+1, seg+1, foldCase)
		if !ok {
			return 0, nil, false
		}
		return end, append([][]byte{data[pos : pos+1]}, caps...), true
	default: // segAnyRun
		for n := 0; pos+n <= len(data); n++ {
			end, caps, ok := p.matchAt(data, pos+n, seg+1, foldCase)
			if ok {
				return end, append([][]byte{data[pos : pos+n]}, caps...), true
			}
		}
		return 0, nil, false
	}
}

// expand renders the replacement pattern, substituting captured wildcard
// bytes positionally.
func (p *pattern) expand(caps [][]byte) []byte {
	var out []byte
	next := 0
	for _, s := range p.segs {
		if s.kind == segLiteral {
			out = append(out, s.lit...)
			continue
		}
		if next < len(caps) {
			out = append(out, caps[next]...)
			next++
		}
	}
	return out
}

func bytesEqualFold(a, b []byte, fold bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if fold {
			x = lowerASCII(x)
			y = lowerASCII(y)
		}
		if x != y {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
