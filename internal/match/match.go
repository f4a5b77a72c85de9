// Package match implements target patterns and command expansion.
//
// Pattern syntax:
//
//	*     matches any run of characters (including none) and captures it
//	{}    backreference to the first capture
//	{N}   backreference to capture N (1-based); must follow that capture
//	\c    the literal character c
//
// Any other character matches itself. When several captures are possible the
// leftmost wildcard takes the shortest run that still lets the rest match.
package match

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokWildcard
	tokBackref
)

type token struct {
	kind tokenKind
	lit  string
	ref  int // 1-based capture index for tokBackref
}

// Pattern is a compiled target pattern.
type Pattern struct {
	src       string
	tokens    []token
	wildcards int
}

// Capture is the binding produced by a successful match.
type Capture struct {
	// Target is the concrete string that was matched.
	Target string

	// Groups holds one entry per wildcard, in pattern order.
	Groups []string
}

// Compile parses pattern.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{src: pattern}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			p.tokens = append(p.tokens, token{kind: tokLiteral, lit: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				lit.WriteByte(pattern[i])
			} else {
				lit.WriteByte(c)
			}
		case '*':
			flush()
			p.wildcards++
			p.tokens = append(p.tokens, token{kind: tokWildcard})
		case '{':
			ref, width, ok := parseRef(pattern[i:])
			if !ok {
				lit.WriteByte(c)
				continue
			}
			if ref == refTarget {
				return nil, fmt.Errorf("pattern %q: {@} is not allowed in a pattern", pattern)
			}
			if ref > p.wildcards {
				return nil, fmt.Errorf("pattern %q: backreference {%d} precedes its wildcard", pattern, ref)
			}
			flush()
			p.tokens = append(p.tokens, token{kind: tokBackref, ref: ref})
			i += width - 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level pattern tables.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text of the pattern.
func (p *Pattern) String() string { return p.src }

// HasWildcard reports whether the pattern can match more than one string.
func (p *Pattern) HasWildcard() bool { return p.wildcards > 0 }

// Match tests target against the pattern.
func (p *Pattern) Match(target string) (Capture, bool) {
	groups := make([]string, 0, p.wildcards)
	out, ok := p.match(0, target, groups)
	if !ok {
		return Capture{}, false
	}
	return Capture{Target: target, Groups: out}, true
}

func (p *Pattern) match(ti int, rest string, groups []string) ([]string, bool) {
	if ti == len(p.tokens) {
		if rest == "" {
			return groups, true
		}
		return nil, false
	}

	tok := p.tokens[ti]
	switch tok.kind {
	case tokLiteral:
		if !strings.HasPrefix(rest, tok.lit) {
			return nil, false
		}
		return p.match(ti+1, rest[len(tok.lit):], groups)
	case tokBackref:
		val := groups[tok.ref-1]
		if !strings.HasPrefix(rest, val) {
			return nil, false
		}
		return p.match(ti+1, rest[len(val):], groups)
	default:
		for n := 0; n <= len(rest); n++ {
			next := append(groups[:len(groups):len(groups)], rest[:n])
			if out, ok := p.match(ti+1, rest[n:], next); ok {
				return out, true
			}
		}
		return nil, false
	}
}

// Match compiles pattern and tests target against it. A pattern that does not
// compile matches nothing.
func Match(pattern, target string) (Capture, bool) {
	p, err := Compile(pattern)
	if err != nil {
		return Capture{}, false
	}
	return p.Match(target)
}

// refTarget is the parseRef result for {@}.
const refTarget = -1

// parseRef recognizes {}, {N} and {@} at the start of s. It returns the
// capture index (1 for {}, refTarget for {@}), the number of bytes consumed
// and whether s starts with a reference at all.
func parseRef(s string) (ref, width int, ok bool) {
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return 0, 0, false
	}
	body := s[1:end]
	switch {
	case body == "":
		return 1, end + 1, true
	case body == "@":
		return refTarget, end + 1, true
	}
	n, err := strconv.Atoi(body)
	if err != nil || n < 1 || body[0] == '+' {
		return 0, 0, false
	}
	return n, end + 1, true
}

// Expand substitutes capture references in a command line or a declared
// dependency:
//
//	{}   first capture
//	{N}  capture N
//	{@}  the concrete target
//	\{   literal {
//	\}   literal }
//
// Every other character, including other backslash sequences, is copied
// unchanged so shell quoting survives expansion.
func Expand(s string, c Capture) (string, error) {
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && i+1 < len(s) && (s[i+1] == '{' || s[i+1] == '}'):
			i++
			out.WriteByte(s[i])
		case ch == '{':
			ref, width, ok := parseRef(s[i:])
			if !ok {
				out.WriteByte(ch)
				continue
			}
			if ref == refTarget {
				out.WriteString(c.Target)
			} else {
				if ref > len(c.Groups) {
					return "", fmt.Errorf("expanding %q: reference {%d} but only %d capture(s)", s, ref, len(c.Groups))
				}
				out.WriteString(c.Groups[ref-1])
			}
			i += width - 1
		default:
			out.WriteByte(ch)
		}
	}
	return out.String(), nil
}
