package keyres

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Args binds argument names to the runtime values of one invocation.
type Args map[string]any

type segment struct {
	literal string
	path    []string
}

// Template is a parsed key template. It is immutable and safe for concurrent use.
type Template struct {
	raw  string
	segs []segment
}

// Parse compiles a key template.
func Parse(s string) (*Template, error) {
	t := &Template{raw: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '#' && i+1 < len(s) && s[i+1] == '#':
			lit.WriteByte('#')
			i += 2
		case c == '#' && startsIdent(s[i+1:]):
			path, n := scanPath(s[i+1:])
			flush()
			t.segs = append(t.segs, segment{path: path})
			i += 1 + n
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated '{' at offset %d", ErrMalformedTemplate, i)
			}
			inner := strings.TrimSpace(s[i+1 : i+1+end])
			path, n := scanPath(inner)
			if n == 0 || n != len(inner) {
				return nil, fmt.Errorf("%w: invalid reference %q", ErrMalformedTemplate, inner)
			}
			flush()
			t.segs = append(t.segs, segment{path: path})
			i += end + 2
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '}':
			return nil, fmt.Errorf("%w: unmatched '}' at offset %d", ErrMalformedTemplate, i)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve parses template and resolves it against args in one step.
func Resolve(template string, args Args) (string, error) {
	t, err := Parse(template)
	if err != nil {
		return "", err
	}
	return t.Resolve(args)
}

// String returns the template source.
func (t *Template) String() string { return t.raw }

// Refs returns the argument names referenced by the template, in order of
// first appearance.
func (t *Template) Refs() []string {
	var refs []string
	seen := make(map[string]struct{})
	for _, seg := range t.segs {
		if seg.path == nil {
			continue
		}
		if _, ok := seen[seg.path[0]]; ok {
			continue
		}
		seen[seg.path[0]] = struct{}{}
		refs = append(refs, seg.path[0])
	}
	return refs
}

// Resolve substitutes every reference with the string form of its bound value.
func (t *Template) Resolve(args Args) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, seg := range t.segs {
		if seg.path == nil {
			b.WriteString(seg.literal)
			continue
		}
		v, err := lookup(args, seg.path)
		if err != nil {
			return "", err
		}
		s, err := render(strings.Join(seg.path, "."), v)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// scanPath reads a dotted identifier path at the start of s and returns it
// with the number of bytes consumed. Identifiers follow Go rules, so letters
// and digits outside ASCII are allowed.
func scanPath(s string) ([]string, int) {
	var path []string
	i := 0
	for startsIdent(s[i:]) {
		j := i
		for j < len(s) {
			r, n := utf8.DecodeRuneInString(s[j:])
			if !isIdentPart(r) {
				break
			}
			j += n
		}
		path = append(path, s[i:j])
		i = j
		if i < len(s) && s[i] == '.' && startsIdent(s[i+1:]) {
			i++
			continue
		}
		break
	}
	return path, i
}

func startsIdent(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
