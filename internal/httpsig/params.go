package httpsig

import (
	"errors"
	"strings"
)

// DefaultHeaders is the header list assumed when a signature omits one.
const DefaultHeaders = "(request-target) host date"

// Params is a parsed Signature header. Keys are lowercased.
type Params map[string]string

func (p Params) KeyID() string     { return p["keyid"] }
func (p Params) Algorithm() string { return p["algorithm"] }
func (p Params) Signature() string { return p["signature"] }

// Headers returns the signed header names in order, lowercased.
func (p Params) Headers() []string {
	h := strings.TrimSpace(p["headers"])
	if h == "" {
		h = DefaultHeaders
	}
	return strings.Fields(strings.ToLower(h))
}

var errMalformed = errors.New("malformed signature header")

// ParseSignatureHeader parses comma-separated key="value" pairs. Whitespace
// around separators, unquoted values, commas inside quoted values and
// backslash escapes are accepted. The first occurrence of a key wins.
func ParseSignatureHeader(header string) (Params, error) {
	header = strings.TrimSpace(header)
	if len(header) >= 10 && strings.EqualFold(header[:10], "signature ") {
		header = header[10:]
	}
	p := &paramParser{s: header}
	out := Params{}
	for {
		p.skip(func(c byte) bool { return c == ' ' || c == '\t' || c == ',' })
		if p.done() {
			break
		}
		key := strings.ToLower(strings.TrimSpace(p.until(func(c byte) bool { return c == '=' || c == ',' })))
		if p.done() || p.peek() != '=' || key == "" {
			return nil, errMalformed
		}
		p.pos++
		p.skip(func(c byte) bool { return c == ' ' || c == '\t' })
		var val string
		if !p.done() && p.peek() == '"' {
			v, ok := p.quoted()
			if !ok {
				return nil, errMalformed
			}
			val = v
		} else {
			val = strings.TrimSpace(p.until(func(c byte) bool { return c == ',' }))
		}
		if _, dup := out[key]; !dup {
			out[key] = val
		}
	}
	if len(out) == 0 {
		return nil, errMalformed
	}
	return out, nil
}

type paramParser struct {
	s   string
	pos int
}

func (p *paramParser) done() bool { return p.pos >= len(p.s) }
func (p *paramParser) peek() byte { return p.s[p.pos] }

func (p *paramParser) skip(match func(byte) bool) {
	for !p.done() && match(p.peek()) {
		p.pos++
	}
}

func (p *paramParser) until(stop func(byte) bool) string {
	start := p.pos
	for !p.done() && !stop(p.peek()) {
		p.pos++
	}
	return p.s[start:p.pos]
}

// quoted consumes a quoted string starting at the opening quote.
func (p *paramParser) quoted() (string, bool) {
	p.pos++
	var b strings.Builder
	for !p.done() {
		c := p.peek()
		p.pos++
		switch c {
		case '\\':
			if p.done() {
				return "", false
			}
			b.WriteByte(p.peek())
			p.pos++
		case '"':
			return b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}
