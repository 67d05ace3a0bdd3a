// Package mediatype parses and validates MIME type strings of the form
// type/subtype[;codecs="a,b,c"] against the codecs and containers the
// buffering engine can handle.
package mediatype

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmylchreest/msebuf/internal/codec"
)

// Errors returned by Parse and Validate.
var (
	ErrEmpty       = errors.New("empty media type")
	ErrMalformed   = errors.New("malformed media type")
	ErrUnsupported = errors.New("unsupported media type")
)

// containers maps supported container MIME types to their demuxer family.
var containers = map[string]codec.Container{
	"video/mp4":  codec.ContainerFMP4,
	"audio/mp4":  codec.ContainerFMP4,
	"video/mp2t": codec.ContainerMPEGTS,
	"audio/mp2t": codec.ContainerMPEGTS,
}

// MediaType is a parsed MIME type.
type MediaType struct {
	Type    string
	Subtype string
	// Params holds every parameter, keyed by lowercase name.
	Params map[string]string
	// Codecs is the split codecs parameter, in declaration order.
	Codecs []string
}

// Essence returns "type/subtype".
func (m *MediaType) Essence() string {
	return m.Type + "/" + m.Subtype
}

// Container returns the container family for the media type.
func (m *MediaType) Container() (codec.Container, bool) {
	c, ok := containers[m.Essence()]
	return c, ok
}

func (m *MediaType) String() string {
	if len(m.Codecs) == 0 {
		return m.Essence()
	}
	return fmt.Sprintf("%s; codecs=%q", m.Essence(), strings.Join(m.Codecs, ","))
}

// isTSpecial reports the RFC 2045 reserved punctuation.
func isTSpecial(r byte) bool {
	return strings.IndexByte(`()<>@,;:\"/[]?=`, r) >= 0
}

func isTokenChar(r byte) bool {
	return r > 0x20 && r < 0x7f && !isTSpecial(r)
}

type scanner struct {
	s   string
	pos int
}

func (sc *scanner) skipSpace() {
	for sc.pos < len(sc.s) && (sc.s[sc.pos] == ' ' || sc.s[sc.pos] == '\t') {
		sc.pos++
	}
}

func (sc *scanner) done() bool {
	return sc.pos >= len(sc.s)
}

func (sc *scanner) peek() byte {
	return sc.s[sc.pos]
}

func (sc *scanner) token() string {
	start := sc.pos
	for sc.pos < len(sc.s) && isTokenChar(sc.s[sc.pos]) {
		sc.pos++
	}
	return strings.ToLower(sc.s[start:sc.pos])
}

func (sc *scanner) expect(c byte) bool {
	if sc.done() || sc.peek() != c {
		return false
	}
	sc.pos++
	return true
}

func (sc *scanner) quoted() (string, bool) {
	if !sc.expect('"') {
		return "", false
	}
	var b strings.Builder
	for !sc.done() {
		c := sc.peek()
		sc.pos++
		switch c {
		case '"':
			return b.String(), true
		case '\\':
			if sc.done() {
				return "", false
			}
			b.WriteByte(sc.peek())
			sc.pos++
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}

// Parse parses s into a MediaType. Type, subtype and parameter names are
// case-folded; parameter values may be bare tokens or quoted strings.
func Parse(s string) (*MediaType, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmpty
	}
	sc := &scanner{s: s}
	sc.skipSpace()

	typ := sc.token()
	if typ == "" || !sc.expect('/') {
		return nil, fmt.Errorf("%w: %q: missing type/subtype", ErrMalformed, s)
	}
	sub := sc.token()
	if sub == "" {
		return nil, fmt.Errorf("%w: %q: missing subtype", ErrMalformed, s)
	}

	mt := &MediaType{Type: typ, Subtype: sub, Params: make(map[string]string)}
	for {
		sc.skipSpace()
		if sc.done() {
			break
		}
		if !sc.expect(';') {
			return nil, fmt.Errorf("%w: %q: unexpected %q at %d", ErrMalformed, s, sc.peek(), sc.pos)
		}
		sc.skipSpace()
		if sc.done() {
			break
		}
		name := sc.token()
		if name == "" || !sc.expect('=') {
			return nil, fmt.Errorf("%w: %q: bad parameter at %d", ErrMalformed, s, sc.pos)
		}
		var value string
		if !sc.done() && sc.peek() == '"' {
			v, ok := sc.quoted()
			if !ok {
				return nil, fmt.Errorf("%w: %q: unterminated quoted string", ErrMalformed, s)
			}
			value = v
		} else {
			start := sc.pos
			for !sc.done() && isTokenChar(sc.peek()) {
				sc.pos++
			}
			value = sc.s[start:sc.pos]
			if value == "" {
				return nil, fmt.Errorf("%w: %q: empty value for %s", ErrMalformed, s, name)
			}
		}
		mt.Params[name] = value
	}

	if codecs, ok := mt.Params["codecs"]; ok {
		for _, c := range strings.Split(codecs, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				return nil, fmt.Errorf("%w: %q: empty codec entry", ErrMalformed, s)
			}
			mt.Codecs = append(mt.Codecs, c)
		}
	}
	return mt, nil
}

// Validate parses s and checks that its container and every listed codec
// can be handled. It returns ErrEmpty or ErrMalformed for bad input and
// ErrUnsupported when nothing can process the type.
func Validate(s string) (*MediaType, error) {
	mt, err := Parse(s)
	if err != nil {
		return nil, err
	}
	container, ok := mt.Container()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mt.Essence())
	}
	for _, c := range mt.Codecs {
		info, ok := codec.Lookup(c)
		if !ok || !codec.SupportedIn(container, c) {
			return nil, fmt.Errorf("%w: codec %q in %s", ErrUnsupported, c, mt.Essence())
		}
		if mt.Type == "audio" && info.Kind != codec.KindAudio {
			return nil, fmt.Errorf("%w: %s codec %q in audio container", ErrUnsupported, info.Kind, c)
		}
	}
	return mt, nil
}

// IsTypeSupported reports whether s names a type the engine can buffer.
func IsTypeSupported(s string) bool {
	_, err := Validate(s)
	return err == nil
}
