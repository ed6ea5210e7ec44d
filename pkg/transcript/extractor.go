package transcript

import (
	"strings"
)

// TagKind names an inline tag the agent emits, e.g. [EMAIL:ana@acme.mx].
type TagKind string

const (
	TagEmail   TagKind = "EMAIL"
	TagPhone   TagKind = "PHONE"
	TagName    TagKind = "NAME"
	TagCompany TagKind = "COMPANY"
	TagDTMF    TagKind = "DTMF"
)

var tagKinds = []TagKind{TagEmail, TagPhone, TagName, TagCompany, TagDTMF}

// Field returns the captured-field name for a data tag, or "" for DTMF.
func (k TagKind) Field() string {
	switch k {
	case TagEmail:
		return FieldEmail
	case TagPhone:
		return FieldPhone
	case TagName:
		return FieldName
	case TagCompany:
		return FieldCompany
	default:
		return ""
	}
}

// Tag is one recognized inline tag.
type Tag struct {
	Kind  TagKind
	Value string
}

// DefaultMaxTagLen bounds how far past an opening bracket the extractor waits for
// the closing one while streaming.
const DefaultMaxTagLen = 256

// Extractor turns streamed agent text into captured fields and DTMF requests.
//
// Only the unresolved tail of the stream is rescanned on each fragment: the
// window starts at the earliest '[' that may still become a tag. Text before it
// has been fully classified and is never scanned again.
type Extractor struct {
	t         *Transcript
	pending   string
	maxTagLen int
}

func NewExtractor(t *Transcript) *Extractor {
	return &Extractor{t: t, maxTagLen: DefaultMaxTagLen}
}

// SetMaxTagLen overrides DefaultMaxTagLen. Values <= 0 are ignored.
func (e *Extractor) SetMaxTagLen(n int) {
	if n > 0 {
		e.maxTagLen = n
	}
}

// Append records an agent text fragment and returns the tags it completed:
// newly captured fields (first write wins) and every DTMF tag occurrence.
func (e *Extractor) Append(fragment string) []Tag {
	if fragment == "" {
		return nil
	}
	e.t.appendAgentText(fragment)
	window := e.pending + fragment
	found, rest := scanTags(window, e.maxTagLen)
	e.pending = rest
	return e.apply(found, true)
}

// ApplyFinal rescans a complete agent turn. It only fills fields still unset;
// DTMF tags were already acted on while streaming and are not repeated.
func (e *Extractor) ApplyFinal(text string) []Tag {
	found, _ := scanTags(text, 0)
	return e.apply(found, false)
}

// Pending returns the buffered partial-tag text awaiting more fragments.
func (e *Extractor) Pending() string { return e.pending }

func (e *Extractor) apply(found []Tag, withDTMF bool) []Tag {
	var out []Tag
	for _, tag := range found {
		if tag.Kind == TagDTMF {
			if withDTMF && validDigits(tag.Value) {
				out = append(out, tag)
			}
			continue
		}
		if e.t.Capture(tag.Kind.Field(), tag.Value) {
			out = append(out, tag)
		}
	}
	return out
}

// scanTags finds every well-formed tag in s, in order of its opening bracket.
// It returns the suffix of s that must be kept because it may still complete a
// tag. limit > 0 abandons candidates longer than limit that have not closed.
func scanTags(s string, limit int) ([]Tag, string) {
	var tags []Tag
	i := 0
	for {
		j := strings.IndexByte(s[i:], '[')
		if j < 0 {
			return tags, ""
		}
		start := i + j
		rest := s[start:]
		kind, headerLen, partial := matchHeader(rest)
		switch {
		case partial:
			return tags, rest
		case headerLen == 0:
			i = start + 1
			continue
		}
		end := strings.IndexByte(rest[headerLen:], ']')
		if end < 0 {
			if limit > 0 && len(rest) > limit {
				i = start + 1
				continue
			}
			return tags, rest
		}
		if end > 0 {
			tags = append(tags, Tag{Kind: kind, Value: rest[headerLen : headerLen+end]})
		}
		i = start + 1
	}
}

// matchHeader checks whether s starts with "[KIND:". partial is true when s is a
// proper prefix of some header and more input could complete it.
func matchHeader(s string) (kind TagKind, headerLen int, partial bool) {
	for _, k := range tagKinds {
		header := "[" + string(k) + ":"
		if strings.HasPrefix(s, header) {
			return k, len(header), false
		}
		if len(s) < len(header) && strings.HasPrefix(header, s) {
			partial = true
		}
	}
	return "", 0, partial
}

func validDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#', r == 'w', r == 'W':
		default:
			return false
		}
	}
	return true
}
