package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// wireTimeLayout is RFC 3339 UTC with up-to-microsecond fractional
// precision, matching the RFC 5424 encode rule used on the wire.
const wireTimeLayout = "2006-01-02T15:04:05.000000Z"
const wireTimeLayoutNoFrac = "2006-01-02T15:04:05Z"

// bomPrefix is the literal, non-standard three-byte prefix required on
// an encoded message body (not the UTF-8 BOM EF BB BF).
const bomPrefix = "BOM"

// EncodeWire produces the RFC 5424 wire string for m.
func EncodeWire(m Msg) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("codec: encode wire: %w", err)
	}

	pri := int(m.Facility)*8 + int(m.Severity)

	var b strings.Builder
	fmt.Fprintf(&b, "<%d>%d ", pri, m.Version)
	b.WriteString(encodeTimestamp(m.Timestamp))
	b.WriteByte(' ')
	b.WriteString(encodeOptional(m.Hostname))
	b.WriteByte(' ')
	b.WriteString(encodeOptional(m.AppName))
	b.WriteByte(' ')
	b.WriteString(encodeOptional(m.ProcID))
	b.WriteByte(' ')
	b.WriteString(encodeOptional(m.MsgID))
	b.WriteByte(' ')
	b.WriteString(encodeSD(m.Data))

	if m.Message != nil {
		b.WriteByte(' ')
		b.WriteString(bomPrefix)
		b.WriteString(*m.Message)
	}

	return b.String(), nil
}

func encodeOptional(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func encodeTimestamp(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	u := ts.UTC()
	if u.Nanosecond() == 0 {
		return u.Format(wireTimeLayoutNoFrac)
	}
	return u.Format(wireTimeLayout)
}

func encodeSD(data StructuredData) string {
	if len(data) == 0 {
		return "-"
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		params := data[id]
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteByte('[')
		b.WriteString(id)
		for _, name := range names {
			b.WriteByte(' ')
			b.WriteString(name)
			b.WriteString(`="`)
			b.WriteString(escapeSDValue(params[name]))
			b.WriteByte('"')
		}
		b.WriteByte(']')
	}
	return b.String()
}

func escapeSDValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case ']':
			b.WriteString(`\]`)
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

func unescapeSDValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			switch v[i+1] {
			case '\\', '"', ']':
				b.WriteByte(v[i+1])
				i++
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// DecodeWire parses an RFC 5424 wire string into a Msg.
func DecodeWire(s string) (Msg, error) {
	var m Msg

	if len(s) == 0 || s[0] != '<' {
		return m, fmt.Errorf("codec: decode wire: missing PRIVAL")
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return m, fmt.Errorf("codec: decode wire: unterminated PRIVAL")
	}
	pri, err := strconv.Atoi(s[1:end])
	if err != nil || pri < 0 || pri > 191 {
		return m, fmt.Errorf("codec: decode wire: invalid PRIVAL")
	}
	m.Facility = Facility(pri / 8)
	m.Severity = Severity(pri % 8)

	rest := s[end+1:]

	field, rest, err := nextField(rest)
	if err != nil {
		return m, err
	}
	version, err := strconv.Atoi(field)
	if err != nil || version <= 0 {
		return m, fmt.Errorf("codec: decode wire: invalid VERSION")
	}
	m.Version = version

	field, rest, err = nextField(rest)
	if err != nil {
		return m, err
	}
	if field != "-" {
		ts, err := parseTimestamp(field)
		if err != nil {
			return m, fmt.Errorf("codec: decode wire: invalid TIMESTAMP: %w", err)
		}
		m.Timestamp = &ts
	}

	field, rest, err = nextField(rest)
	if err != nil {
		return m, err
	}
	m.Hostname = optionalField(field)

	field, rest, err = nextField(rest)
	if err != nil {
		return m, err
	}
	m.AppName = optionalField(field)

	field, rest, err = nextField(rest)
	if err != nil {
		return m, err
	}
	m.ProcID = optionalField(field)

	field, rest, err = nextField(rest)
	if err != nil {
		return m, err
	}
	m.MsgID = optionalField(field)

	sd, rest, err := parseSD(rest)
	if err != nil {
		return m, err
	}
	m.Data = sd

	// Whatever remains begins with a single space separator, per
	// followed by an optional BOM-prefixed message body.
	if len(rest) > 0 {
		if rest[0] != ' ' {
			return m, fmt.Errorf("codec: decode wire: expected space before MSG")
		}
		body := rest[1:]
		body = strings.TrimPrefix(body, bomPrefix)
		m.Message = &body
	}

	return m, nil
}

// nextField reads a single space-delimited field from s and returns
// the remainder, which still has its leading space removed.
func nextField(s string) (field, rest string, err error) {
	if len(s) == 0 {
		return "", "", fmt.Errorf("codec: decode wire: unexpected end of input")
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return "", "", fmt.Errorf("codec: decode wire: unexpected end of input")
	}
	return s[:idx], s[idx+1:], nil
}

func optionalField(s string) *string {
	if s == "-" {
		return nil
	}
	v := s
	return &v
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.Truncate(time.Microsecond), nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseSD parses the STRUCTURED-DATA field: either "-" or one or more
// [...] blocks, and returns the unconsumed remainder (the MSG
// separator and body, if any).
func parseSD(s string) (StructuredData, string, error) {
	if strings.HasPrefix(s, "-") {
		return nil, s[1:], nil
	}

	if len(s) == 0 || s[0] != '[' {
		return nil, "", fmt.Errorf("codec: decode wire: invalid STRUCTURED-DATA")
	}

	data := StructuredData{}
	for len(s) > 0 && s[0] == '[' {
		closeIdx, err := findSDBlockEnd(s)
		if err != nil {
			return nil, "", err
		}
		block := s[1:closeIdx]
		id, params, err := parseSDBlock(block)
		if err != nil {
			return nil, "", err
		}
		data[id] = params
		s = s[closeIdx+1:]
	}

	if len(data) == 0 {
		data = nil
	}
	return data, s, nil
}

// findSDBlockEnd returns the index of the ']' that closes the SD
// block starting at s[0] == '[', respecting backslash escapes inside
// quoted parameter values.
func findSDBlockEnd(s string) (int, error) {
	inQuotes := false
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++ // skip escaped character
		case '"':
			inQuotes = !inQuotes
		case ']':
			if !inQuotes {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("codec: decode wire: unterminated structured data block")
}

func parseSDBlock(block string) (string, SDParams, error) {
	idEnd := strings.IndexByte(block, ' ')
	if idEnd < 0 {
		return block, SDParams{}, nil
	}
	id := block[:idEnd]
	params := SDParams{}

	rest := block[idEnd+1:]
	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return "", nil, fmt.Errorf("codec: decode wire: malformed SD parameter")
		}
		name := rest[:eq]
		rest = rest[eq+1:]
		if len(rest) == 0 || rest[0] != '"' {
			return "", nil, fmt.Errorf("codec: decode wire: malformed SD parameter value")
		}
		rest = rest[1:]
		valEnd, err := findUnescapedQuote(rest)
		if err != nil {
			return "", nil, err
		}
		params[name] = unescapeSDValue(rest[:valEnd])
		rest = rest[valEnd+1:]
	}

	return id, params, nil
}

func findUnescapedQuote(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			return i, nil
		}
	}
	return 0, fmt.Errorf("codec: decode wire: unterminated SD parameter value")
}
