package sip

import (
	"strings"
	"unicode"
)

const (
	paramsStateKey = iota
	paramsStateEqual
	paramsStateValue
	paramsStateQuote
)

// UnmarshalParams parses semicolon (or other separator) separated key=value
// pairs into p. Parsing stops at ending rune. Returns number of consumed bytes.
func UnmarshalParams(s string, seperator rune, ending rune, p *HeaderParams) (n int, err error) {
	var start, sep, quote int = 0, 0, -1
	state := paramsStateKey

	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	n = len(s)
	for i, c := range s {
		if c == ending {
			n = i
			break
		}

		switch state {
		case paramsStateKey:
			sep = 0
			start = i
			state = paramsStateEqual

		case paramsStateEqual:
			if c == seperator {
				// Support for empty values like ;lr;
				p.Add(s[start:i], "")
				state = paramsStateKey
				continue
			}

			if c != '=' {
				continue
			}

			sep = i
			state = paramsStateValue

		case paramsStateValue:
			switch c {
			case '"':
				state = paramsStateQuote
				quote = i
			case seperator:
				p.Add(s[start:sep], s[sep+1:i])
				state = paramsStateKey
			}
		case paramsStateQuote:
			if c != '"' {
				continue
			}
			p.Add(s[start:sep], s[quote+1:i])
			state = paramsStateKey
		}
	}

	// Do the last one
	switch state {
	case paramsStateValue:
		p.Add(s[start:sep], s[sep+1:n])
	case paramsStateEqual:
		if start < n {
			p.Add(s[start:n], "")
		}
	}

	return n, nil
}
