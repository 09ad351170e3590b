package compress

import (
	"strconv"
	"strings"
)

// Negotiate picks the response codec for an Accept-Encoding value.
//
// Tokens are split on commas, spaces and tabs. Each token may carry a
// ";q=<weight>" suffix; a missing or unparseable weight counts as 1. The
// first recognised token with a strictly higher weight than everything
// before it wins. Unrecognised names never win. If the wildcard "*" was
// given a weight above the winner and gzip was never named, gzip is chosen.
func Negotiate(acceptEncoding string) Codec {
	if acceptEncoding == "" {
		return None
	}

	tokens := strings.FieldsFunc(acceptEncoding, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	var (
		maxQ, otherQ float64
		named        = make(map[string]struct{}, len(tokens))
		selected     = None
	)

	for _, tok := range tokens {
		q := 1.0
		name := strings.ToLower(tok)

		if i := strings.IndexByte(name, ';'); i >= 0 {
			arg := name[i+1:]
			name = name[:i]

			if len(arg) > 2 && arg[0] == 'q' && arg[1] == '=' {
				q = parseQ(arg[2:])
				if name == "*" {
					otherQ = q
				}
			}
		}

		named[name] = struct{}{}

		if maxQ < q {
			switch name {
			case "identity":
				selected = None
			case "gzip":
				selected = Gzip
			case "zlib":
				selected = Zlib
			case "bzip2":
				selected = Bzip2
			default:
				q = 0
			}
		}

		if maxQ < q {
			maxQ = q
		}
	}

	if _, ok := named["gzip"]; maxQ < otherQ && !ok {
		selected = Gzip
	}
	return selected
}

func parseQ(s string) float64 {
	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 1
	}
	return q
}
