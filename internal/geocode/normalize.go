// Package geocode resolves facility addresses to coordinates through an
// ordered chain of resolvers: the municipal reference index, the optional
// ESRI city geocoder and Nominatim.
package geocode

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// unitKeywords introduce a unit designator; the keyword and the token after it are dropped
var unitKeywords = map[string]bool{
	"suite":     true,
	"ste":       true,
	"unit":      true,
	"apt":       true,
	"apartment": true,
	"rm":        true,
	"room":      true,
	"fl":        true,
	"floor":     true,
	"bldg":      true,
}

var abbreviations = map[string]string{
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
	"northeast": "ne",
	"northwest": "nw",
	"southeast": "se",
	"southwest": "sw",

	"street":     "st",
	"avenue":     "ave",
	"av":         "ave",
	"boulevard":  "blvd",
	"drive":      "dr",
	"road":       "rd",
	"place":      "pl",
	"court":      "ct",
	"lane":       "ln",
	"parkway":    "pkwy",
	"highway":    "hwy",
	"terrace":    "ter",
	"circle":     "cir",
	"square":     "sq",
	"plaza":      "plz",
	"trail":      "trl",
	"expressway": "expy",
}

// Normalize turns a free-text street address into the reference index key:
// case-folded, without diacritics, city/state/zip or unit designators, with
// directionals and street types abbreviated. Normalize(Normalize(s)) == Normalize(s).
func Normalize(address string) string {
	if i := strings.IndexByte(address, ','); i >= 0 {
		address = address[:i]
	}

	folded := cases.Fold().String(address)
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		folded,
	)
	if err == nil {
		folded = stripped
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '#':
			return r
		default:
			return ' '
		}
	}, folded)

	tokens := strings.Fields(cleaned)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if strings.HasPrefix(tok, "#") {
			if tok == "#" {
				i++
			}
			continue
		}
		// '#' inside a token is punctuation
		tok = strings.ReplaceAll(tok, "#", "")

		if unitKeywords[tok] {
			i++
			continue
		}
		if abbr, ok := abbreviations[tok]; ok {
			tok = abbr
		}
		out = append(out, tok)
	}

	return strings.Join(out, " ")
}
