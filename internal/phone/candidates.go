// Package phone resolves free-form phone input to a known patient.
package phone

import "strings"

// CountryCode is the calling code prepended to national numbers.
const CountryCode = "55"

const (
	landlineLen = 10 // area code + 8 digits
	mobileLen   = 11 // area code + mobile marker + 8 digits
)

// mobileMarker is the digit inserted after the area code of mobile numbers.
const mobileMarker = '9'

// Digits strips every non-digit character from raw.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonical returns the form phones are stored in: digits only, with the country code
// prepended to national numbers.
func Canonical(raw string) string {
	d := Digits(raw)
	if len(d) == landlineLen || len(d) == mobileLen {
		return CountryCode + d
	}
	return d
}

// Candidates returns every stored form raw could match, in preference order and without
// duplicates. The raw digits always come first.
func Candidates(raw string) []string {
	d := Digits(raw)
	set := newOrderedSet()
	if d == "" {
		return set.items
	}
	set.add(d)

	if strings.HasPrefix(d, CountryCode) {
		set.add(d[len(CountryCode):])
	} else {
		set.add(CountryCode + d)
	}

	for _, local := range nationalForms(d) {
		for _, v := range markerVariants(local) {
			set.add(v)
			set.add(CountryCode + v)
		}
	}
	return set.items
}

// nationalForms returns the readings of d as a national number (area code first).
func nationalForms(d string) []string {
	var forms []string
	if len(d) == landlineLen || len(d) == mobileLen {
		forms = append(forms, d)
	}
	if strings.HasPrefix(d, CountryCode) {
		rest := d[len(CountryCode):]
		if len(rest) == landlineLen || len(rest) == mobileLen {
			forms = append(forms, rest)
		}
	}
	return forms
}

// markerVariants returns local together with the variant that has the mobile marker
// removed (11 digits) or inserted (10 digits).
func markerVariants(local string) []string {
	switch len(local) {
	case mobileLen:
		if local[2] == mobileMarker {
			return []string{local, local[:2] + local[3:]}
		}
	case landlineLen:
		return []string{local, local[:2] + string(mobileMarker) + local[2:]}
	}
	return []string{local}
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
