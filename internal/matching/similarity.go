package matching

import "strings"

// jaroWinkler computes the case-insensitive Jaro-Winkler similarity of two
// strings, between 0.0 and 1.0.
func jaroWinkler(a, b string) float64 {
	s1 := []rune(strings.ToLower(a))
	s2 := []rune(strings.ToLower(b))
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	if string(s1) == string(s2) {
		return 1.0
	}

	window := len(s1)
	if len(s2) > window {
		window = len(s2)
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	m1 := make([]bool, len(s1))
	m2 := make([]bool, len(s2))
	matches := 0
	for i := range s1 {
		lo := max(0, i-window)
		hi := min(len(s2), i+window+1)
		for j := lo; j < hi; j++ {
			if m2[j] || s1[i] != s2[j] {
				continue
			}
			m1[i], m2[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range s1 {
		if !m1[i] {
			continue
		}
		for !m2[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions/2))/m) / 3.0

	prefix := 0
	for i := 0; i < min(4, len(s1), len(s2)); i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1.0-jaro)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeAddress lowercases, strips punctuation and collapses whitespace.
func normalizeAddress(addr string) string {
	addr = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == '#' {
			return -1
		}
		return r
	}, strings.ToLower(addr))
	return strings.Join(strings.Fields(addr), " ")
}
