package records

import (
	"sort"
	"strings"
	"unicode"
)

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// WordPercentages maps every word in the store to its share of all words, in percent.
// The table is rebuilt lazily after a mutation.
func (s *Store) WordPercentages() map[string]float64 {
	if s.words == nil {
		counts := make(map[string]int)
		total := 0
		for _, r := range s.records {
			for _, w := range splitWords(r.Current()) {
				counts[w]++
				total++
			}
		}

		s.words = make(map[string]float64, len(counts))
		for w, n := range counts {
			s.words[w] = float64(n) * 100 / float64(total)
		}
	}

	out := make(map[string]float64, len(s.words))
	for w, p := range s.words {
		out[w] = p
	}
	return out
}

// Keywords returns up to n words of a record that are rarest across the whole store.
func (s *Store) Keywords(index, n int) ([]string, error) {
	r, err := s.lookup(index)
	if err != nil {
		return nil, err
	}
	table := s.WordPercentages()

	seen := make(map[string]bool)
	var words []string
	for _, w := range splitWords(r.Current()) {
		if !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		pi, pj := table[words[i]], table[words[j]]
		if pi != pj {
			return pi < pj
		}
		return words[i] < words[j]
	})

	if n >= 0 && len(words) > n {
		words = words[:n]
	}
	return words, nil
}
