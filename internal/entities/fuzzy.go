package entities

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
)

// Ratio is the normalized indel similarity of a and b in 0..100:
// 200 * LCS / (len(a) + len(b)), rounded.
func Ratio(a, b string) int {
	return int(math.Round(ratio(a, b)))
}

func ratio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 100
	}
	return 200 * float64(edlib.LCS(a, b)) / float64(total)
}

// TokenSortRatio compares the strings after normalizing case and
// punctuation and sorting their words, so word order does not matter.
func TokenSortRatio(a, b string) int {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	sort.Strings(ta)
	sort.Strings(tb)
	return Ratio(strings.Join(ta, " "), strings.Join(tb, " "))
}

// TokenSetRatio compares the shared words of a and b against each side's
// remainder. A string whose words are all contained in the other scores 100.
func TokenSetRatio(a, b string) int {
	sa, sb := wordSet(tokens(a)), wordSet(tokens(b))
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	var common, onlyA, onlyB []string
	for w := range sa {
		if sb[w] {
			common = append(common, w)
		} else {
			onlyA = append(onlyA, w)
		}
	}
	for w := range sb {
		if !sa[w] {
			onlyB = append(onlyB, w)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	sect := strings.Join(common, " ")
	diffA := strings.Join(onlyA, " ")
	diffB := strings.Join(onlyB, " ")

	if sect != "" && (diffA == "" || diffB == "") {
		return 100
	}
	if sect == "" {
		return Ratio(diffA, diffB)
	}

	combinedA := sect + " " + diffA
	combinedB := sect + " " + diffB
	best := math.Max(ratio(sect, combinedA), ratio(sect, combinedB))
	best = math.Max(best, ratio(combinedA, combinedB))
	return int(math.Round(best))
}

// tokens lowercases s, turns every non-alphanumeric rune into a separator
// and splits on whitespace.
func tokens(s string) []string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Fields(mapped)
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
