// Package match scores catalog results against a requested title/author.
// Scoring is pure and deterministic: identical titles and authors score
// 1.0, unrelated strings score near 0.
package match

import (
	"strings"
	"unicode"
)

const (
	// MinCandidateScore is the floor below which a result is not a
	// candidate at all.
	MinCandidateScore = 0.3

	// GoodMatchScore is the stricter acceptance bar used when falling
	// back to an already-downloaded candidate.
	GoodMatchScore = 0.75
)

const (
	titleWeight  = 0.7
	authorWeight = 0.3
)

// Score rates a candidate against the requested title/author on [0, 1].
// An empty requested author makes the title carry the whole score.
func Score(reqTitle, reqAuthor, candTitle string, candAuthors []string) float64 {
	titleScore := similarity(reqTitle, candTitle)

	if strings.TrimSpace(reqAuthor) == "" {
		return titleScore
	}

	var authorScore float64

	for _, author := range candAuthors {
		if s := similarity(reqAuthor, author); s > authorScore {
			authorScore = s
		}
	}

	return titleWeight*titleScore + authorWeight*authorScore
}

// IsGoodMatch applies the stricter bar used for the already-downloaded
// fallback path.
func IsGoodMatch(reqTitle, reqAuthor, candTitle string, candAuthors []string) bool {
	return Score(reqTitle, reqAuthor, candTitle, candAuthors) >= GoodMatchScore
}

// similarity blends token-set Jaccard with a containment term so that a
// requested title fully contained in a longer candidate ("Dune" in "Dune
// Messiah") still rates well, while the exact title rates higher.
func similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}

	if na == nb {
		return 1
	}

	ta, tb := tokenSet(na), tokenSet(nb)

	var common int

	for tok := range ta {
		if tb[tok] {
			common++
		}
	}

	if common == 0 {
		return 0
	}

	union := len(ta) + len(tb) - common
	jaccard := float64(common) / float64(union)

	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}

	containment := float64(common) / float64(smaller)

	return (jaccard + containment) / 2
}

// Normalize lowercases, strips punctuation, and collapses whitespace so
// case and punctuation differences never affect the score.
func Normalize(s string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenSet(normalized string) map[string]bool {
	set := make(map[string]bool)

	for _, tok := range strings.Fields(normalized) {
		set[tok] = true
	}

	return set
}
