// Package textstats computes corpus metrics over extracted document text:
// counts, reading time, a complexity score, naive sentiment, and keyword
// frequency. Every function tolerates empty input and returns zero values
// instead of failing; extraction quality varies wildly and the pipeline
// must never abort on degenerate text.
package textstats

import (
	"sort"
	"strings"
	"unicode"
)

const readingWordsPerMinute = 200

// Metrics is the full set of measurements for one text.
type Metrics struct {
	WordCount          int      `json:"wordCount"`
	CharCount          int      `json:"charCount"`
	CharCountNoSpaces  int      `json:"charCountNoSpaces"`
	SentenceCount      int      `json:"sentenceCount"`
	ReadingTimeMinutes int      `json:"readingTime"`
	Complexity         float64  `json:"complexity"`
	Sentiment          string   `json:"sentiment"`
	TopWords           []string `json:"topWords,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
}

// positiveWords and negativeWords drive the naive sentiment label. Both lists
// mix French and English since source documents come in either language.
var positiveWords = []string{
	"normal", "normale", "bon", "bonne", "good", "stable", "satisfaisant",
	"excellent", "amélioration", "improvement", "healthy", "sain",
}

var negativeWords = []string{
	"anormal", "anormale", "abnormal", "mauvais", "bad", "élevé", "elevated",
	"faible", "low", "risque", "risk", "urgent", "critique", "critical",
	"insuffisant", "déficit",
}

// stopWords are excluded from keyword ranking.
var stopWords = map[string]struct{}{
	"avec": {}, "dans": {}, "pour": {}, "cette": {}, "sont": {}, "être": {},
	"vous": {}, "nous": {}, "mais": {}, "plus": {}, "tout": {}, "elle": {},
	"that": {}, "this": {}, "with": {}, "from": {}, "have": {}, "been": {},
	"were": {}, "they": {}, "their": {}, "which": {}, "will": {}, "your": {},
}

// Fields splits text into whitespace-delimited tokens.
func Fields(text string) []string {
	return strings.Fields(text)
}

// WordCount returns the number of whitespace-delimited tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// CharCounts returns character counts with and without whitespace.
func CharCounts(text string) (withSpaces, withoutSpaces int) {
	for _, r := range text {
		withSpaces++
		if !unicode.IsSpace(r) {
			withoutSpaces++
		}
	}
	return withSpaces, withoutSpaces
}

// SentenceCount splits on '.', '!' and '?' and counts non-empty segments.
func SentenceCount(text string) int {
	segments := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	count := 0
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			count++
		}
	}
	return count
}

// ReadingTime returns whole minutes at 200 words per minute, rounded up.
// Empty text reads in zero minutes.
func ReadingTime(text string) int {
	words := WordCount(text)
	if words == 0 {
		return 0
	}
	return (words + readingWordsPerMinute - 1) / readingWordsPerMinute
}

// Complexity scores text in [0,100] as
// min(100, 5*avgWordLength + 2*avgWordsPerSentence).
func Complexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	totalLen := 0
	for _, w := range words {
		totalLen += len([]rune(w))
	}
	avgWordLen := float64(totalLen) / float64(len(words))

	sentences := SentenceCount(text)
	if sentences == 0 {
		sentences = 1
	}
	avgWordsPerSentence := float64(len(words)) / float64(sentences)

	score := 5*avgWordLen + 2*avgWordsPerSentence
	if score > 100 {
		score = 100
	}
	return score
}

// Sentiment returns "positive", "negative" or "neutral" by comparing hits
// from the fixed bilingual word lists.
func Sentiment(text string) string {
	lower := strings.ToLower(text)

	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}

	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

// wordFrequencies lowercases, strips non-letter runes from token edges and
// counts occurrences of words longer than 3 characters that are not stop words.
func wordFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		w := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len([]rune(w)) <= 3 {
			continue
		}
		if _, skip := stopWords[w]; skip {
			continue
		}
		freq[w]++
	}
	return freq
}

// rankByFrequency returns words ordered by descending count, ties broken
// alphabetically so output is deterministic.
func rankByFrequency(freq map[string]int) []string {
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	return words
}

// TopWords returns the n most frequent non-trivial words.
func TopWords(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	ranked := rankByFrequency(wordFrequencies(text))
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Keywords returns words appearing more than once, ranked by frequency.
func Keywords(text string) []string {
	freq := wordFrequencies(text)
	for w, c := range freq {
		if c <= 1 {
			delete(freq, w)
		}
	}
	return rankByFrequency(freq)
}

// Analyze bundles all metrics for one text.
func Analyze(text string) Metrics {
	with, without := CharCounts(text)
	return Metrics{
		WordCount:          WordCount(text),
		CharCount:          with,
		CharCountNoSpaces:  without,
		SentenceCount:      SentenceCount(text),
		ReadingTimeMinutes: ReadingTime(text),
		Complexity:         Complexity(text),
		Sentiment:          Sentiment(text),
		TopWords:           TopWords(text, 10),
		Keywords:           Keywords(text),
	}
}

// Clean collapses runs of spaces/tabs and blank lines so extracted PDF text
// analyses consistently regardless of its original layout.
func Clean(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
