package memory

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// RecursiveSplitter splits text into chunks of at most ChunkSize runes,
// preferring the coarsest separator that works, with ChunkOverlap runes of
// trailing context carried into the next chunk.
type RecursiveSplitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

func NewRecursiveSplitter(chunkSize, chunkOverlap int) *RecursiveSplitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &RecursiveSplitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   DefaultSeparators,
	}
}

// Split returns the trimmed, non-empty chunks of text.
func (s *RecursiveSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.Separators)
}

func (s *RecursiveSplitter) split(text string, separators []string) []string {
	separator := ""
	var next []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	var pieces []string
	for _, p := range splitOn(text, separator) {
		if p != "" {
			pieces = append(pieces, p)
		}
	}

	var chunks, fitting []string
	for _, p := range pieces {
		if utf8.RuneCountInString(p) < s.ChunkSize {
			fitting = append(fitting, p)
			continue
		}
		if len(fitting) > 0 {
			chunks = append(chunks, s.merge(fitting, separator)...)
			fitting = nil
		}
		if len(next) == 0 {
			chunks = append(chunks, p)
		} else {
			chunks = append(chunks, s.split(p, next)...)
		}
	}
	if len(fitting) > 0 {
		chunks = append(chunks, s.merge(fitting, separator)...)
	}
	return chunks
}

func splitOn(text, separator string) []string {
	if separator == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	return strings.Split(text, separator)
}

// merge packs pieces into chunks no longer than ChunkSize, carrying at most
// ChunkOverlap runes of trailing pieces into the following chunk.
func (s *RecursiveSplitter) merge(pieces []string, separator string) []string {
	sepLen := utf8.RuneCountInString(separator)
	joinedLen := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var (
		chunks  []string
		current []string
		total   int
	)
	for _, p := range pieces {
		l := utf8.RuneCountInString(p)
		if total+l+joinedLen(len(current)) > s.ChunkSize && len(current) > 0 {
			if chunk := strings.TrimSpace(strings.Join(current, separator)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			for total > s.ChunkOverlap || (total > 0 && total+l+joinedLen(len(current)) > s.ChunkSize) {
				total -= utf8.RuneCountInString(current[0]) + joinedLen(len(current)-1)
				current = current[1:]
			}
		}
		current = append(current, p)
		total += l + joinedLen(len(current)-1)
	}
	if chunk := strings.TrimSpace(strings.Join(current, separator)); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}
