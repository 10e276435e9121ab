package encoder

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	tokenPad = "[PAD]"
	tokenUnk = "[UNK]"
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"

	maxInputCharsPerWord = 100
)

// Tokenizer is a BERT-style uncased WordPiece tokenizer
type Tokenizer struct {
	vocab     map[string]int32
	maxLength int
	padID     int32
	unkID     int32
	clsID     int32
	sepID     int32
}

// NewTokenizer builds a tokenizer from an ordered vocabulary where the token id
// is the position in the slice.
func NewTokenizer(vocab []string, maxLength int) (*Tokenizer, error) {
	if maxLength < 2 {
		return nil, fmt.Errorf("max_length must be at least 2, got %d", maxLength)
	}

	t := &Tokenizer{
		vocab:     make(map[string]int32, len(vocab)),
		maxLength: maxLength,
	}
	for i, token := range vocab {
		if _, exists := t.vocab[token]; !exists {
			t.vocab[token] = int32(i)
		}
	}

	for _, special := range []struct {
		token string
		id    *int32
	}{
		{tokenPad, &t.padID},
		{tokenUnk, &t.unkID},
		{tokenCLS, &t.clsID},
		{tokenSEP, &t.sepID},
	} {
		id, ok := t.vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("vocabulary is missing special token %s", special.token)
		}
		*special.id = id
	}

	return t, nil
}

// LoadTokenizer reads a vocab.txt file (one token per line).
func LoadTokenizer(vocabPath string, maxLength int) (*Tokenizer, error) {
	file, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer file.Close()

	var vocab []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}

	return NewTokenizer(vocab, maxLength)
}

// VocabSize returns the number of distinct tokens.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// MaxLength returns the maximum sequence length including [CLS] and [SEP].
func (t *Tokenizer) MaxLength() int {
	return t.maxLength
}

// Tokenize converts text to token IDs. Empty text yields [CLS] [SEP].
func (t *Tokenizer) Tokenize(text string) *TokenizedInput {
	pieces := t.wordPieces(text)

	budget := t.maxLength - 2
	truncated := len(pieces) > budget
	if truncated {
		pieces = pieces[:budget]
	}

	n := len(pieces) + 2
	ids := make([]int32, 0, n)
	tokens := make([]string, 0, n)

	ids = append(ids, t.clsID)
	tokens = append(tokens, tokenCLS)
	for _, piece := range pieces {
		ids = append(ids, t.lookup(piece))
		tokens = append(tokens, piece)
	}
	ids = append(ids, t.sepID)
	tokens = append(tokens, tokenSEP)

	mask := make([]int32, n)
	for i := range mask {
		mask[i] = 1
	}

	return &TokenizedInput{
		InputIDs:      ids,
		AttentionMask: mask,
		TokenTypeIDs:  make([]int32, n),
		Tokens:        tokens,
		Length:        n,
		OriginalText:  text,
		Truncated:     truncated,
	}
}

func (t *Tokenizer) lookup(piece string) int32 {
	if id, ok := t.vocab[piece]; ok {
		return id
	}
	return t.unkID
}

// wordPieces runs basic tokenization followed by greedy longest-match WordPiece.
func (t *Tokenizer) wordPieces(text string) []string {
	var pieces []string
	for _, word := range basicTokenize(text) {
		pieces = append(pieces, t.splitWord(word)...)
	}
	return pieces
}

func (t *Tokenizer) splitWord(word string) []string {
	chars := []rune(word)
	if len(chars) > maxInputCharsPerWord {
		return []string{tokenUnk}
	}

	var pieces []string
	start := 0
	for start < len(chars) {
		end := len(chars)
		var match string
		for start < end {
			candidate := string(chars[start:end])
			if start > 0 {
				candidate = "##" + candidate
			}
			if _, ok := t.vocab[candidate]; ok {
				match = candidate
				break
			}
			end--
		}
		if match == "" {
			return []string{tokenUnk}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

// basicTokenize cleans, lowercases, strips accents and splits on whitespace
// and punctuation.
func basicTokenize(text string) []string {
	text = cleanText(text)
	text = padCJK(text)

	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(stripper, strings.ToLower(text))
	if err == nil {
		text = stripped
	} else {
		text = strings.ToLower(text)
	}

	var tokens []string
	for _, word := range strings.Fields(text) {
		tokens = append(tokens, splitPunctuation(word)...)
	}
	return tokens
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
			continue
		case r == '\t' || r == '\n' || r == '\r' || unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r) || unicode.In(r, unicode.Cf):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func padCJK(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isCJK(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitPunctuation(word string) []string {
	var tokens []string
	var current []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(current) > 0 {
				tokens = append(tokens, string(current))
				current = current[:0]
			}
			tokens = append(tokens, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		tokens = append(tokens, string(current))
	}
	return tokens
}

// isPunctuation treats all non-alphanumeric ASCII as punctuation, like BERT.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
