// Package encodertest provides a small vocabulary and hash-backed resolver
// for tests that need a working text encoder without downloading weights.
package encodertest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/raaihank/fusion-encoder/internal/encoder"
)

// Vocab returns a tiny BERT-style vocabulary. Token ids are slice positions.
func Vocab() []string {
	return []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"hello", "world", "the", "a", "model", "text", "numbers",
		"un", "##aff", "##able", "embed", "##ding", "##s",
		",", ".", "!", "?", "'",
	}
}

// Tokenizer builds a tokenizer over Vocab.
func Tokenizer(maxLength int) *encoder.Tokenizer {
	t, err := encoder.NewTokenizer(Vocab(), maxLength)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolver returns a static resolver with a hash encoder of the given width.
func Resolver(dims int) encoder.StaticResolver {
	return encoder.StaticResolver{
		Tokenizer: Tokenizer(512),
		Encoder:   encoder.NewHashEncoder(dims),
	}
}

// WriteVocab writes Vocab as vocab.txt under dir and returns its path.
func WriteVocab(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "vocab.txt")
	return path, os.WriteFile(path, []byte(strings.Join(Vocab(), "\n")+"\n"), 0644)
}
