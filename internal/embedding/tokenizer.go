// Copyright 2026 The cortexd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// TokenizedInput is the tokenized output ready for ONNX inference.
type TokenizedInput struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// wordpieceTokenizer is a basic WordPiece tokenizer for BERT-style models,
// sufficient for MiniLM without pulling in a full HuggingFace tokenizers
// binding. It falls back to a minimal built-in vocabulary when no vocab
// file is configured or the file is missing.
type wordpieceTokenizer struct {
	vocab     map[string]int64
	idToToken map[int64]string

	clsTokenID int64
	sepTokenID int64
	padTokenID int64
	unkTokenID int64
}

// newWordpieceTokenizer loads vocab from vocabPath, one token per line.
func newWordpieceTokenizer(vocabPath string) (*wordpieceTokenizer, error) {
	t := &wordpieceTokenizer{
		vocab:     make(map[string]int64),
		idToToken: make(map[int64]string),
	}

	if vocabPath == "" {
		t.initMinimalVocab()
		return t, nil
	}

	file, err := os.Open(vocabPath)
	if err != nil {
		t.initMinimalVocab()
		return t, nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var id int64
	for scanner.Scan() {
		token := scanner.Text()
		t.vocab[token] = id
		t.idToToken[id] = token
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("embedding: read vocabulary: %w", err)
	}

	t.setSpecialTokenIDs()
	return t, nil
}

func (t *wordpieceTokenizer) initMinimalVocab() {
	minimal := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"the", "a", "an", "is", "are", "was", "were",
		"to", "of", "in", "for", "on", "with", "at",
		"by", "from", "as", "or", "and", "but", "not",
		"this", "that", "it", "be", "have", "has", "had",
		"configure", "remote", "host", "feel", "overwhelmed", "today",
		"code", "coding", "program", "programming", "software", "developer",
		"write", "create", "build", "make", "help", "explain", "analyze",
		"data", "file", "function", "class", "method", "variable",
		"error", "bug", "fix", "debug", "test", "testing",
		"api", "web", "server", "client", "database", "query",
		"python", "java", "javascript", "go", "rust", "c", "cpp",
		"what", "which", "who", "where", "when", "why", "how",
		"##s", "##ed", "##ing", "##er", "##ly", "##tion", "##ment",
	}
	for i, tok := range minimal {
		t.vocab[tok] = int64(i)
		t.idToToken[int64(i)] = tok
	}
	t.setSpecialTokenIDs()
}

func (t *wordpieceTokenizer) setSpecialTokenIDs() {
	if id, ok := t.vocab["[CLS]"]; ok {
		t.clsTokenID = id
	}
	if id, ok := t.vocab["[SEP]"]; ok {
		t.sepTokenID = id
	}
	if id, ok := t.vocab["[PAD]"]; ok {
		t.padTokenID = id
	}
	if id, ok := t.vocab["[UNK]"]; ok {
		t.unkTokenID = id
	}
}

// Tokenize lowercases, splits on punctuation/whitespace and applies
// longest-match WordPiece subword splitting, bounded to maxLength tokens
// including [CLS]/[SEP].
func (t *wordpieceTokenizer) Tokenize(text string, maxLength int) (*TokenizedInput, error) {
	text = strings.ToLower(text)
	text = t.normalizeText(text)
	words := strings.Fields(text)

	tokens := []int64{t.clsTokenID}
	for _, word := range words {
		tokens = append(tokens, t.tokenizeWord(word)...)
		if len(tokens) >= maxLength-1 {
			break
		}
	}
	tokens = append(tokens, t.sepTokenID)
	if len(tokens) > maxLength {
		tokens = tokens[:maxLength-1]
		tokens = append(tokens, t.sepTokenID)
	}

	seqLen := len(tokens)
	attentionMask := make([]int64, seqLen)
	tokenTypeIDs := make([]int64, seqLen)
	for i := range tokens {
		attentionMask[i] = 1
	}

	return &TokenizedInput{InputIDs: tokens, AttentionMask: attentionMask, TokenTypeIDs: tokenTypeIDs}, nil
}

func (t *wordpieceTokenizer) normalizeText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	var b strings.Builder
	for _, r := range text {
		if unicode.IsPunct(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func (t *wordpieceTokenizer) tokenizeWord(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var tokens []int64
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if id, ok := t.vocab[substr]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			end--
		}
		if !found {
			tokens = append(tokens, t.unkTokenID)
			start++
		} else {
			start = end
		}
	}
	if len(tokens) == 0 {
		return []int64{t.unkTokenID}
	}
	return tokens
}
