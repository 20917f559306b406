// Copyright 2026 The cortexd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding produces fixed-dimension vectors for short texts via an
// ONNX MiniLM session, grounded directly on the teacher's
// internal/intelligence/embedding package. If the model can't be loaded the
// service degrades to a deterministic zero vector rather than failing
// requests; IsEnabled() surfaces the flag for /health.
package embedding

import (
	"fmt"
	"math"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// Dimension is the MiniLM (all-MiniLM-L6-v2) output width.
	Dimension = 384

	// MaxSequenceLength bounds tokens fed to the ONNX session.
	MaxSequenceLength = 256
)

// Config configures the embedding engine.
type Config struct {
	ModelPath         string
	VocabPath         string
	SharedLibraryPath string
}

// Engine wraps an ONNX runtime session producing L2-normalised mean-pooled
// embeddings. Zero value is unusable; construct with New.
type Engine struct {
	mu sync.RWMutex

	session   *ort.DynamicAdvancedSession
	modelPath string
	vocabPath string
	sharedLib string
	tokenizer *wordpieceTokenizer
	enabled   bool
}

// New builds an engine bound to cfg; call Initialize to load the model.
func New(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: model path is required")
	}
	return &Engine{modelPath: cfg.ModelPath, vocabPath: cfg.VocabPath, sharedLib: cfg.SharedLibraryPath}, nil
}

// Initialize loads the ONNX model and tokenizer. A returned error means the
// caller should continue in degraded mode: Embed will return zero vectors
// and IsEnabled reports false.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("embedding: model file not found: %s", e.modelPath)
	}

	if e.sharedLib != "" {
		ort.SetSharedLibraryPath(e.sharedLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("embedding: initialize onnx runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("embedding: session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		options,
	)
	if err != nil {
		return fmt.Errorf("embedding: load onnx model: %w", err)
	}
	e.session = session

	tok, err := newWordpieceTokenizer(e.vocabPath)
	if err != nil {
		e.session.Destroy()
		e.session = nil
		return fmt.Errorf("embedding: tokenizer init: %w", err)
	}
	e.tokenizer = tok

	e.enabled = true
	log.WithField("component", "embedding").Info("embedding engine initialized")
	return nil
}

// IsEnabled reports whether the engine is warm and Embed will run real
// inference rather than returning a degraded zero vector.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Embed returns a deterministic 384-dim embedding for text, or a zero
// vector in degraded mode.
func (e *Engine) Embed(text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled {
		return make([]float32, Dimension), nil
	}

	tokens, err := e.tokenizer.Tokenize(text, MaxSequenceLength)
	if err != nil {
		return nil, fmt.Errorf("embedding: tokenize: %w", err)
	}
	return e.runInference(tokens)
}

func (e *Engine) runInference(tokens *TokenizedInput) ([]float32, error) {
	seqLen := int64(len(tokens.InputIDs))

	inputIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("embedding: input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attentionMask, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("embedding: attention_mask tensor: %w", err)
	}
	defer attentionMask.Destroy()

	tokenTypeIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("embedding: token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDs.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(Dimension)))
	if err != nil {
		return nil, fmt.Errorf("embedding: output tensor: %w", err)
	}
	defer output.Destroy()

	if err := e.session.Run(
		[]ort.ArbitraryTensor{inputIDs, attentionMask, tokenTypeIDs},
		[]ort.ArbitraryTensor{output},
	); err != nil {
		return nil, fmt.Errorf("embedding: onnx inference: %w", err)
	}

	pooled := meanPool(output.GetData(), tokens.AttentionMask, int(seqLen))
	return normalize(pooled), nil
}

func meanPool(output []float32, attentionMask []int64, seqLen int) []float32 {
	v := make([]float32, Dimension)
	var weight float32
	for i := 0; i < seqLen; i++ {
		if attentionMask[i] == 1 {
			for j := 0; j < Dimension; j++ {
				v[j] += output[i*Dimension+j]
			}
			weight++
		}
	}
	if weight > 0 {
		for j := range v {
			v[j] /= weight
		}
	}
	return v
}

func normalize(v []float32) []float32 {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors; returns 0 on shape mismatch or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	normA, normB = math.Sqrt(normA), math.Sqrt(normB)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// Shutdown releases the ONNX session, if any.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.enabled = false
}

// Quantize rescales a normalized embedding into [0, levels) per dimension
// and casts to bytes, for use as a semantic-cache key (spec §4.3).
func Quantize(v []float32, levels int) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		// x is in roughly [-1,1] after L2 normalize; rescale to [0,1] first.
		scaled := (x + 1) / 2
		if scaled < 0 {
			scaled = 0
		}
		if scaled > 1 {
			scaled = 1
		}
		bucket := int(scaled * float32(levels))
		if bucket >= levels {
			bucket = levels - 1
		}
		out[i] = byte(bucket)
	}
	return out
}
