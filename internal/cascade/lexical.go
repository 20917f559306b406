package cascade

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TiktokenLexical implements LexicalSignal using tiktoken-go/tokenizer as a
// second, independent tokenizer from the embedding path's WordPiece
// tokenizer (spec §4.2 FULL): a cheap, model-independent difficulty signal
// that does not require the ONNX session to be warm.
type TiktokenLexical struct {
	codec tokenizer.Codec
}

// NewTiktokenLexical builds the lexical signal using the cl100k_base
// encoding (GPT-style BPE), a reasonable general-purpose choice.
func NewTiktokenLexical() (*TiktokenLexical, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &TiktokenLexical{codec: codec}, nil
}

// Score returns a confidence contribution in [0,1]: fewer tokens and a
// lower rare-token ratio (long/unusual subword fragments) yield higher
// confidence that a cheap tier will do.
func (l *TiktokenLexical) Score(text string) float64 {
	ids, tokens, err := l.codec.Encode(text)
	if err != nil || len(ids) == 0 {
		words := len(strings.Fields(text))
		if words == 0 {
			return 0
		}
		return clamp01(1 - float64(words)/40)
	}

	n := len(ids)
	lengthScore := clamp01(1 - float64(n)/80)

	rare := 0
	for _, tok := range tokens {
		if len(tok) <= 2 {
			rare++ // short BPE fragments usually mean an uncommon/split word
		}
	}
	rareRatio := float64(rare) / float64(len(tokens))
	rareScore := clamp01(1 - rareRatio)

	return clamp01(0.6*lengthScore + 0.4*rareScore)
}
