// Package embeddingtest provides a deterministic in-process embedder for tests.
package embeddingtest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// ErrInjected is returned for texts matched by Fake.FailOn.
var ErrInjected = errors.New("injected embedding failure")

// Fake embeds text as a hashed bag of lower-cased words, so texts sharing words
// score higher under cosine similarity.
type Fake struct {
	Dim    int
	FailOn func(text string) bool

	mu    sync.Mutex
	calls int
	texts int
}

// New returns a Fake with 256 dimensions.
func New() *Fake {
	return &Fake{Dim: 256}
}

func (f *Fake) embed(text string) ([]float32, error) {
	if f.FailOn != nil && f.FailOn(text) {
		return nil, ErrInjected
	}
	dim := f.Dim
	if dim <= 0 {
		dim = 256
	}
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	return v, nil
}

// CreateEmbedding implements embedding.Client.
func (f *Fake) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.texts++
	f.mu.Unlock()
	return f.embed(text)
}

// CreateEmbeddings implements embedding.Client.
func (f *Fake) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.texts += len(texts)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Calls reports how many client calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Texts reports how many texts were embedded in total.
func (f *Fake) Texts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts
}
