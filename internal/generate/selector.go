package generate

import "sync"

// ModelSelection names the models the pipeline uses. Embedding and
// generation are selected independently.
type ModelSelection struct {
	EmbeddingModel  string `json:"embedding_model"`
	GenerationModel string `json:"generation_model"`
}

// Selector holds the process-wide model selection. Switching affects
// subsequent calls only: callers snapshot the selection at call start and
// complete under it.
type Selector struct {
	mu  sync.RWMutex
	sel ModelSelection
}

// NewSelector creates a selector with the initial selection.
func NewSelector(initial ModelSelection) *Selector {
	return &Selector{sel: initial}
}

// Current returns the active selection.
func (s *Selector) Current() ModelSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sel
}

// Switch replaces the active selection.
func (s *Selector) Switch(sel ModelSelection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel = sel
}
