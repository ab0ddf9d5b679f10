package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/autorag/autorag/internal/index"
)

// ChunkConfig controls how the raw corpus is sliced into chunks.
type ChunkConfig struct {
	MaxChunkSize int // maximum chunk length in runes
	Overlap      int // runes of trailing context carried into the next chunk
}

// DefaultChunkConfig mirrors the chunking the persona corpus was tuned with.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxChunkSize: 500, Overlap: 50}
}

// segment is one sentence-or-line of the corpus with its rune offset.
type segment struct {
	text   string
	offset int
	runes  int
}

// Split slices text into chunks of at most cfg.MaxChunkSize runes, packing
// whole sentences (or newline-delimited messages) so no chunk breaks an
// utterance mid-sentence unless a single sentence exceeds the limit. The
// trailing cfg.Overlap runes of each chunk are repeated at the start of the
// next so context survives the boundary.
//
// Chunk IDs are derived from (offset, text), so splitting the same corpus
// with the same config yields identical IDs.
func Split(text string, cfg ChunkConfig) []index.Chunk {
	if cfg.MaxChunkSize <= 0 {
		return nil
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}

	segs := segments(text)
	if len(segs) == 0 {
		return nil
	}

	// Oversized sentences are hard-wrapped up front so the packing loop only
	// ever sees segments that fit.
	segs = wrapOversized(segs, cfg.MaxChunkSize)

	var chunks []index.Chunk
	var cur []segment
	curRunes := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, newChunk(cur))
		// Seed the next chunk with trailing segments up to the overlap
		// budget, counting the join separators.
		var carry []segment
		carried := 0
		for i := len(cur) - 1; i >= 0; i-- {
			add := cur[i].runes
			if len(carry) > 0 {
				add++
			}
			if carried+add > cfg.Overlap {
				break
			}
			carry = append([]segment{cur[i]}, carry...)
			carried += add
		}
		cur = carry
		curRunes = carried
	}

	for _, seg := range segs {
		need := seg.runes
		if len(cur) > 0 {
			need++ // join separator
		}
		if curRunes+need > cfg.MaxChunkSize && len(cur) > 0 {
			flush()
			need = seg.runes
			if len(cur) > 0 {
				need++
			}
			// The carried overlap plus a long next segment can still bust
			// the budget; drop the carry rather than emit an oversized chunk.
			if curRunes+need > cfg.MaxChunkSize {
				cur = nil
				curRunes = 0
				need = seg.runes
			}
		}
		cur = append(cur, seg)
		curRunes += need
	}
	if len(cur) > 0 {
		chunks = append(chunks, newChunk(cur))
	}

	return chunks
}

// segments splits text on sentence terminators and newlines, keeping rune
// offsets. Whitespace-only pieces are dropped.
func segments(text string) []segment {
	var segs []segment
	start := -1
	offset := 0 // rune offset of the current rune

	var b strings.Builder
	flush := func() {
		if start < 0 {
			return
		}
		s := strings.TrimSpace(b.String())
		if s != "" {
			segs = append(segs, segment{text: s, offset: start, runes: len([]rune(s))})
		}
		b.Reset()
		start = -1
	}

	for _, r := range text {
		if start < 0 && !unicode.IsSpace(r) {
			start = offset
		}
		if start >= 0 {
			b.WriteRune(r)
		}
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
		offset++
	}
	flush()

	return segs
}

// wrapOversized hard-splits any segment longer than maxSize into maxSize-rune
// windows. This is the only case where an utterance is cut mid-sentence.
func wrapOversized(segs []segment, maxSize int) []segment {
	out := make([]segment, 0, len(segs))
	for _, seg := range segs {
		if seg.runes <= maxSize {
			out = append(out, seg)
			continue
		}
		runes := []rune(seg.text)
		for i := 0; i < len(runes); i += maxSize {
			end := min(i+maxSize, len(runes))
			piece := strings.TrimSpace(string(runes[i:end]))
			if piece == "" {
				continue
			}
			out = append(out, segment{text: piece, offset: seg.offset + i, runes: len([]rune(piece))})
		}
	}
	return out
}

func newChunk(segs []segment) index.Chunk {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.text
	}
	text := strings.Join(parts, " ")
	offset := segs[0].offset
	return index.Chunk{
		ID:           chunkID(text, offset),
		Text:         text,
		SourceOffset: offset,
	}
}

// chunkID hashes (offset, text); stable across rebuilds iff the corpus and
// chunking parameters are unchanged.
func chunkID(text string, offset int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s", offset, text))
	return "chunk_" + hex.EncodeToString(sum[:16])
}
