// Package rag implements document vectorization (prepare, read, chunk,
// embed, index) and similarity retrieval over vector storages.
package rag

import "strings"

// DefaultChunkSize is the chunk length in runes.
const DefaultChunkSize = 1200

// Chunk holds a single chunk of text with its position.
type Chunk struct {
	Text  string `json:"text"`
	Index int    `json:"index"` // 0-based
}

// ChunkText splits text into consecutive fixed-size rune windows in a
// single pass. Chunks are trimmed; a chunk that is empty after trimming is
// dropped without consuming an index.
func ChunkText(text string, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []Chunk
	emit := func(piece string) {
		if piece = strings.TrimSpace(piece); piece != "" {
			chunks = append(chunks, Chunk{Text: piece, Index: len(chunks)})
		}
	}

	start, runes := 0, 0
	for off := range text {
		if runes == size {
			emit(text[start:off])
			start, runes = off, 0
		}
		runes++
	}
	if start < len(text) {
		emit(text[start:])
	}
	return chunks
}

// CollapseWhitespace replaces every run of whitespace with one space and
// trims the result.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
