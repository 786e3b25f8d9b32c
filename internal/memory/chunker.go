// Package memory provides the engine's context memory: overlapping document
// chunking, embedding-similarity retrieval under a token budget, and a
// TTL response cache with single-flight deduplication.
package memory

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk is one window of a chunked document. Text carries the raw bytes of
// the window, including any whitespace between tokens, so documents can be
// reassembled byte for byte.
type Chunk struct {
	DocID string
	Index int

	// StartByte is the offset of Text within the source document.
	StartByte int

	Text string

	// OverlapBytes is the length of the prefix of Text shared with the
	// previous chunk. Reassembly drops it.
	OverlapBytes int

	// Tokens is the number of whitespace-delimited words in the window.
	Tokens int
}

// Chunker splits documents into overlapping windows of whitespace-delimited
// tokens. Successive windows advance by ChunkSize-Overlap tokens.
type Chunker struct {
	ChunkSize int
	Overlap   int
}

// NewChunker validates the window geometry.
func NewChunker(chunkSize, overlap int) (Chunker, error) {
	if chunkSize <= 0 {
		return Chunker{}, fmt.Errorf("chunk size must be > 0, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return Chunker{}, fmt.Errorf("overlap must be in [0, chunk size), got %d", overlap)
	}
	return Chunker{ChunkSize: chunkSize, Overlap: overlap}, nil
}

// tokenStarts returns the byte offset of every token start in text.
func tokenStarts(text string) []int {
	var starts []int
	inToken := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inToken = false
			continue
		}
		if !inToken {
			starts = append(starts, i)
			inToken = true
		}
	}
	return starts
}

// Split chunks text. The first chunk starts at byte 0 and the last ends at
// the final byte, so concatenating the chunks minus their overlap prefixes
// reproduces text exactly.
func (c Chunker) Split(docID, text string) []Chunk {
	if text == "" {
		return nil
	}
	starts := tokenStarts(text)
	n := len(starts)
	if n == 0 {
		// Whitespace-only document: a single chunk preserves it.
		return []Chunk{{DocID: docID, Text: text}}
	}

	// boundary maps a token index to the byte where that token begins; past
	// the last token it is the end of the document.
	boundary := func(i int) int {
		if i >= n {
			return len(text)
		}
		return starts[i]
	}

	stride := c.ChunkSize - c.Overlap
	var chunks []Chunk
	for k, idx := 0, 0; ; k, idx = k+1, idx+stride {
		end := idx + c.ChunkSize
		lo := boundary(idx)
		if k == 0 {
			lo = 0
		}
		hi := boundary(end)

		overlap := 0
		if k > 0 {
			prevEnd := (k-1)*stride + c.ChunkSize
			overlap = boundary(min(prevEnd, n)) - lo
		}

		chunks = append(chunks, Chunk{
			DocID:        docID,
			Index:        k,
			StartByte:    lo,
			Text:         text[lo:hi],
			OverlapBytes: overlap,
			Tokens:       min(end, n) - idx,
		})
		if end >= n {
			break
		}
	}
	return chunks
}

// Reassemble rebuilds the source document from its chunks by dropping each
// chunk's overlap prefix. Chunks must be complete and in order.
func Reassemble(chunks []Chunk) (string, error) {
	var b strings.Builder
	for i, ch := range chunks {
		if ch.Index != i {
			return "", fmt.Errorf("chunk %d out of order (index %d)", i, ch.Index)
		}
		if ch.OverlapBytes < 0 || ch.OverlapBytes > len(ch.Text) {
			return "", fmt.Errorf("chunk %d overlap %d exceeds text length %d", i, ch.OverlapBytes, len(ch.Text))
		}
		b.WriteString(ch.Text[ch.OverlapBytes:])
	}
	return b.String(), nil
}
