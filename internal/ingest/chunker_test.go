package ingest

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkTextShortInputIsOneChunk(t *testing.T) {
	chunks := ChunkText("A single short paragraph.", ChunkOptions{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "A single short paragraph." {
		t.Fatalf("unexpected chunk text %q", chunks[0].Text)
	}
	if chunks[0].Index != 0 {
		t.Fatalf("expected index 0, got %d", chunks[0].Index)
	}
}

func TestChunkTextEmptyInput(t *testing.T) {
	if got := ChunkText("", ChunkOptions{}); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
	if got := ChunkText("   \n\t ", ChunkOptions{}); len(got) != 0 {
		t.Fatalf("expected no chunks for whitespace, got %d", len(got))
	}
}

func TestChunkTextBreaksOnSentenceTerminator(t *testing.T) {
	// Sentences of 40 runes each; with a 100-rune window every cut
	// should land just after a period, not mid-sentence.
	sentence := strings.Repeat("x", 38) + ". "
	text := strings.Repeat(sentence, 20)

	chunks := ChunkText(text, ChunkOptions{MaxChars: 100, Overlap: 20})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c.Text, ".") {
			t.Fatalf("chunk %d does not end on a sentence boundary: %q", i, c.Text[len(c.Text)-10:])
		}
	}
}

func TestChunkTextHardCutWithoutTerminator(t *testing.T) {
	text := strings.Repeat("a", 3000)
	chunks := ChunkText(text, ChunkOptions{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if got := len([]rune(chunks[0].Text)); got != defaultChunkSize {
		t.Fatalf("expected a hard cut at %d runes, got %d", defaultChunkSize, got)
	}
}

func TestChunkTextOverlapCarriesTail(t *testing.T) {
	// Position-encoded digits make every window distinct, so the
	// prefix check below can only pass when the second window really
	// starts defaultChunkOverlap runes before the first window's end.
	var b strings.Builder
	for i := 0; b.Len() < 2000; i++ {
		fmt.Fprintf(&b, "%05d", i)
	}
	text := b.String()[:2000]

	chunks := ChunkText(text, ChunkOptions{})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	tail := chunks[0].Text[len(chunks[0].Text)-defaultChunkOverlap:]
	if !strings.HasPrefix(chunks[1].Text, tail) {
		t.Fatalf("second chunk does not start with the overlap tail")
	}
}

func TestChunkTextMultibyteSafe(t *testing.T) {
	text := strings.Repeat("éèêë ", 800)
	chunks := ChunkText(text, ChunkOptions{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if strings.ContainsRune(c.Text, '�') {
			t.Fatalf("chunk %d contains a replacement rune", i)
		}
	}
}

func TestChunkPagesTracksPageSpan(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: strings.Repeat("one ", 200)},
		{Number: 2, Text: strings.Repeat("two ", 200)},
		{Number: 3, Text: strings.Repeat("three ", 200)},
	}
	chunks := ChunkPages(pages, ChunkOptions{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].PageStart != 1 {
		t.Fatalf("first chunk should start on page 1, got %d", chunks[0].PageStart)
	}
	last := chunks[len(chunks)-1]
	if last.PageEnd != 3 {
		t.Fatalf("last chunk should end on page 3, got %d", last.PageEnd)
	}
	crossed := false
	for _, c := range chunks {
		if c.PageEnd < c.PageStart {
			t.Fatalf("inverted page span %d..%d", c.PageStart, c.PageEnd)
		}
		if c.PageEnd > c.PageStart {
			crossed = true
		}
	}
	if !crossed {
		t.Fatalf("expected at least one chunk to span a page boundary")
	}
}

func TestChunkPagesSkipsEmptyPages(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "  "},
		{Number: 2, Text: "Real content on page two."},
	}
	chunks := ChunkPages(pages, ChunkOptions{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].PageStart != 2 || chunks[0].PageEnd != 2 {
		t.Fatalf("expected page span 2..2, got %d..%d", chunks[0].PageStart, chunks[0].PageEnd)
	}
}
