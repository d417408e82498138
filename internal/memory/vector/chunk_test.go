package vector

import (
	"strings"
	"testing"
)

func TestChunkText_Empty(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", "   \n\n\t  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chunkText(tt.input, 100, 20); len(got) != 0 {
				t.Errorf("got %d chunks, want 0", len(got))
			}
		})
	}
}

func TestChunkText_SingleParagraph(t *testing.T) {
	text := "Just one short paragraph."
	chunks := chunkText(text, 100, 20)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text = %q", chunks[0].Text)
	}
}

func TestChunkText_GreedyPacking(t *testing.T) {
	// Three paragraphs of ~40 chars; size 100 packs two per chunk.
	p := strings.Repeat("ab cd ", 7)
	text := p + "\n\n" + p + "\n\n" + p
	chunks := chunkText(text, 100, 10)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}

func TestChunkText_SpanContainsText(t *testing.T) {
	text := "First paragraph with some words.\n\nSecond paragraph here.\n\n" +
		strings.Repeat("Long sentence number one. ", 30)
	for _, c := range chunkText(text, 200, 40) {
		slice := text[c.Span.Start:c.Span.End]
		if !strings.Contains(slice, strings.TrimSpace(c.Text)) {
			t.Errorf("span [%d:%d) does not contain chunk text %q", c.Span.Start, c.Span.End, c.Text)
		}
	}
}

func TestChunkText_ForceSplitOversized(t *testing.T) {
	// One paragraph far beyond size*1.5 with sentence terminators.
	text := strings.Repeat("This is a sentence that keeps going. ", 40) // ~1480 chars
	chunks := chunkText(text, 300, 50)
	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want several from force-split", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if len(c.Text) > 300 {
			t.Errorf("chunk %d has %d chars, exceeds size", i, len(c.Text))
		}
	}
}

func TestChunkText_ForceSplitPrefersSentenceBoundary(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma delta. ", 40)
	chunks := chunkText(text, 200, 0)
	if len(chunks) < 2 {
		t.Fatal("expected multiple chunks")
	}
	if !strings.HasSuffix(chunks[0].Text, ".") {
		t.Errorf("first chunk should end at a sentence terminator, got %q", chunks[0].Text[len(chunks[0].Text)-10:])
	}
}

func TestChunkText_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 1000) // no terminators, newlines, or spaces
	chunks := chunkText(text, 200, 0)
	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want hard cuts at size", len(chunks))
	}
	if len(chunks[0].Text) != 200 {
		t.Errorf("first chunk len = %d, want 200", len(chunks[0].Text))
	}
}

func TestSplitPoint(t *testing.T) {
	tests := []struct {
		name string
		s    string
		size int
		want int
	}{
		{"short input", "abc", 100, 3},
		{"hard cut", strings.Repeat("x", 300), 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitPoint(tt.s, tt.size); got != tt.want {
				t.Errorf("splitPoint() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lowercases and splits", "Index Strategy, for POSTGRES!", []string{"index", "strategy", "postgres"}},
		{"drops short and stopwords", "a I in it to go", []string{"go"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	v := []float32{1, 2, 3}
	neg := []float32{-1, -2, -3}
	zero := []float32{0, 0, 0}

	if got := CosineSimilarity(v, v); got < 0.9999 || got > 1.0001 {
		t.Errorf("cos(v,v) = %v, want 1", got)
	}
	if got := CosineSimilarity(v, zero); got != 0 {
		t.Errorf("cos(v,0) = %v, want 0", got)
	}
	if got := CosineSimilarity(v, neg); got > -0.9999 {
		t.Errorf("cos(v,-v) = %v, want -1", got)
	}
	if got := CosineSimilarity(nil, v); got != 0 {
		t.Errorf("cos(nil,v) = %v, want 0", got)
	}
}
