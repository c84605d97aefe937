package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/choraleia/concierge/pkg/utils"
)

// ChunkerConfig bounds the size of knowledge chunks.
type ChunkerConfig struct {
	MaxTokens     int `yaml:"max_tokens"`     // target upper bound per chunk
	OverlapTokens int `yaml:"overlap_tokens"` // tail of the previous chunk repeated at the start of the next
}

func DefaultChunkerConfig() *ChunkerConfig {
	return &ChunkerConfig{
		MaxTokens:     200,
		OverlapTokens: 20,
	}
}

// normalizeText collapses runs of blank lines and trims trailing spaces so the
// same source text always hashes and chunks identically.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// splitChunks splits normalized text on paragraph boundaries into chunks of at
// most cfg.MaxTokens estimated tokens. Paragraphs longer than the limit are cut
// on word boundaries. Each chunk after the first starts with the last
// OverlapTokens worth of words from its predecessor.
func splitChunks(text string, cfg *ChunkerConfig) []string {
	if cfg == nil {
		cfg = DefaultChunkerConfig()
	}
	text = normalizeText(text)
	if text == "" {
		return nil
	}
	maxChars := cfg.MaxTokens * 4
	if maxChars <= 0 {
		return []string{text}
	}

	var pieces []string
	for _, para := range strings.Split(text, "\n\n") {
		if len(para) <= maxChars {
			pieces = append(pieces, para)
			continue
		}
		pieces = append(pieces, splitWords(para, maxChars)...)
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+2+len(p) > maxChars {
			prev := cur.String()
			flush()
			if tail := overlapTail(prev, cfg.OverlapTokens*4); tail != "" && len(tail)+2+len(p) <= maxChars {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}

func splitWords(para string, maxChars int) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(para) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// overlapTail returns whole trailing words of s totalling at most maxChars.
func overlapTail(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	words := strings.Fields(s)
	n := 0
	i := len(words)
	for i > 0 {
		l := len(words[i-1]) + 1
		if n+l > maxChars {
			break
		}
		n += l
		i--
	}
	return strings.Join(words[i:], " ")
}

func contentHash(title, content string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

func chunkTokens(chunks []string) int {
	total := 0
	for _, c := range chunks {
		total += utils.EstimateTokens(c)
	}
	return total
}
