// Package tokenizer implements the CLIP byte-pair encoder used for text
// guidance.
package tokenizer

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/jmorganca/stagediff/logutil"
)

const (
	// ContextLength is the number of ids produced for every prompt.
	ContextLength = 77

	// MaxContent is the number of content ids kept between the start and end ids.
	MaxContent = ContextLength - 2

	maxRounds = 8192
)

const pattern = `'s|'t|'re|'ve|'m|'ll|'d|[^\s]+`

type CLIP struct {
	vocab *Vocabulary
	re    *regexp2.Regexp
}

func NewCLIP(vocab *Vocabulary) *CLIP {
	return &CLIP{
		vocab: vocab,
		re:    regexp2.MustCompile(pattern, regexp2.IgnoreCase),
	}
}

// Open loads a merge file from disk.
func Open(path string) (*CLIP, error) {
	vocab, err := LoadVocabulary(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("loaded vocabulary", "path", path, "merges", len(vocab.Merges), "size", vocab.Size())
	return NewCLIP(vocab), nil
}

func (c *CLIP) Vocabulary() *Vocabulary {
	return c.vocab
}

func clean(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (c *CLIP) split(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for m, _ := c.re.FindStringMatch(s); m != nil; m, _ = c.re.FindNextMatch(m) {
			if !yield(m.String()) {
				return
			}
		}
	}
}

// Encode returns exactly ContextLength ids: the start id, up to MaxContent
// content ids, then end ids. dropped counts content ids lost to truncation.
func (c *CLIP) Encode(s string) (ids []int32, dropped int, err error) {
	var content []int32
	for word := range c.split(clean(s)) {
		symbols, err := c.merge(c.symbols(word))
		if err != nil {
			return nil, 0, fmt.Errorf("encode %q: %w", word, err)
		}

		for _, symbol := range symbols {
			id := c.vocab.Encode(symbol)
			if id < 0 {
				return nil, 0, fmt.Errorf("encode %q: symbol %q not in vocabulary", word, symbol)
			}
			content = append(content, id)
		}
	}

	dropped = max(0, len(content)-MaxContent)
	content = content[:min(len(content), MaxContent)]

	ids = make([]int32, 0, ContextLength)
	ids = append(ids, c.vocab.BOS())
	ids = append(ids, content...)
	for len(ids) < ContextLength {
		ids = append(ids, c.vocab.EOS())
	}

	logutil.Trace("encoded", "string", s, "ids", ids, "dropped", dropped)
	return ids, dropped, nil
}

// symbols maps a fragment's bytes to glyphs and marks the end of the word.
func (c *CLIP) symbols(word string) []string {
	symbols := make([]string, len(word))
	for i := range len(word) {
		symbols[i] = string(glyphs[word[i]])
	}

	if len(symbols) > 0 {
		symbols[len(symbols)-1] += endOfWord
	}
	return symbols
}

type candidate struct {
	rank, pos int
}

// lowest finds the adjacent pair with the smallest rank, preferring the
// leftmost occurrence.
func (c *CLIP) lowest(symbols []string) (left, right string, ok bool) {
	pairs := heap.NewWith(func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.rank, b.rank), cmp.Compare(a.pos, b.pos))
	})

	for i := range len(symbols) - 1 {
		if rank := c.vocab.Merge(symbols[i], symbols[i+1]); rank >= 0 {
			pairs.Push(candidate{rank: rank, pos: i})
		}
	}

	best, ok := pairs.Pop()
	if !ok {
		return "", "", false
	}

	return symbols[best.pos], symbols[best.pos+1], true
}

// step applies one merge round: every non-overlapping occurrence of the
// lowest ranked pair is merged, scanning left to right.
func (c *CLIP) step(symbols []string) ([]string, bool) {
	left, right, ok := c.lowest(symbols)
	if !ok {
		return symbols, false
	}

	merged := make([]string, 0, len(symbols))
	for i := 0; i < len(symbols); i++ {
		if i+1 < len(symbols) && symbols[i] == left && symbols[i+1] == right {
			merged = append(merged, left+right)
			i++
			continue
		}
		merged = append(merged, symbols[i])
	}

	return merged, true
}

func (c *CLIP) merge(symbols []string) ([]string, error) {
	for round := 0; len(symbols) > 1; round++ {
		if round >= maxRounds {
			return nil, fmt.Errorf("merge did not converge after %d rounds", maxRounds)
		}

		var ok bool
		if symbols, ok = c.step(symbols); !ok {
			break
		}
	}

	return symbols, nil
}

// Decode reverses Encode, dropping the start and end ids.
func (c *CLIP) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == c.vocab.BOS() || id == c.vocab.EOS() {
			continue
		}

		value := c.vocab.Decode(id)
		word, eow := strings.CutSuffix(value, endOfWord)
		for _, r := range word {
			if b, ok := bytesOf[r]; ok {
				sb.WriteByte(b)
			}
		}

		if eow {
			sb.WriteByte(' ')
		}
	}

	return strings.TrimSpace(sb.String())
}

// Tokens returns the symbols of ids, for inspection.
func (c *CLIP) Tokens(ids []int32) []string {
	s := make([]string, len(ids))
	for i, id := range ids {
		switch id {
		case c.vocab.BOS():
			s[i] = "<|startoftext|>"
		case c.vocab.EOS():
			s[i] = "<|endoftext|>"
		default:
			s[i] = c.vocab.Decode(id)
		}
	}
	return s
}
