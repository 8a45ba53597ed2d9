package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// MaxMerges is the number of ranked merges read from a merge file. Lines past
// it are ignored.
const MaxMerges = 48894

const endOfWord = "</w>"

// glyphs maps each byte to a printable rune. Visible ASCII and Latin-1 bytes
// map to themselves, everything else to 256+n in byte order.
var glyphs, bytesOf = func() ([256]rune, map[rune]byte) {
	var table [256]rune
	inverse := make(map[rune]byte, 256)

	n := 0
	for b := range 256 {
		switch {
		case b >= '!' && b <= '~', b >= 0xa1 && b <= 0xac, b >= 0xae && b <= 0xff:
			table[b] = rune(b)
		default:
			table[b] = rune(256 + n)
			n++
		}
		inverse[table[b]] = byte(b)
	}

	return table, inverse
}()

// Vocabulary holds the positional symbol table: byte glyphs in code point
// order, the same glyphs with the end-of-word marker, then every merge in rank
// order with its separating space removed.
type Vocabulary struct {
	Values []string
	Merges []string

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int
}

func NewVocabulary(merges []string) *Vocabulary {
	values := make([]string, 0, 512+len(merges))
	for _, g := range sortedGlyphs() {
		values = append(values, string(g))
	}

	for _, g := range sortedGlyphs() {
		values = append(values, string(g)+endOfWord)
	}

	for _, m := range merges {
		values = append(values, strings.Replace(m, " ", "", 1))
	}

	return &Vocabulary{Values: values, Merges: merges}
}

func sortedGlyphs() []rune {
	// identity glyphs first, then the remapped ones
	s := make([]rune, 0, 256)
	for b := range 256 {
		if glyphs[b] < 256 {
			s = append(s, glyphs[b])
		}
	}

	for b := range 256 {
		if glyphs[b] >= 256 {
			s = append(s, glyphs[b])
		}
	}
	return s
}

// Encode returns the id of s or -1. When a symbol appears more than once the
// last position wins.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of the pair or -1 if the pair is not mergeable.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = i
		}
	})

	if rank, ok := v.merge[left+" "+right]; ok {
		return rank
	}

	return -1
}

// BOS is the start-of-text id, immediately after the vocabulary.
func (v *Vocabulary) BOS() int32 {
	return int32(len(v.Values))
}

// EOS is the end-of-text id, also used for padding.
func (v *Vocabulary) EOS() int32 {
	return int32(len(v.Values) + 1)
}

// Size counts the vocabulary plus the two special ids.
func (v *Vocabulary) Size() int {
	return len(v.Values) + 2
}

// FormatError reports a malformed merge file line.
type FormatError struct {
	Line int
	Text string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("merge file line %d: want two symbols, got %q", e.Line, e.Text)
}

// ReadMerges parses a merge file. The first line is a version header.
func ReadMerges(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)

	var merges []string
	var header bool
	line := 0
	for scanner.Scan() && len(merges) < MaxMerges {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}

		if !header {
			header = true
			continue
		}

		if fields := strings.Split(text, " "); len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return nil, &FormatError{Line: line, Text: text}
		}

		merges = append(merges, text)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !header {
		return nil, fmt.Errorf("merge file is empty")
	}

	return merges, nil
}

func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	merges, err := ReadMerges(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return NewVocabulary(merges), nil
}
