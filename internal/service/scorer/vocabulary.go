package scorer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Special tokens as written by wav2vec2 CTC tokenizers.
const (
	BlankToken     = "<pad>"
	UnknownToken   = "<unk>"
	DelimiterToken = "|"
)

// Vocabulary maps labels to posterior columns.
type Vocabulary struct {
	labels    []string
	index     map[string]int
	Blank     int
	Unknown   int
	Delimiter int
}

// NewVocabulary builds a vocabulary from labels ordered by column index.
// The blank token is required; unknown and delimiter are optional (-1 if absent).
func NewVocabulary(labels []string) (*Vocabulary, error) {
	v := &Vocabulary{
		labels:    append([]string(nil), labels...),
		index:     make(map[string]int, len(labels)),
		Blank:     -1,
		Unknown:   -1,
		Delimiter: -1,
	}
	for i, l := range labels {
		if _, dup := v.index[l]; dup {
			return nil, fmt.Errorf("duplicate label %q", l)
		}
		v.index[l] = i
		switch l {
		case BlankToken:
			v.Blank = i
		case UnknownToken:
			v.Unknown = i
		case DelimiterToken:
			v.Delimiter = i
		}
	}
	if v.Blank < 0 {
		return nil, fmt.Errorf("vocabulary has no blank token %q", BlankToken)
	}
	return v, nil
}

// LoadVocabulary reads a HuggingFace vocab.json ({"label": id, ...}).
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var ids map[string]int
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}

	type entry struct {
		label string
		id    int
	}
	entries := make([]entry, 0, len(ids))
	for l, id := range ids {
		entries = append(entries, entry{l, id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	labels := make([]string, len(entries))
	for i, e := range entries {
		if e.id != i {
			return nil, fmt.Errorf("vocabulary ids are not contiguous at %d (label %q)", i, e.label)
		}
		labels[i] = e.label
	}
	return NewVocabulary(labels)
}

// Size returns the number of labels.
func (v *Vocabulary) Size() int {
	return len(v.labels)
}

// Label returns the label text for an id.
func (v *Vocabulary) Label(id int) string {
	if id < 0 || id >= len(v.labels) {
		return ""
	}
	return v.labels[id]
}

// ID returns the id for a label, or the unknown id.
func (v *Vocabulary) ID(label string) int {
	if id, ok := v.index[label]; ok {
		return id
	}
	return v.Unknown
}

// Tokenize maps text to its expected label sequence, one label per rune.
// Whitespace maps to nothing; runes outside the vocabulary map to Unknown.
func (v *Vocabulary) Tokenize(text string) []int {
	var ids []int
	for _, r := range strings.ToLower(text) {
		if r == ' ' || r == '\t' || r == '\n' {
			continue
		}
		ids = append(ids, v.ID(string(r)))
	}
	return ids
}

// IsSpecial reports whether id is blank, delimiter or unknown.
func (v *Vocabulary) IsSpecial(id int) bool {
	return id == v.Blank || id == v.Delimiter || id == v.Unknown
}
