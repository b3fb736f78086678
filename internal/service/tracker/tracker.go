// Package tracker advances a sentence's blocks through PENDING, ACTIVE and
// CONFIRMED as decoded acoustic evidence arrives.
package tracker

import (
	"math"
	"sync"

	"realtime-pronunciation-service/internal/service/scorer"
	"realtime-pronunciation-service/internal/service/sentence"
)

// Config controls matching and advancement.
type Config struct {
	// WindowSize bounds how far matching looks around the pointer:
	// WindowSize-1 blocks back and WindowSize-1 blocks ahead.
	WindowSize int
	// ActivateCoverage is the share of a block's labels that must be heard
	// before the block becomes ACTIVE.
	ActivateCoverage float64
	// ConfirmCoverage is the share required to CONFIRM a block.
	ConfirmCoverage float64
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       3,
		ActivateCoverage: 0.3,
		ConfirmCoverage:  0.6,
	}
}

// Evidence is one pass of acoustic evidence over the current audio window.
type Evidence struct {
	Tokens     []scorer.Token
	Posteriors *scorer.Posteriors
	// FirstFrame is the stream position of the window's first frame. Frame
	// positions stay comparable across passes as the window slides.
	FirstFrame int
}

// Update reports what a single Observe call changed.
type Update struct {
	Confirmed   []int // blocks newly confirmed in this pass
	Reconfirmed []int // already-confirmed blocks rescored over their frames
	Activated   int   // block newly activated, or -1
	Pointer     int
}

// span is a stream-absolute frame range, inclusive.
type span struct {
	from, to int
}

// Tracker owns the pointer to the next expected block. Thread-safe.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	model    *sentence.Model
	vocab    *scorer.Vocabulary
	expected [][]int
	pointer  int
	consumed int    // last stream frame credited to a confirmed block
	spans    []span // frames each confirmed block was scored over
}

// New creates a tracker for model, tokenizing every block with vocab.
func New(model *sentence.Model, vocab *scorer.Vocabulary, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ActivateCoverage <= 0 {
		cfg.ActivateCoverage = def.ActivateCoverage
	}
	if cfg.ConfirmCoverage <= 0 {
		cfg.ConfirmCoverage = def.ConfirmCoverage
	}

	blocks := model.Blocks()
	expected := make([][]int, len(blocks))
	spans := make([]span, len(blocks))
	for i, b := range blocks {
		expected[i] = vocab.Tokenize(b.Text)
		spans[i] = span{to: -1}
	}
	return &Tracker{
		cfg:      cfg,
		model:    model,
		vocab:    vocab,
		expected: expected,
		consumed: -1,
		spans:    spans,
	}
}

// Start positions the pointer at the first block and activates it.
// For an empty sentence the tracker starts done.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pointer = 0
	t.consumed = -1
	if t.model.Len() == 0 {
		return
	}
	t.advanceLocked()
	if t.pointer < t.model.Len() {
		_ = t.model.Activate(t.pointer)
	}
}

// Pointer returns the next expected block index, or the block count when done.
func (t *Tracker) Pointer() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pointer
}

// Done reports whether every block is confirmed.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pointer >= t.model.Len()
}

// Observe consumes one pass of evidence. Only tokens that start after the
// frames already credited to confirmed blocks count as new; blocks from the
// pointer forward are matched against them in order until one lacks
// sufficient evidence. Recently confirmed blocks whose frames are still in
// the window are rescored, keeping their best score.
func (t *Tracker) Observe(ev Evidence) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	up := Update{Activated: -1}
	n := t.model.Len()
	if t.pointer >= n {
		up.Pointer = t.pointer
		return up
	}

	lookback := t.cfg.WindowSize - 1
	for i := max(0, t.pointer-lookback); i < t.pointer; i++ {
		sp := t.spans[i]
		if !t.inWindow(ev, sp) {
			continue
		}
		score := t.score(ev, i, sp.from-ev.FirstFrame, sp.to-ev.FirstFrame)
		if err := t.model.Confirm(i, score); err == nil {
			up.Reconfirmed = append(up.Reconfirmed, i)
		}
	}

	cursor := 0
	for cursor < len(ev.Tokens) && ev.FirstFrame+ev.Tokens[cursor].StartFrame <= t.consumed {
		cursor++
	}

	limit := min(n-1, t.pointer+lookback)
	for i := t.pointer; i <= limit; i++ {
		m := bestMatch(t.expected[i], ev.Tokens, cursor)
		if m.coverage >= t.cfg.ConfirmCoverage {
			from, to := t.frames(ev, m)
			if err := t.model.Confirm(i, t.score(ev, i, from, to)); err != nil {
				break
			}
			t.spans[i] = span{from: ev.FirstFrame + from, to: ev.FirstFrame + to}
			t.consumed = ev.FirstFrame + ev.Tokens[m.end].EndFrame
			cursor = m.end + 1
			up.Confirmed = append(up.Confirmed, i)
			t.pointer = i + 1
			t.advanceLocked()
			if t.pointer > i+1 {
				i = t.pointer - 1
			}
			continue
		}
		if m.coverage >= t.cfg.ActivateCoverage {
			b, _ := t.model.Block(i)
			if b.Status == sentence.StatusPending {
				if err := t.model.Activate(i); err == nil {
					up.Activated = i
				}
			} else {
				_ = t.model.Touch(i)
			}
		}
		break
	}

	up.Pointer = t.pointer
	return up
}

// frames returns the window-relative frame range a match is scored over: from
// the end of the preceding token, or of the credited frames, to the start of
// the following token, or the end of the window.
func (t *Tracker) frames(ev Evidence, m match) (int, int) {
	from := 0
	if m.start > 0 {
		from = ev.Tokens[m.start-1].EndFrame + 1
	}
	from = max(from, t.consumed-ev.FirstFrame+1)

	to := ev.Tokens[m.end].EndFrame
	if ev.Posteriors != nil {
		to = ev.Posteriors.Frames - 1
	}
	if m.end+1 < len(ev.Tokens) {
		to = ev.Tokens[m.end+1].StartFrame - 1
	}
	return from, to
}

func (t *Tracker) inWindow(ev Evidence, sp span) bool {
	if ev.Posteriors == nil || sp.to < sp.from {
		return false
	}
	return sp.from >= ev.FirstFrame && sp.to < ev.FirstFrame+ev.Posteriors.Frames
}

// score force-aligns block i over window frames [from, to] and returns the
// sigmoid-weighted mean of its label GOP scores, rounded to one decimal.
func (t *Tracker) score(ev Evidence, i, from, to int) float64 {
	means, ok := scorer.Align(ev.Posteriors, t.vocab, t.expected[i], from, to)
	if !ok {
		return 0
	}
	scores := make([]float64, len(means))
	for j, lp := range means {
		scores[j] = scorer.GOP(lp)
	}
	return WeightedMean(scores)
}

// advanceLocked skips the pointer past blocks that are already confirmed.
func (t *Tracker) advanceLocked() {
	for t.pointer < t.model.Len() {
		b, _ := t.model.Block(t.pointer)
		if b.Status != sentence.StatusConfirmed {
			return
		}
		t.pointer++
	}
}

type match struct {
	coverage float64
	start    int // first evidence index of the span
	end      int // last evidence index needed for the LCS
}

// WeightedMean averages label scores with sigmoid weights so confident
// labels count more, rounded to one decimal.
func WeightedMean(scores []float64) float64 {
	var sum, weights float64
	for _, sc := range scores {
		w := Weight(sc)
		sum += w * sc
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return Round1(sum / weights)
}

// bestMatch finds the evidence span at or after cursor with the highest LCS
// coverage of expected. Earlier spans win ties.
func bestMatch(expected []int, evidence []scorer.Token, cursor int) match {
	best := match{start: cursor, end: cursor - 1}
	m := len(expected)
	if m == 0 {
		return best
	}
	for p := cursor; p < len(evidence); p++ {
		window := evidence[p:min(len(evidence), p+m+1)]
		lcs, used := lcsPrefix(expected, window)
		if lcs == 0 {
			continue
		}
		cov := float64(lcs) / float64(m)
		if cov > best.coverage {
			best = match{coverage: cov, start: p, end: p + used - 1}
		}
	}
	return best
}

// lcsPrefix returns the LCS length of expected against window and the
// shortest window prefix achieving it.
func lcsPrefix(expected []int, window []scorer.Token) (int, int) {
	m := len(expected)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	best, used := 0, 0
	for k := 1; k <= len(window); k++ {
		label := window[k-1].Label
		for j := 1; j <= m; j++ {
			switch {
			case expected[j-1] == label:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		if cur[m] > best {
			best, used = cur[m], k
		}
		prev, cur = cur, prev
	}
	return best, used
}

// Weight favors confident evidence: 0.5 plus a logistic centered on 50.
func Weight(score float64) float64 {
	return 0.5 + 1/(1+math.Exp(-0.2*(score-50)))
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
