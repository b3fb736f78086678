package tracker

import (
	"reflect"
	"testing"

	"realtime-pronunciation-service/internal/service/scorer"
	"realtime-pronunciation-service/internal/service/sentence"
)

func testVocab(t *testing.T) *scorer.Vocabulary {
	t.Helper()
	labels := []string{scorer.BlankToken, scorer.UnknownToken, scorer.DelimiterToken}
	for _, r := range "abcdefghijklmnopqrstuvwxyz안녕하세요" {
		labels = append(labels, string(r))
	}
	v, err := scorer.NewVocabulary(labels)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// heard turns text into a window where each label takes one frame at the
// given posterior, followed by one blank frame.
func heard(v *scorer.Vocabulary, text string, confidence float64) Evidence {
	labels := v.Tokenize(text)
	p := scorer.NewPosteriors(2*len(labels), v.Size())
	var tokens []scorer.Token
	for i, id := range labels {
		p.Set(2*i, id, float32(confidence))
		p.Set(2*i, v.Blank, float32(1-confidence))
		p.Set(2*i+1, v.Blank, 1)
		tokens = append(tokens, scorer.Token{Label: id, Confidence: confidence, StartFrame: 2 * i, EndFrame: 2 * i})
	}
	return Evidence{Tokens: tokens, Posteriors: p}
}

func statuses(m *sentence.Model) []sentence.Status {
	var out []sentence.Status
	for _, b := range m.Blocks() {
		out = append(out, b.Status)
	}
	return out
}

func TestTracker_Start(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("abc def")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	if i, ok := m.ActiveBlockIndex(); !ok || i != 0 {
		t.Errorf("expected block 0 active, got %d %v", i, ok)
	}
	if tr.Pointer() != 0 || tr.Done() {
		t.Errorf("unexpected pointer %d done %v", tr.Pointer(), tr.Done())
	}
}

func TestTracker_Start_EmptySentence(t *testing.T) {
	tr := New(sentence.New(""), testVocab(t), DefaultConfig())
	tr.Start()

	if !tr.Done() {
		t.Error("expected empty sentence to be done")
	}
	up := tr.Observe(heard(testVocab(t), "abc", 0.9))
	if len(up.Confirmed) != 0 {
		t.Errorf("expected no confirmations, got %v", up.Confirmed)
	}
}

func TestTracker_Observe_ConfirmsInOrder(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("안녕 하세요")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	up := tr.Observe(heard(v, "안녕", 0.9))
	if !reflect.DeepEqual(up.Confirmed, []int{0}) {
		t.Fatalf("expected block 0 confirmed, got %v", up.Confirmed)
	}
	want := []sentence.Status{sentence.StatusConfirmed, sentence.StatusPending}
	if got := statuses(m); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if tr.Pointer() != 1 {
		t.Errorf("expected pointer 1, got %d", tr.Pointer())
	}

	up = tr.Observe(heard(v, "안녕하세요", 0.9))
	if !reflect.DeepEqual(up.Reconfirmed, []int{0}) {
		t.Errorf("expected block 0 reconfirmed, got %v", up.Reconfirmed)
	}
	if !reflect.DeepEqual(up.Confirmed, []int{1}) {
		t.Errorf("expected block 1 confirmed, got %v", up.Confirmed)
	}
	if !tr.Done() || !m.AllConfirmed() {
		t.Error("expected all blocks confirmed")
	}
	if tr.Pointer() != 2 {
		t.Errorf("expected pointer 2, got %d", tr.Pointer())
	}
}

func TestTracker_Observe_PartialEvidenceActivates(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("abc defghij")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	tr.Observe(heard(v, "abc", 0.9))
	up := tr.Observe(heard(v, "abcdef", 0.9)) // 3/7 of the second block

	if up.Activated != 1 {
		t.Errorf("expected block 1 activated, got %d", up.Activated)
	}
	b, _ := m.Block(1)
	if b.Status != sentence.StatusActive {
		t.Errorf("expected ACTIVE, got %v", b.Status)
	}
	if tr.Pointer() != 1 {
		t.Errorf("expected pointer to stay at 1, got %d", tr.Pointer())
	}
}

func TestTracker_Observe_NoSkipping(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("abc def ghi")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	// Only the third block is heard; the first must be confirmed first.
	up := tr.Observe(heard(v, "ghi", 0.9))

	if len(up.Confirmed) != 0 {
		t.Errorf("expected no confirmations, got %v", up.Confirmed)
	}
	want := []sentence.Status{sentence.StatusActive, sentence.StatusPending, sentence.StatusPending}
	if got := statuses(m); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTracker_Observe_LookaheadBounded(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab cd ef gh")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	// With window size 3 a single pass reaches at most pointer+2.
	up := tr.Observe(heard(v, "abcdefgh", 0.9))

	if !reflect.DeepEqual(up.Confirmed, []int{0, 1, 2}) {
		t.Errorf("expected blocks 0-2 confirmed, got %v", up.Confirmed)
	}
	if tr.Pointer() != 3 {
		t.Errorf("expected pointer 3, got %d", tr.Pointer())
	}

	up = tr.Observe(heard(v, "abcdefgh", 0.9))
	if !reflect.DeepEqual(up.Confirmed, []int{3}) {
		t.Errorf("expected block 3 confirmed on next pass, got %v", up.Confirmed)
	}
	if !reflect.DeepEqual(up.Reconfirmed, []int{1, 2}) {
		t.Errorf("expected lookback over blocks 1-2, got %v", up.Reconfirmed)
	}
}

func TestTracker_Observe_EarlierBlockWinsSharedEvidence(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab ab")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	up := tr.Observe(heard(v, "ab", 0.9))

	if !reflect.DeepEqual(up.Confirmed, []int{0}) {
		t.Errorf("expected only block 0 confirmed, got %v", up.Confirmed)
	}
	if tr.Pointer() != 1 {
		t.Errorf("expected pointer 1, got %d", tr.Pointer())
	}
}

func TestTracker_Observe_UnrelatedEvidenceDiscarded(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("abc")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	up := tr.Observe(heard(v, "xyzxyz", 0.9))
	if len(up.Confirmed) != 0 || up.Activated != -1 {
		t.Errorf("expected no change, got %+v", up)
	}
}

func TestTracker_Observe_InsertionsTolerated(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("abcde")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	// One inserted and one missing label still covers 4/5.
	up := tr.Observe(heard(v, "abxcd", 0.9))
	if !reflect.DeepEqual(up.Confirmed, []int{0}) {
		t.Fatalf("expected block confirmed, got %v", up.Confirmed)
	}
	// The missing "e" is forced onto a frame where it has no posterior.
	b, _ := m.Block(0)
	if want := WeightedMean([]float64{90, 90, 90, 90, 0}); b.Score != want {
		t.Errorf("expected score %v, got %v", want, b.Score)
	}
}

func TestTracker_Observe_RepeatedWordsNeedNewEvidence(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab ab ab ab")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	tr.Observe(heard(v, "ab", 0.9))
	tr.Observe(heard(v, "abab", 0.9))
	tr.Observe(heard(v, "ababab", 0.9))
	if tr.Pointer() != 3 {
		t.Fatalf("expected pointer 3, got %d", tr.Pointer())
	}

	// The same window again holds no new speech for the last block.
	up := tr.Observe(heard(v, "ababab", 0.9))
	if len(up.Confirmed) != 0 || tr.Pointer() != 3 {
		t.Errorf("expected no advance, got confirmed %v pointer %d", up.Confirmed, tr.Pointer())
	}
	b, _ := m.Block(3)
	if b.Status == sentence.StatusConfirmed {
		t.Error("expected last block unconfirmed")
	}

	up = tr.Observe(heard(v, "abababab", 0.9))
	if !reflect.DeepEqual(up.Confirmed, []int{3}) {
		t.Errorf("expected block 3 confirmed by new speech, got %v", up.Confirmed)
	}
}

func TestTracker_Observe_WindowSlide(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab ab ab")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	tr.Observe(heard(v, "ab", 0.9))

	// The window has dropped the first block's four frames; both "ab" spans
	// left in it are new speech.
	ev := heard(v, "abab", 0.9)
	ev.FirstFrame = 4
	up := tr.Observe(ev)

	if !reflect.DeepEqual(up.Confirmed, []int{1, 2}) {
		t.Errorf("expected blocks 1-2 confirmed, got %v", up.Confirmed)
	}
	if len(up.Reconfirmed) != 0 {
		t.Errorf("expected no rescoring once block 0 left the window, got %v", up.Reconfirmed)
	}
	if !tr.Done() {
		t.Error("expected all blocks confirmed")
	}
}

func TestTracker_Observe_ScoreMonotonicMax(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab cd")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	tr.Observe(heard(v, "ab", 0.9))
	tr.Observe(heard(v, "ab", 0.6))

	b, _ := m.Block(0)
	if b.Score != 90 {
		t.Errorf("expected score to stay 90, got %v", b.Score)
	}
}

func TestTracker_Observe_ScoresByAlignment(t *testing.T) {
	v := testVocab(t)
	m := sentence.New("ab")
	tr := New(m, v, DefaultConfig())
	tr.Start()

	ev := heard(v, "ab", 0.9)
	// "b" decodes but only at 0.5 posterior.
	ev.Posteriors.Set(2, ev.Tokens[1].Label, 0.5)
	ev.Posteriors.Set(2, v.Blank, 0.5)
	tr.Observe(ev)

	b, _ := m.Block(0)
	if want := WeightedMean([]float64{90, 50}); b.Score != want {
		t.Errorf("expected %v, got %v", want, b.Score)
	}
}

func TestWeightedMean(t *testing.T) {
	w90, w50 := Weight(90), Weight(50)
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"uniform", []float64{90, 90}, 90},
		{"mixed", []float64{90, 50}, Round1((w90*90 + w50*50) / (w90 + w50))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeightedMean(tt.scores); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWeight(t *testing.T) {
	if w := Weight(50); w != 1 {
		t.Errorf("expected weight 1 at 50, got %v", w)
	}
	if Weight(90) <= Weight(10) {
		t.Error("expected confident scores to weigh more")
	}
}

func TestRound1(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{72.04, 72.0},
		{72.06, 72.1},
		{0, 0},
		{99.99, 100},
	}
	for _, tt := range tests {
		if got := Round1(tt.in); got != tt.want {
			t.Errorf("Round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
