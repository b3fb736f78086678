package scorer

import "math"

// FrameSamples is the hop between posterior frames at 16kHz (20ms).
const FrameSamples = 320

// logFloor keeps log posteriors finite for zero probabilities.
const logFloor = 1e-8

// Align force-aligns labels over frames [from, to] of p and returns the mean
// log posterior of each label over the frames assigned to it.
//
// The alignment uses a CTC topology: filler frames (blank or delimiter) may
// precede, separate and follow the labels, and every label takes at least
// one frame. ok is false when the span holds fewer frames than labels.
func Align(p *Posteriors, vocab *Vocabulary, labels []int, from, to int) (means []float64, ok bool) {
	if p == nil || vocab == nil || len(labels) == 0 {
		return nil, false
	}
	from = max(from, 0)
	to = min(to, p.Frames-1)
	frames := to - from + 1
	if frames < len(labels) {
		return nil, false
	}

	// State 2j+1 is label j; even states are filler.
	states := 2*len(labels) + 1
	emit := func(t, s int) float64 {
		row := p.Row(from + t)
		if s%2 == 0 {
			fill := float64(row[vocab.Blank])
			if vocab.Delimiter >= 0 && vocab.Delimiter != vocab.Blank {
				fill += float64(row[vocab.Delimiter])
			}
			return math.Log(fill + logFloor)
		}
		return math.Log(float64(row[labels[s/2]]) + logFloor)
	}

	negInf := math.Inf(-1)
	score := make([]float64, states)
	next := make([]float64, states)
	back := make([][]int8, frames) // predecessor offset per frame and state
	for s := range score {
		score[s] = negInf
	}
	score[0] = emit(0, 0)
	score[1] = emit(0, 1)
	back[0] = make([]int8, states)

	for t := 1; t < frames; t++ {
		back[t] = make([]int8, states)
		for s := 0; s < states; s++ {
			best, step := score[s], int8(0)
			if s >= 1 && score[s-1] > best {
				best, step = score[s-1], 1
			}
			if s%2 == 1 && s >= 3 && score[s-2] > best {
				best, step = score[s-2], 2
			}
			if best == negInf {
				next[s] = negInf
				continue
			}
			next[s] = best + emit(t, s)
			back[t][s] = step
		}
		score, next = next, score
	}

	end := states - 1
	if score[states-2] > score[end] {
		end = states - 2
	}
	if score[end] == negInf {
		return nil, false
	}

	sums := make([]float64, len(labels))
	counts := make([]int, len(labels))
	s := end
	for t := frames - 1; t >= 0; t-- {
		if s%2 == 1 {
			j := s / 2
			sums[j] += math.Log(float64(p.At(from+t, labels[j])) + logFloor)
			counts[j]++
		}
		s -= int(back[t][s])
	}

	means = make([]float64, len(labels))
	for j := range labels {
		if counts[j] == 0 {
			return nil, false
		}
		means[j] = sums[j] / float64(counts[j])
	}
	return means, true
}

// GOP maps a mean log posterior to a goodness-of-pronunciation score on a
// 0-100 scale: the geometric-mean posterior of the label, in percent.
func GOP(meanLog float64) float64 {
	return math.Max(0, math.Min(100, 100*math.Exp(meanLog)))
}
