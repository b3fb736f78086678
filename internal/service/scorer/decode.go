package scorer

// Token is one decoded label with its evidence span.
type Token struct {
	Label      int
	Confidence float64 // mean best-path posterior over the span
	StartFrame int
	EndFrame   int // inclusive
}

// Decode performs greedy CTC decoding. Frames whose best posterior falls below
// threshold carry no evidence and are skipped; blank and delimiter frames end
// the current run; repeated labels within a run collapse into one token.
// Unknown labels are dropped.
func Decode(p *Posteriors, vocab *Vocabulary, threshold float64) []Token {
	if p == nil || vocab == nil || p.Labels == 0 {
		return nil
	}

	var (
		tokens []Token
		cur    *Token
		sum    float64
		count  int
	)

	flush := func() {
		if cur != nil {
			cur.Confidence = sum / float64(count)
			tokens = append(tokens, *cur)
			cur = nil
		}
	}

	for t := 0; t < p.Frames; t++ {
		best, prob := argmax(p.Row(t))
		if float64(prob) < threshold {
			continue
		}
		if best == vocab.Blank || best == vocab.Delimiter {
			flush()
			continue
		}
		if cur != nil && cur.Label == best {
			cur.EndFrame = t
			sum += float64(prob)
			count++
			continue
		}
		flush()
		if best == vocab.Unknown {
			continue
		}
		cur = &Token{Label: best, StartFrame: t, EndFrame: t}
		sum = float64(prob)
		count = 1
	}
	flush()
	return tokens
}

// Labels returns the label ids of a token sequence.
func Labels(tokens []Token) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.Label
	}
	return ids
}

func argmax(row []float32) (int, float32) {
	best, prob := 0, row[0]
	for i := 1; i < len(row); i++ {
		if row[i] > prob {
			best, prob = i, row[i]
		}
	}
	return best, prob
}
