package transcript

// Finalize promotes a pending interim segment so trailing words survive stop
func (a *Assembler) Finalize() {
	if a.interim == nil {
		return
	}
	seg := a.interim.Clone()
	seg.IsFinal = true
	a.interim = nil
	if a.mode == ModeMultichannel {
		a.insertChronologically(seg)
	} else {
		a.appendFinal(seg)
	}
	a.knownSpeakers[seg.Speaker] = struct{}{}
}

// PostProcess runs the end-of-session passes in order: boundary correction,
// micro-segment absorption and, when a participant count is known,
// phantom-speaker consolidation.
func (a *Assembler) PostProcess() {
	a.CorrectSpeakerBoundaries()
	if a.expected > 0 {
		a.ConsolidateSpeakers(a.expected)
	}
}

// CorrectSpeakerBoundaries moves low-confidence trailing words to the next
// speaker's segment, then folds short low-confidence segments into their
// predecessor.
func (a *Assembler) CorrectSpeakerBoundaries() {
	if len(a.finalized) < 2 {
		return
	}

	moved := 0
	for i := 0; i < len(a.finalized)-1; i++ {
		cur, next := &a.finalized[i], &a.finalized[i+1]
		if cur.Speaker == next.Speaker || len(cur.Words) < 2 {
			continue
		}

		// The first word always stays
		keep := len(cur.Words)
		for keep > 1 && cur.Words[keep-1].SpeakerConfidence < a.cfg.BoundaryConfidence {
			keep--
		}
		if keep == len(cur.Words) {
			continue
		}

		tail := append([]Word(nil), cur.Words[keep:]...)
		for j := range tail {
			tail[j].Speaker = next.Speaker
		}
		cur.Words = cur.Words[:keep]
		next.Words = append(tail, next.Words...)
		cur.rebuild()
		next.rebuild()
		moved += len(tail)
	}

	before := len(a.finalized)
	merged := make([]Segment, 0, len(a.finalized))
	sealed := 0
	for i, seg := range a.finalized {
		if len(merged) > 0 && a.isMicroSegment(&seg) {
			merged[len(merged)-1].absorb(seg)
		} else {
			merged = append(merged, seg)
		}
		if i < a.sealed {
			sealed = len(merged)
		}
	}
	a.finalized = merged
	a.sealed = sealed
	a.rebuildKnownSpeakers()

	a.logger.Debug().
		Int("words_moved", moved).
		Int("segments_absorbed", before-len(merged)).
		Msg("Corrected speaker boundaries")
}

func (a *Assembler) isMicroSegment(seg *Segment) bool {
	return len(seg.Words) <= a.cfg.MicroSegmentMaxWords &&
		seg.AvgSpeakerConfidence() < a.cfg.MicroSegmentConfidence
}

// ConsolidateSpeakers folds segments from speaker ids at or above expected
// into the preceding segment, then collapses same-speaker neighbours. No
// segment is left with a speaker id of expected or more.
func (a *Assembler) ConsolidateSpeakers(expected int) {
	if expected <= 0 || len(a.finalized) == 0 {
		return
	}

	merged := make([]Segment, 0, len(a.finalized))
	sealed := 0
	for i, seg := range a.finalized {
		switch {
		case seg.Speaker < expected:
			merged = append(merged, seg)
		case len(merged) > 0:
			merged[len(merged)-1].absorb(seg)
		default:
			seg.setSpeaker(0)
			merged = append(merged, seg)
		}
		if i < a.sealed {
			sealed = len(merged)
		}
	}

	a.finalized, a.sealed = collapse(merged, sealed)
	a.rebuildKnownSpeakers()
}
