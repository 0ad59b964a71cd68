// Package transcript assembles word-level recognition results from two audio
// channels into one ordered, speaker-stable transcript.
package transcript

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/stt"
)

const (
	primaryChannel   = 0
	secondaryChannel = 1
	selfSpeaker      = 0
)

// Change describes one finalized segment touched by a result
type Change struct {
	Index   int
	Segment Segment
	// Merged is set when the segment at Index was extended rather than a new
	// segment inserted there
	Merged bool
}

// Update is the outcome of adding one result
type Update struct {
	Changes []Change
	Interim *Segment
	Mode    ChannelMode
	// ModeChanged is set when this result switched the channel mode. A switch
	// to multichannel relabels every earlier segment, so consumers should
	// re-read Segments.
	ModeChanged bool
}

// Assembler turns utterance results into transcript segments. It is owned by
// a single goroutine and is not safe for concurrent use.
type Assembler struct {
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger

	finalized     []Segment
	interim       *Segment
	mode          ChannelMode
	primaryStreak int
	activeSpeaker int
	hasActive     bool
	expected      int
	timeOffset    float64
	knownSpeakers map[int]struct{}
	// sealed segments came from a restored session and are never extended
	sealed int
}

// NewAssembler creates an assembler in detecting mode. metrics may be nil.
func NewAssembler(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Assembler {
	if cfg.DetectionThreshold <= 0 {
		cfg.DetectionThreshold = DefaultConfig().DetectionThreshold
	}
	return &Assembler{
		cfg:           cfg,
		metrics:       metrics,
		logger:        observability.WithComponent(logger, "assembler"),
		mode:          ModeDetecting,
		knownSpeakers: make(map[int]struct{}),
	}
}

// Mode returns the current channel mode
func (a *Assembler) Mode() ChannelMode {
	return a.mode
}

// SetSecondaryAvailable reports whether the secondary (system audio) source
// is usable. A confirmed-unavailable source ends detection immediately.
func (a *Assembler) SetSecondaryAvailable(available bool) {
	if available || a.mode != ModeDetecting {
		return
	}
	a.setMode(ModeDiarization, "secondary source unavailable")
}

// SetExpectedSpeakers sets the participant count hint; 0 clears it. Segments
// already finalized are normalized to the new bound.
func (a *Assembler) SetExpectedSpeakers(n int) {
	if n < 0 {
		n = 0
	}
	a.expected = n
	if n == 0 || len(a.finalized) == 0 {
		return
	}

	lastInRange := -1
	for i := range a.finalized {
		seg := &a.finalized[i]
		if seg.Speaker < n {
			lastInRange = seg.Speaker
			continue
		}
		if lastInRange >= 0 {
			seg.setSpeaker(lastInRange)
		} else {
			seg.setSpeaker(n - 1)
		}
	}
	a.finalized, a.sealed = collapse(a.finalized, a.sealed)
	a.rebuildKnownSpeakers()
}

// ExpectedSpeakers returns the participant count hint, 0 when unknown
func (a *Assembler) ExpectedSpeakers() int {
	return a.expected
}

// AddResult folds one utterance result into the transcript
func (a *Assembler) AddResult(u *stt.Utterance) Update {
	if u == nil || strings.TrimSpace(u.Transcript) == "" {
		return Update{Mode: a.mode}
	}

	update := Update{}
	if u.IsFinal {
		update.ModeChanged = a.detect(u)
		a.logger.Debug().
			Int("channel", u.Channel).
			Str("mode", a.mode.String()).
			Int("words", len(u.Words)).
			Msg("Final result")
	}
	update.Mode = a.mode

	segments := a.group(u)

	if !u.IsFinal {
		if len(segments) > 0 {
			interim := segments[len(segments)-1]
			interim.setSpeaker(a.normalize(interim.Speaker))
			interim.IsFinal = false
			a.interim = &interim
			a.knownSpeakers[interim.Speaker] = struct{}{}
			copied := interim.Clone()
			update.Interim = &copied
		}
		return update
	}

	for _, seg := range segments {
		if a.mode != ModeMultichannel {
			a.stabilize(&seg)
		}
		seg.setSpeaker(a.normalize(seg.Speaker))
		seg.IsFinal = true

		var change Change
		if a.mode == ModeMultichannel {
			change = a.insertChronologically(seg)
		} else {
			change = a.appendFinal(seg)
		}
		update.Changes = append(update.Changes, change)

		a.activeSpeaker = seg.Speaker
		a.hasActive = true
		a.knownSpeakers[seg.Speaker] = struct{}{}
		if a.metrics != nil {
			a.metrics.RecordSegmentFinalized()
		}
	}
	a.interim = nil

	return update
}

// detect advances channel-mode detection for a final result and reports
// whether the mode changed
func (a *Assembler) detect(u *stt.Utterance) bool {
	if a.mode != ModeDetecting {
		return false
	}

	if u.Channel == secondaryChannel {
		a.enterMultichannel()
		return true
	}

	if u.Channel == primaryChannel {
		a.primaryStreak++
		if a.primaryStreak >= a.cfg.DetectionThreshold {
			a.setMode(ModeDiarization, "no secondary speech")
			return true
		}
	}
	return false
}

// enterMultichannel switches mode and relabels everything accumulated in this
// session, which can only have come from the primary channel, as self.
// Restored segments keep their speakers.
func (a *Assembler) enterMultichannel() {
	a.setMode(ModeMultichannel, "secondary speech detected")

	live := a.finalized[a.sealed:]
	for i := range live {
		seg := &live[i]
		seg.setSpeaker(selfSpeaker)
		for j := range seg.Words {
			seg.Words[j].SpeakerConfidence = 1.0
		}
	}
	live, _ = collapse(live, 0)
	a.finalized = append(a.finalized[:a.sealed], live...)

	if a.interim != nil {
		a.interim.setSpeaker(selfSpeaker)
	}
	a.activeSpeaker = selfSpeaker
	a.hasActive = len(a.finalized) > 0
	a.rebuildKnownSpeakers()
}

func (a *Assembler) setMode(mode ChannelMode, reason string) {
	a.logger.Info().
		Str("from", a.mode.String()).
		Str("to", mode.String()).
		Str("reason", reason).
		Int("primary_results", a.primaryStreak).
		Msg("Channel mode changed")
	a.mode = mode
	if a.metrics != nil {
		a.metrics.RecordChannelMode(mode.String())
	}
}

// resolve maps a service word onto the session timeline and speaker space
func (a *Assembler) resolve(w stt.Word, channel int) Word {
	word := Word{
		Word:              w.Word,
		PunctuatedWord:    w.PunctuatedWord,
		Start:             w.Start + a.timeOffset,
		End:               w.End + a.timeOffset,
		Confidence:        w.Confidence,
		Speaker:           w.Speaker,
		SpeakerConfidence: w.SpeakerConfidence,
		Channel:           channel,
	}
	if a.mode == ModeMultichannel {
		if channel == primaryChannel {
			word.Speaker = selfSpeaker
			word.SpeakerConfidence = 1.0
		} else {
			word.Speaker = w.Speaker + 1
		}
	}
	return word
}

// group splits an utterance into same-speaker segments
func (a *Assembler) group(u *stt.Utterance) []Segment {
	var segments []Segment
	var current *Segment

	for _, w := range u.Words {
		word := a.resolve(w, u.Channel)
		if current == nil || current.Speaker != word.Speaker {
			if current != nil {
				segments = append(segments, *current)
			}
			current = &Segment{
				Speaker:   word.Speaker,
				Text:      word.Text(),
				StartTime: word.Start,
				EndTime:   word.End,
				Words:     []Word{word},
			}
			continue
		}
		current.Text += " " + word.Text()
		current.EndTime = word.End
		current.Words = append(current.Words, word)
	}
	if current != nil {
		segments = append(segments, *current)
	}

	if len(segments) == 0 {
		// Text without word timings still has to reach the transcript
		start := u.Start + a.timeOffset
		segments = append(segments, Segment{
			Speaker:   a.inferSpeaker(u.Channel),
			Text:      strings.TrimSpace(u.Transcript),
			StartTime: start,
			EndTime:   start + u.Duration,
		})
	}
	return segments
}

func (a *Assembler) inferSpeaker(channel int) int {
	if a.interim != nil {
		return a.interim.Speaker
	}
	if a.mode == ModeMultichannel {
		if channel == primaryChannel {
			return selfSpeaker
		}
		return selfSpeaker + 1
	}
	if a.hasActive {
		return a.activeSpeaker
	}
	return selfSpeaker
}

// stabilize keeps the active speaker unless the candidate switch is long
// enough and confident enough to be believed
func (a *Assembler) stabilize(seg *Segment) {
	if !a.hasActive || seg.Speaker == a.activeSpeaker {
		return
	}

	longEnough := len(seg.Words) >= a.cfg.StabilizeMinWords || seg.Duration() >= a.cfg.StabilizeMinDuration
	confident := seg.AvgSpeakerConfidence() >= a.cfg.StabilizeMinConfidence
	if longEnough && confident {
		return
	}

	a.logger.Debug().
		Int("proposed", seg.Speaker).
		Int("active", a.activeSpeaker).
		Int("words", len(seg.Words)).
		Float64("confidence", seg.AvgSpeakerConfidence()).
		Msg("Rejected speaker switch")
	seg.setSpeaker(a.activeSpeaker)
}

// normalize bounds a speaker id by the expected participant count
func (a *Assembler) normalize(speaker int) int {
	if a.expected <= 0 || (speaker >= 0 && speaker < a.expected) {
		return speaker
	}
	for i := len(a.finalized) - 1; i >= 0; i-- {
		if s := a.finalized[i].Speaker; s < a.expected {
			return s
		}
	}
	return a.expected - 1
}

// appendFinal adds a segment at the end of the transcript
func (a *Assembler) appendFinal(seg Segment) Change {
	if n := len(a.finalized); n > a.sealed {
		last := &a.finalized[n-1]
		if last.Speaker == seg.Speaker && seg.StartTime-last.EndTime < a.cfg.MergeGap {
			last.absorb(seg)
			return Change{Index: n - 1, Segment: last.Clone(), Merged: true}
		}
	}
	a.finalized = append(a.finalized, seg)
	return Change{Index: len(a.finalized) - 1, Segment: seg.Clone()}
}

// insertChronologically keeps finalized segments sorted by start time when
// two channels finalize out of order
func (a *Assembler) insertChronologically(seg Segment) Change {
	n := len(a.finalized)
	if n == 0 || seg.StartTime >= a.finalized[n-1].StartTime {
		return a.appendFinal(seg)
	}

	idx := sort.Search(n, func(i int) bool {
		return a.finalized[i].StartTime >= seg.StartTime
	})
	a.finalized = append(a.finalized, Segment{})
	copy(a.finalized[idx+1:], a.finalized[idx:])
	a.finalized[idx] = seg
	if idx < a.sealed {
		a.sealed++
	}
	return Change{Index: idx, Segment: seg.Clone()}
}

// Segments returns a copy of the finalized segments
func (a *Assembler) Segments() []Segment {
	out := make([]Segment, len(a.finalized))
	for i, seg := range a.finalized {
		out[i] = seg.Clone()
	}
	return out
}

// DisplaySegments returns the finalized segments followed by the interim one
func (a *Assembler) DisplaySegments() []Segment {
	out := a.Segments()
	if a.interim != nil {
		interim := a.interim.Clone()
		interim.IsFinal = false
		out = append(out, interim)
	}
	return out
}

// Interim returns a copy of the pending interim segment
func (a *Assembler) Interim() *Segment {
	if a.interim == nil {
		return nil
	}
	interim := a.interim.Clone()
	return &interim
}

// SpeakerCount is the number of distinct speakers seen
func (a *Assembler) SpeakerCount() int {
	return len(a.knownSpeakers)
}

// Restore replaces the transcript with previously saved segments and shifts
// new results to continue after the last one
func (a *Assembler) Restore(segments []Segment) {
	a.finalized = make([]Segment, len(segments))
	for i, seg := range segments {
		a.finalized[i] = seg.Clone()
	}
	a.interim = nil
	a.sealed = len(segments)
	a.rebuildKnownSpeakers()
	if n := len(segments); n > 0 {
		a.timeOffset = segments[n-1].EndTime
		a.activeSpeaker = segments[n-1].Speaker
		a.hasActive = true
	}
	a.logger.Info().
		Int("segments", len(segments)).
		Float64("time_offset", a.timeOffset).
		Msg("Restored transcript")
}

// TimeOffset is the shift applied to new word timestamps
func (a *Assembler) TimeOffset() float64 {
	return a.timeOffset
}

// Reset clears all state
func (a *Assembler) Reset() {
	a.finalized = nil
	a.interim = nil
	a.mode = ModeDetecting
	a.primaryStreak = 0
	a.activeSpeaker = 0
	a.hasActive = false
	a.timeOffset = 0
	a.sealed = 0
	a.knownSpeakers = make(map[int]struct{})
}

func (a *Assembler) rebuildKnownSpeakers() {
	a.knownSpeakers = make(map[int]struct{})
	for _, seg := range a.finalized {
		a.knownSpeakers[seg.Speaker] = struct{}{}
	}
}

// collapse merges adjacent same-speaker segments. sealed is the number of
// leading restored segments; the returned count covers every output segment
// that absorbed one of them.
func collapse(segments []Segment, sealed int) ([]Segment, int) {
	out := segments[:0]
	outSealed := 0
	for i, seg := range segments {
		if n := len(out); n > 0 && out[n-1].Speaker == seg.Speaker {
			out[n-1].absorb(seg)
		} else {
			out = append(out, seg)
		}
		if i < sealed {
			outSealed = len(out)
		}
	}
	return out, outSealed
}
