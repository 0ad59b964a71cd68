package transcript

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/stt"
)

func newTestAssembler() *Assembler {
	return NewAssembler(DefaultConfig(), nil, zerolog.Nop())
}

// spoken builds words 0.3s apart starting at start
func spoken(speaker int, conf float64, start float64, texts ...string) []stt.Word {
	words := make([]stt.Word, len(texts))
	for i, text := range texts {
		words[i] = stt.Word{
			Word:              strings.ToLower(strings.Trim(text, ".,?!")),
			PunctuatedWord:    text,
			Start:             start + float64(i)*0.3,
			End:               start + float64(i)*0.3 + 0.25,
			Confidence:        0.95,
			Speaker:           speaker,
			SpeakerConfidence: conf,
		}
	}
	return words
}

func utterance(channel int, final bool, words ...[]stt.Word) *stt.Utterance {
	var all []stt.Word
	for _, w := range words {
		all = append(all, w...)
	}
	texts := make([]string, len(all))
	for i, w := range all {
		texts[i] = w.PunctuatedWord
	}
	u := &stt.Utterance{
		Channel:    channel,
		Transcript: strings.Join(texts, " "),
		Words:      all,
		IsFinal:    final,
	}
	if len(all) > 0 {
		u.Start = all[0].Start
		u.Duration = all[len(all)-1].End - all[0].Start
	}
	return u
}

func speakers(segments []Segment) []int {
	out := make([]int, len(segments))
	for i, seg := range segments {
		out[i] = seg.Speaker
	}
	return out
}

func TestAssembler_TwoChannelScenario(t *testing.T) {
	a := newTestAssembler()

	a.AddResult(&stt.Utterance{
		Channel: 0, Transcript: "Hello there", IsFinal: true, Start: 0, Duration: 1,
		Words: []stt.Word{
			{Word: "hello", PunctuatedWord: "Hello", Start: 0.0, End: 0.5, SpeakerConfidence: 0.9},
			{Word: "there", PunctuatedWord: "there", Start: 0.5, End: 1.0, SpeakerConfidence: 0.9},
		},
	})
	update := a.AddResult(&stt.Utterance{
		Channel: 1, Transcript: "Hi", IsFinal: true, Start: 0.5, Duration: 0.3,
		Words: []stt.Word{
			{Word: "hi", PunctuatedWord: "Hi", Start: 0.5, End: 0.8, SpeakerConfidence: 0.8},
		},
	})

	if !update.ModeChanged || a.Mode() != ModeMultichannel {
		t.Fatalf("Expected switch to multichannel, got %s", a.Mode())
	}

	segs := a.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}
	if segs[0].Speaker != 0 || segs[0].Text != "Hello there" {
		t.Errorf("Expected speaker 0 'Hello there', got %d %q", segs[0].Speaker, segs[0].Text)
	}
	if segs[1].Speaker != 1 || segs[1].Text != "Hi" {
		t.Errorf("Expected speaker 1 'Hi', got %d %q", segs[1].Speaker, segs[1].Text)
	}

	want := "**Speaker 1** [0:00]\nHello there\n\n**Speaker 2** [0:00]\nHi\n"
	if got := a.Markdown(nil); got != want {
		t.Errorf("Unexpected markdown:\n%s\nwant:\n%s", got, want)
	}

	// A later remote result that started earlier lands before newer local speech
	a.AddResult(utterance(0, true, spoken(0, 1, 6.0, "Moving", "on.")))
	a.AddResult(utterance(1, true, spoken(0, 0.9, 3.0, "One", "more", "thing.")))

	segs = a.Segments()
	if got := speakers(segs); len(got) != 4 || got[2] != 1 || got[3] != 0 {
		t.Fatalf("Expected remote segment before the newer local one, got speakers %v", got)
	}
	if segs[2].StartTime != 3.0 || segs[3].StartTime != 6.0 {
		t.Errorf("Unexpected order: %v then %v", segs[2].StartTime, segs[3].StartTime)
	}
}

func TestAssembler_ChronologicalInsertionKeepsOrder(t *testing.T) {
	a := newTestAssembler()
	a.AddResult(utterance(1, true, spoken(0, 0.9, 0.0, "Hey")))

	// Per-channel timestamps increase but arrive interleaved out of order
	arrivals := []struct {
		channel int
		start   float64
	}{
		{0, 1}, {0, 4}, {1, 2}, {0, 7}, {1, 5}, {1, 9}, {0, 10}, {1, 8},
	}
	for _, arr := range arrivals {
		a.AddResult(utterance(arr.channel, true, spoken(0, 0.9, arr.start, "word")))

		segs := a.Segments()
		for i := 1; i < len(segs); i++ {
			if segs[i].StartTime < segs[i-1].StartTime {
				t.Fatalf("After result at %v: segment %d starts at %v before %v",
					arr.start, i, segs[i].StartTime, segs[i-1].StartTime)
			}
		}
	}
}

func TestAssembler_MergesCloseSameSpeakerSegments(t *testing.T) {
	a := newTestAssembler()
	a.AddResult(utterance(1, true, spoken(0, 0.9, 0.0, "Hello")))
	update := a.AddResult(utterance(1, true, spoken(0, 0.9, 1.0, "again")))

	if len(update.Changes) != 1 || !update.Changes[0].Merged {
		t.Fatalf("Expected a merge, got %+v", update.Changes)
	}
	segs := a.Segments()
	if len(segs) != 1 || segs[0].Text != "Hello again" {
		t.Errorf("Expected one merged segment, got %+v", segs)
	}

	a.AddResult(utterance(1, true, spoken(0, 0.9, 5.0, "Later")))
	if n := len(a.Segments()); n != 2 {
		t.Errorf("Expected gap to start a new segment, got %d segments", n)
	}
}

func TestAssembler_DetectingToMultichannelBackfill(t *testing.T) {
	a := newTestAssembler()

	// Diarized primary speech with two service speakers
	a.AddResult(utterance(0, true, spoken(0, 0.9, 0.0, "We", "should", "start", "now.")))
	a.AddResult(utterance(0, true, spoken(1, 0.9, 2.0, "Sounds", "good", "to", "me.")))
	if got := speakers(a.Segments()); len(got) != 2 || got[1] != 1 {
		t.Fatalf("Expected diarized speakers [0 1], got %v", got)
	}

	// Interim and empty secondary results do not switch mode
	a.AddResult(utterance(1, false, spoken(0, 0.9, 3.5, "Hi")))
	a.AddResult(&stt.Utterance{Channel: 1, Transcript: "   ", IsFinal: true})
	if a.Mode() != ModeDetecting {
		t.Fatalf("Expected detecting mode, got %s", a.Mode())
	}

	update := a.AddResult(utterance(1, true, spoken(0, 0.9, 4.0, "Hi", "all.")))
	if !update.ModeChanged || a.Mode() != ModeMultichannel {
		t.Fatalf("Expected multichannel, got %s", a.Mode())
	}

	segs := a.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected backfilled primary speech collapsed into one segment plus remote, got %d", len(segs))
	}
	if segs[0].Speaker != 0 || segs[0].Text != "We should start now. Sounds good to me." {
		t.Errorf("Expected all primary speech as speaker 0, got %d %q", segs[0].Speaker, segs[0].Text)
	}
	for _, w := range segs[0].Words {
		if w.Speaker != 0 {
			t.Errorf("Expected word %q relabelled to speaker 0, got %d", w.Word, w.Speaker)
		}
	}
	if segs[1].Speaker != 1 {
		t.Errorf("Expected remote speaker 1, got %d", segs[1].Speaker)
	}
}

func TestAssembler_DetectionThreshold(t *testing.T) {
	a := newTestAssembler()

	for i := 0; i < 4; i++ {
		a.AddResult(utterance(0, true, spoken(0, 0.9, float64(i*3), "still", "talking")))
	}
	if a.Mode() != ModeDetecting {
		t.Fatalf("Expected detecting after 4 results, got %s", a.Mode())
	}

	update := a.AddResult(utterance(0, true, spoken(0, 0.9, 12, "fifth", "one")))
	if !update.ModeChanged || a.Mode() != ModeDiarization {
		t.Fatalf("Expected diarization after 5 results, got %s", a.Mode())
	}

	// Terminal: later secondary speech does not switch
	a.AddResult(utterance(1, true, spoken(0, 0.9, 15, "late")))
	if a.Mode() != ModeDiarization {
		t.Errorf("Expected diarization to be terminal, got %s", a.Mode())
	}
}

func TestAssembler_SecondaryUnavailable(t *testing.T) {
	a := newTestAssembler()
	a.SetSecondaryAvailable(true)
	if a.Mode() != ModeDetecting {
		t.Fatalf("Expected detecting, got %s", a.Mode())
	}
	a.SetSecondaryAvailable(false)
	if a.Mode() != ModeDiarization {
		t.Errorf("Expected diarization, got %s", a.Mode())
	}
}

func TestAssembler_StabilizationRejectsGhostFlips(t *testing.T) {
	a := newTestAssembler()
	a.SetSecondaryAvailable(false)

	// One word from another speaker at the end of an utterance
	a.AddResult(utterance(0, true,
		spoken(0, 0.9, 0.0, "Let's", "look", "at", "pricing"),
		spoken(1, 0.9, 1.2, "okay"),
	))
	segs := a.Segments()
	if len(segs) != 1 || segs[0].Speaker != 0 {
		t.Fatalf("Expected ghost word kept with speaker 0, got speakers %v", speakers(segs))
	}
	if len(segs[0].Words) != 5 {
		t.Errorf("Expected 5 words, got %d", len(segs[0].Words))
	}

	// Long enough but not confident
	a.AddResult(utterance(0, true, spoken(1, 0.5, 2.0, "I", "am", "not", "sure")))
	if got := speakers(a.Segments()); got[len(got)-1] != 0 {
		t.Errorf("Expected low-confidence switch rejected, got %v", got)
	}

	// Long enough and confident
	a.AddResult(utterance(0, true, spoken(1, 0.8, 5.0, "I", "disagree", "with", "that")))
	if got := speakers(a.Segments()); got[len(got)-1] != 1 {
		t.Errorf("Expected confident switch accepted, got %v", got)
	}
}

func TestAssembler_StabilizationSkippedInMultichannel(t *testing.T) {
	a := newTestAssembler()
	a.AddResult(utterance(1, true, spoken(0, 0.9, 0.0, "Hello", "from", "the", "room")))
	a.AddResult(utterance(0, true, spoken(0, 0.1, 1.5, "Yes")))

	got := speakers(a.Segments())
	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Errorf("Expected channel to decide speakers [1 0], got %v", got)
	}
}

func TestAssembler_ExpectedSpeakerNormalization(t *testing.T) {
	a := newTestAssembler()
	a.SetSecondaryAvailable(false)
	a.SetExpectedSpeakers(2)

	// Out of range with nothing known yet clamps to the last valid id
	a.AddResult(utterance(0, true, spoken(5, 0.9, 0.0, "First", "words", "here", "today")))
	if got := speakers(a.Segments()); got[0] != 1 {
		t.Fatalf("Expected clamp to speaker 1, got %v", got)
	}

	a.AddResult(utterance(0, true, spoken(0, 0.9, 5.0, "Back", "to", "me", "now")))
	a.AddResult(utterance(0, true, spoken(3, 0.9, 10.0, "Phantom", "speaker", "says", "hi")))

	for _, seg := range a.Segments() {
		if seg.Speaker >= 2 {
			t.Errorf("Expected no speaker >= 2, got %d", seg.Speaker)
		}
	}
	if got := speakers(a.Segments()); got[len(got)-1] != 0 {
		t.Errorf("Expected phantom reassigned to the most recent in-range speaker 0, got %v", got)
	}
}

func TestAssembler_SetExpectedSpeakersNormalizesExisting(t *testing.T) {
	a := newTestAssembler()
	a.SetSecondaryAvailable(false)
	a.AddResult(utterance(0, true, spoken(0, 0.9, 0.0, "one", "two", "three", "four")))
	a.AddResult(utterance(0, true, spoken(2, 0.9, 5.0, "five", "six", "seven", "eight")))

	a.SetExpectedSpeakers(2)

	segs := a.Segments()
	if len(segs) != 1 || segs[0].Speaker != 0 {
		t.Errorf("Expected phantom folded into speaker 0, got %v", speakers(segs))
	}
	if a.SpeakerCount() != 1 {
		t.Errorf("Expected 1 known speaker, got %d", a.SpeakerCount())
	}
}

func TestAssembler_FallbackSegmentWithoutWords(t *testing.T) {
	a := newTestAssembler()
	a.AddResult(&stt.Utterance{Channel: 0, Transcript: "okay then", IsFinal: true, Start: 2.0, Duration: 0.6})

	segs := a.Segments()
	if len(segs) != 1 {
		t.Fatalf("Expected a fallback segment, got %d", len(segs))
	}
	if segs[0].Text != "okay then" || segs[0].StartTime != 2.0 || segs[0].EndTime != 2.6 {
		t.Errorf("Unexpected fallback segment: %+v", segs[0])
	}
}

func TestAssembler_InterimLifecycle(t *testing.T) {
	a := newTestAssembler()

	update := a.AddResult(utterance(0, false, spoken(0, 0.9, 0.0, "Hello")))
	if update.Interim == nil || update.Interim.IsFinal {
		t.Fatalf("Expected a non-final interim, got %+v", update.Interim)
	}
	display := a.DisplaySegments()
	if len(display) != 1 || display[0].IsFinal {
		t.Errorf("Expected interim in display segments, got %+v", display)
	}

	update = a.AddResult(utterance(0, true, spoken(0, 0.9, 0.0, "Hello", "everyone")))
	if a.Interim() != nil {
		t.Error("Expected interim cleared by final result")
	}
	if len(update.Changes) != 1 || !update.Changes[0].Segment.IsFinal {
		t.Errorf("Expected one final change, got %+v", update.Changes)
	}

	// Interim left pending at stop is promoted
	a.AddResult(utterance(0, false, spoken(0, 0.9, 5.0, "trailing", "words")))
	a.Finalize()
	segs := a.Segments()
	if len(segs) != 2 || segs[1].Text != "trailing words" || !segs[1].IsFinal {
		t.Errorf("Expected promoted interim, got %+v", segs)
	}
	if a.Interim() != nil {
		t.Error("Expected no interim after finalize")
	}
}

func TestAssembler_RestoreContinuesTimeline(t *testing.T) {
	a := newTestAssembler()
	a.Restore([]Segment{{
		Speaker: 0, Text: "Earlier discussion", StartTime: 0, EndTime: 60, IsFinal: true,
		Words: []Word{
			{Word: "earlier", PunctuatedWord: "Earlier", Start: 0, End: 30, SpeakerConfidence: 0.9},
			{Word: "discussion", PunctuatedWord: "discussion", Start: 30, End: 60, SpeakerConfidence: 0.9},
		},
	}})

	if a.TimeOffset() != 60 {
		t.Fatalf("Expected time offset 60, got %v", a.TimeOffset())
	}

	a.AddResult(&stt.Utterance{
		Channel: 0, Transcript: "Resuming", IsFinal: true,
		Words: []stt.Word{{Word: "resuming", PunctuatedWord: "Resuming", Start: 0, End: 0.4, SpeakerConfidence: 0.9}},
	})

	segs := a.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected restored segment kept separate, got %d segments", len(segs))
	}
	if segs[1].StartTime != 60 {
		t.Errorf("Expected new segment at 60, got %v", segs[1].StartTime)
	}
	if segs[0].Text != "Earlier discussion" {
		t.Errorf("Expected restored segment untouched, got %q", segs[0].Text)
	}
}

func TestAssembler_RestoredSpeakersSurviveMultichannel(t *testing.T) {
	a := newTestAssembler()
	a.Restore([]Segment{
		segment(0, 0, 0.9, 0.9),
		segment(1, 20, 0.9, 0.9),
		segment(2, 40, 0.9, 0.9),
	})
	offset := a.TimeOffset()

	update := a.AddResult(utterance(1, true, spoken(0, 0.9, 1.0, "Remote", "speaks", "now.")))
	if !update.ModeChanged || a.Mode() != ModeMultichannel {
		t.Fatalf("Expected multichannel, got %s", a.Mode())
	}
	a.AddResult(utterance(0, true, spoken(0, 0.9, 5.0, "I", "answer.")))
	a.AddResult(utterance(0, true, spoken(0, 0.9, 5.8, "And", "more.")))

	segs := a.Segments()
	if got := speakers(segs); len(got) != 5 || got[0] != 0 || got[1] != 1 || got[2] != 2 || got[3] != 1 || got[4] != 0 {
		t.Fatalf("Expected speakers [0 1 2 1 0], got %v", got)
	}
	if segs[4].Text != "I answer. And more." {
		t.Errorf("Expected close self finals merged, got %q", segs[4].Text)
	}
	if segs[4].StartTime != offset+5.0 {
		t.Errorf("Expected self speech at %v, got %v", offset+5.0, segs[4].StartTime)
	}
}

func TestAssembler_BackfillSkipsRestoredSegments(t *testing.T) {
	a := newTestAssembler()
	a.Restore([]Segment{segment(0, 0, 0.9, 0.9), segment(1, 10, 0.9, 0.9)})

	a.AddResult(utterance(0, true, spoken(0, 0.9, 0.0, "We", "should", "start", "now.")))
	a.AddResult(utterance(0, true, spoken(1, 0.9, 2.0, "Sounds", "good", "to", "me.")))
	a.AddResult(utterance(1, true, spoken(0, 0.9, 4.0, "Hi", "all.")))

	segs := a.Segments()
	if got := speakers(segs); len(got) != 4 || got[0] != 0 || got[1] != 1 || got[2] != 0 || got[3] != 1 {
		t.Fatalf("Expected speakers [0 1 0 1], got %v", got)
	}
	if segs[1].Words[0].SpeakerConfidence != 0.9 {
		t.Errorf("Expected restored words untouched, got confidence %v", segs[1].Words[0].SpeakerConfidence)
	}
	if segs[2].Text != "We should start now. Sounds good to me." {
		t.Errorf("Expected live primary speech collapsed as self, got %q", segs[2].Text)
	}
}

func TestAssembler_CollapsedRestoreStillMergesNewSpeech(t *testing.T) {
	a := newTestAssembler()
	a.Restore([]Segment{segment(0, 0, 0.9, 0.9), segment(0, 5, 0.9, 0.9)})
	a.SetExpectedSpeakers(2)
	if n := len(a.Segments()); n != 1 {
		t.Fatalf("Expected restored segments collapsed, got %d", n)
	}

	a.AddResult(utterance(0, true, spoken(0, 0.9, 0.0, "Picking", "up.")))
	a.AddResult(utterance(0, true, spoken(0, 0.9, 0.8, "Next", "item.")))

	segs := a.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected restored segment plus one merged segment, got %d", len(segs))
	}
	if segs[0].Text != "a b a b" {
		t.Errorf("Expected restored text unextended, got %q", segs[0].Text)
	}
	if segs[1].Text != "Picking up. Next item." {
		t.Errorf("Expected new finals merged, got %q", segs[1].Text)
	}
}

func TestCollapse_TracksRestoredPrefix(t *testing.T) {
	tests := []struct {
		name       string
		speakers   []int
		sealed     int
		wantLen    int
		wantSealed int
	}{
		{"nothing restored", []int{0, 0, 1}, 0, 2, 0},
		{"restored prefix shrinks", []int{0, 0, 1, 1}, 3, 2, 2},
		{"live merges into restored", []int{0, 1, 1}, 2, 2, 2},
		{"distinct speakers", []int{0, 1, 2}, 2, 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := make([]Segment, len(tt.speakers))
			for i, spk := range tt.speakers {
				segs[i] = segment(spk, float64(i), 0.9)
			}
			out, sealed := collapse(segs, tt.sealed)
			if len(out) != tt.wantLen || sealed != tt.wantSealed {
				t.Errorf("Expected %d segments with %d sealed, got %d with %d", tt.wantLen, tt.wantSealed, len(out), sealed)
			}
		})
	}
}

func TestAssembler_Reset(t *testing.T) {
	a := newTestAssembler()
	a.AddResult(utterance(1, true, spoken(0, 0.9, 0.0, "Hello")))
	a.Reset()

	if len(a.Segments()) != 0 || a.Mode() != ModeDetecting || a.SpeakerCount() != 0 || a.TimeOffset() != 0 {
		t.Error("Expected a clean assembler after reset")
	}
}
