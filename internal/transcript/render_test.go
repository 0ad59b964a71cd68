package transcript

import (
	"testing"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0:00"},
		{9.9, "0:09"},
		{65, "1:05"},
		{3599, "59:59"},
		{3725, "1:02:05"},
		{-3, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.seconds); got != tt.want {
			t.Errorf("FormatTimestamp(%v): expected %q, got %q", tt.seconds, tt.want, got)
		}
	}
}

func TestRenderMarkdown_GroupsConsecutiveSpeakers(t *testing.T) {
	segments := []Segment{
		{Speaker: 0, Text: "Morning all.", StartTime: 0},
		{Speaker: 0, Text: "Let's begin.", StartTime: 4},
		{Speaker: 1, Text: "Sounds good.", StartTime: 70},
		{Speaker: 2, Text: "Hi.", StartTime: 75},
	}
	names := map[int]string{0: "Dana", 1: "Priya"}

	want := "**Dana** [0:00]\nMorning all.\nLet's begin.\n\n" +
		"**Priya** [1:10]\nSounds good.\n\n" +
		"**Speaker 3** [1:15]\nHi.\n"
	if got := RenderMarkdown(segments, names); got != want {
		t.Errorf("Unexpected markdown:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	if got := RenderMarkdown(nil, nil); got != "" {
		t.Errorf("Expected empty output, got %q", got)
	}
}

func TestFullText(t *testing.T) {
	a := assemblerWith(
		Segment{Speaker: 0, Text: "Hello there"},
		Segment{Speaker: 1, Text: "Hi"},
	)
	if got := a.FullText(); got != "Hello there Hi" {
		t.Errorf("Expected joined text, got %q", got)
	}
}

func TestSpeakerMap(t *testing.T) {
	names := SpeakerMap("", []string{"Priya", "Jonas"}, 4)
	want := map[int]string{0: "You", 1: "Priya", 2: "Jonas", 3: "Speaker 4"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for id, name := range want {
		if names[id] != name {
			t.Errorf("Speaker %d: expected %q, got %q", id, name, names[id])
		}
	}

	if SpeakerMap("", nil, 3) != nil {
		t.Error("Expected nil map without self name or attendees")
	}
	if got := SpeakerMap("Dana", nil, 0); got[0] != "Dana" {
		t.Errorf("Expected self name, got %v", got)
	}
}
