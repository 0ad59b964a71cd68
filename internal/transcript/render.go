package transcript

import (
	"fmt"
	"strings"
)

// Markdown renders the finalized transcript, one bold speaker header per
// run of same-speaker segments. Ids missing from names render as
// "Speaker <id+1>".
func (a *Assembler) Markdown(names map[int]string) string {
	return RenderMarkdown(a.finalized, names)
}

// FullText joins the finalized segments' text with spaces
func (a *Assembler) FullText() string {
	parts := make([]string, 0, len(a.finalized))
	for _, seg := range a.finalized {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}

// RenderMarkdown renders segments as a markdown transcript
func RenderMarkdown(segments []Segment, names map[int]string) string {
	var b strings.Builder
	lastSpeaker := -1

	for i, seg := range segments {
		if i == 0 || seg.Speaker != lastSpeaker {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "**%s** [%s]\n", SpeakerName(seg.Speaker, names), FormatTimestamp(seg.StartTime))
			lastSpeaker = seg.Speaker
		}
		b.WriteString(seg.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// SpeakerName returns the mapped name or the numbered fallback
func SpeakerName(speaker int, names map[int]string) string {
	if name := names[speaker]; name != "" {
		return name
	}
	return fmt.Sprintf("Speaker %d", speaker+1)
}

// FormatTimestamp formats seconds as h:mm:ss, or m:ss under an hour
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// SpeakerMap names speakers for rendering: self first, then attendees in
// order. It returns nil when neither is known.
func SpeakerMap(selfName string, attendees []string, speakerCount int) map[int]string {
	if selfName == "" && len(attendees) == 0 {
		return nil
	}
	if selfName == "" {
		selfName = "You"
	}
	all := append([]string{selfName}, attendees...)

	n := max(speakerCount, len(all))
	names := make(map[int]string, n)
	for i := 0; i < n; i++ {
		if i < len(all) && all[i] != "" {
			names[i] = all[i]
		} else {
			names[i] = fmt.Sprintf("Speaker %d", i+1)
		}
	}
	return names
}
