package minutes

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
)

// Tone selects the register of the generated minutes
type Tone string

const (
	ToneFormal  Tone = "FORMAL"
	ToneConcise Tone = "CONCISE"
)

// ParseTone accepts a tone name in any case. Empty means formal.
func ParseTone(s string) (Tone, error) {
	switch Tone(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ToneFormal:
		return ToneFormal, nil
	case ToneConcise:
		return ToneConcise, nil
	default:
		return "", fmt.Errorf("%w: unknown tone %q", domain.ErrInvalidPayload, s)
	}
}

// Metadata describes the meeting the minutes are written for
type Metadata struct {
	MeetingName string
	Date        string
	TimeRange   string
	Tone        Tone
}

// MetadataFrom builds Metadata from a request, falling back to the job's meeting name
func MetadataFrom(req *domain.MinutesRequest, job *domain.Job) (Metadata, error) {
	var meta Metadata
	if req != nil {
		tone, err := ParseTone(req.Tone)
		if err != nil {
			return Metadata{}, err
		}
		meta = Metadata{
			MeetingName: strings.TrimSpace(req.MeetingName),
			Date:        strings.TrimSpace(req.Date),
			TimeRange:   strings.TrimSpace(req.TimeRange),
			Tone:        tone,
		}
	} else {
		meta.Tone = ToneFormal
	}

	if meta.MeetingName == "" && job != nil {
		meta.MeetingName = job.MeetingName
		if meta.MeetingName == "" {
			meta.MeetingName = job.OriginalFilename
		}
	}

	return meta, nil
}

var toneGuidance = map[Tone]string{
	ToneFormal:  "Use a formal, complete register suitable for an official record. Write full sentences.",
	ToneConcise: "Be brief. Prefer short bullet points over prose and drop pleasantries and repetition.",
}

// Sections lists the headings every set of minutes must contain, in order
var Sections = []string{
	"1. Objective",
	"2. Discussion",
	"3. Decisions",
	"4. Miscellaneous",
}

// BuildPrompt renders the text generation prompt for a transcript
func BuildPrompt(transcript string, meta Metadata) string {
	tone := meta.Tone
	if _, ok := toneGuidance[tone]; !ok {
		tone = ToneFormal
	}

	var b strings.Builder
	b.WriteString("You are writing the minutes of a meeting from its transcript.\n")
	b.WriteString("Write the minutes in the main language of the transcript. Speakers are labelled \"Speaker N\" in the transcript; keep those labels when attributing statements.\n")
	b.WriteString("Lines starting with [ERROR] mark parts of the recording that could not be transcribed; mention the gap under Miscellaneous and do not invent its content.\n")
	b.WriteString(toneGuidance[tone])
	b.WriteString("\n\n")

	b.WriteString("Meeting details:\n")
	writeDetail(&b, "Name", meta.MeetingName)
	writeDetail(&b, "Date", meta.Date)
	writeDetail(&b, "Time", meta.TimeRange)
	b.WriteString("\n")

	b.WriteString("Use exactly these sections, in this order:\n")
	b.WriteString(Sections[0] + ": the purpose of the meeting in one or two sentences.\n")
	b.WriteString(Sections[1] + ": the main topics raised and who raised them.\n")
	b.WriteString(Sections[2] + ": a markdown table with the columns | Decision | Owner | Deadline |. Write \"-\" for unknown cells. Write \"No decisions recorded\" instead of the table when there are none.\n")
	b.WriteString(Sections[3] + ": anything else worth recording, including untranscribed gaps.\n")
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)

	return b.String()
}

func writeDetail(b *strings.Builder, label, value string) {
	if value == "" {
		value = "not provided"
	}
	fmt.Fprintf(b, "- %s: %s\n", label, value)
}
