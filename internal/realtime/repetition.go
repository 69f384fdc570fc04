package realtime

import "github.com/antzucaro/matchr"

// repetitionDetector spots a model stuck in a loop. It keeps the final
// transcripts of the last two responses; a new transcript similar to both of
// them counts as repetition. On a hit the window is emptied so the alarm
// fires once per streak, not once per response.
//
// Not safe for concurrent use; the session calls it from its receive
// goroutine only.
type repetitionDetector struct {
	threshold float64
	recent    []string
}

func newRepetitionDetector(threshold float64) *repetitionDetector {
	return &repetitionDetector{threshold: threshold}
}

// Check records transcript and reports whether it completes a repetition
// streak.
func (d *repetitionDetector) Check(transcript string) bool {
	if d.threshold <= 0 || transcript == "" {
		return false
	}

	if len(d.recent) == 2 &&
		matchr.JaroWinkler(transcript, d.recent[0], false) >= d.threshold &&
		matchr.JaroWinkler(transcript, d.recent[1], false) >= d.threshold {
		d.recent = d.recent[:0]
		return true
	}

	d.recent = append(d.recent, transcript)
	if len(d.recent) > 2 {
		d.recent = d.recent[1:]
	}
	return false
}
