package realtime

// Sink receives the event stream of a realtime session. All callbacks are
// invoked from the session's receive goroutine and must return quickly; slow
// consumers should hand off to their own queue.
type Sink interface {
	// OnTextDelta delivers an incremental text-modality chunk. first is true
	// for the opening chunk of a response.
	OnTextDelta(text string, first bool)

	// OnAudioDelta delivers decoded PCM16 synthesis audio. first is true for
	// the opening chunk of a response.
	OnAudioDelta(pcm []byte, first bool)

	// OnInputTranscript delivers a finalized transcription of user speech.
	OnInputTranscript(text string)

	// OnOutputTranscript delivers an incremental transcript of the model's
	// spoken output.
	OnOutputTranscript(delta string)

	// OnNewMessage marks a user utterance boundary (speech stopped).
	OnNewMessage()

	// OnResponseDone marks the end of a model response with its full output
	// transcript. Empty for suppressed responses.
	OnResponseDone(transcript string)

	// OnSilenceTimeout fires once when the silence watchdog closes the
	// session.
	OnSilenceTimeout()

	// OnStatusMessage delivers a user-facing status line, e.g. the throttle
	// notice after an upstream overload.
	OnStatusMessage(msg string)

	// OnConnectionError reports a session error. fatal means the session is
	// unusable and has been torn down.
	OnConnectionError(err error, fatal bool)

	// OnRepetitionDetected fires when consecutive responses are
	// near-duplicates of each other.
	OnRepetitionDetected()
}

// NopSink is a Sink that ignores everything. Embed it to implement only the
// callbacks a consumer cares about.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) OnTextDelta(string, bool)      {}
func (NopSink) OnAudioDelta([]byte, bool)     {}
func (NopSink) OnInputTranscript(string)      {}
func (NopSink) OnOutputTranscript(string)     {}
func (NopSink) OnNewMessage()                 {}
func (NopSink) OnResponseDone(string)         {}
func (NopSink) OnSilenceTimeout()             {}
func (NopSink) OnStatusMessage(string)        {}
func (NopSink) OnConnectionError(error, bool) {}
func (NopSink) OnRepetitionDetected()         {}
