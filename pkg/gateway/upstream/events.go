package upstream

// Event is the closed set of normalized upstream events. The raw wire tags
// are interpreted once, in the bridge read loop; everything downstream type
// switches over these variants.
type Event interface{ event() }

// AudioDelta is one chunk of synthesized assistant audio (raw PCM bytes).
type AudioDelta struct {
	Audio      []byte
	ResponseID string
}

// TextDelta is one chunk of the assistant's transcript for the current turn.
type TextDelta struct {
	Text       string
	ResponseID string
}

// AudioTurnDone marks the end of the assistant audio for a turn.
type AudioTurnDone struct {
	ResponseID string
}

// TextTurnDone marks the end of the assistant transcript for a turn.
type TextTurnDone struct {
	ResponseID string
}

// UserTranscript carries recognized user speech. Final is set for the
// completed-utterance event, clear for incremental deltas.
type UserTranscript struct {
	Text  string
	Final bool
}

// Opened is emitted once the upstream session is established and configured.
type Opened struct{}

// Closed is emitted when the upstream socket goes away, then the event
// channel closes. Reason is a sanitized single-line description.
type Closed struct {
	Reason string
}

// ErrorEvent carries an upstream-reported error that did not kill the socket.
type ErrorEvent struct {
	Detail string
}

// Unknown carries an event tag the bridge does not interpret.
type Unknown struct {
	Tag string
}

func (AudioDelta) event()     {}
func (TextDelta) event()      {}
func (AudioTurnDone) event()  {}
func (TextTurnDone) event()   {}
func (UserTranscript) event() {}
func (Opened) event()         {}
func (Closed) event()         {}
func (ErrorEvent) event()     {}
func (Unknown) event()        {}
