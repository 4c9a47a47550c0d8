package pgrepl

// TextEvent is the single event type the test_decoding plugin produces:
// its output is always one human-readable line per envelope, e.g.
// "BEGIN 123", "table public.t: INSERT: id[integer]:1 name[text]:'val1'",
// "COMMIT 123".
type TextEvent struct {
	Envelope
	Text string
}

// Kind implements Event.
func (TextEvent) Kind() EventKind { return EventText }

// TestDecodingDecoder decodes test_decoding's textual output plugin
// payloads. It is stateless: every envelope maps to exactly one TextEvent.
type TestDecodingDecoder struct{}

// NewTestDecodingDecoder constructs a TestDecodingDecoder.
func NewTestDecodingDecoder() *TestDecodingDecoder { return &TestDecodingDecoder{} }

// Decode implements the Decoder interface for the textual plugin: the
// entire payload, taken verbatim as UTF-8 under the session's
// client_encoding, becomes the event's Text.
func (d *TestDecodingDecoder) Decode(env Envelope, payload []byte) ([]Event, error) {
	return []Event{TextEvent{Envelope: env, Text: string(payload)}}, nil
}
