package relay

// markName labels every flush point sent after a forwarded audio chunk. The
// telephony side echoes it back once the preceding audio has played.
const markName = "responsePart"

// markQueue is the FIFO of marks sent to the telephony side and not yet
// acknowledged.
type markQueue struct {
	names []string
}

func (q *markQueue) push(name string) {
	q.names = append(q.names, name)
}

// pop drops the oldest pending mark. Acks with nothing pending are ignored.
func (q *markQueue) pop() bool {
	if len(q.names) == 0 {
		return false
	}
	q.names[0] = ""
	q.names = q.names[1:]
	return true
}

func (q *markQueue) len() int { return len(q.names) }

func (q *markQueue) reset() { q.names = nil }

// Interruption describes the control frames a barge-in must emit.
type Interruption struct {
	StreamSID string
	// ItemID is empty when no response item id was seen; no truncate is sent
	// in that case.
	ItemID     string
	AudioEndMS int64
}

// callState is everything a relay knows about one call's playback. It is not
// safe for concurrent use; Relay guards it with its mutex.
type callState struct {
	streamSID string

	// latestMediaTimestamp is the caller-side clock in ms, taken from the most
	// recent inbound media frame.
	latestMediaTimestamp int64

	responseStarted bool
	responseStart   int64
	activeItemID    string

	marks markQueue
}

// startStream begins a new stream epoch.
func (s *callState) startStream(streamSID string) {
	s.streamSID = streamSID
	s.latestMediaTimestamp = 0
	s.clearResponse()
}

func (s *callState) stopStream() {
	s.streamSID = ""
}

func (s *callState) observeMedia(timestamp int64) {
	s.latestMediaTimestamp = timestamp
}

func (s *callState) ackMark() bool {
	return s.marks.pop()
}

// beginAudio accounts for one assistant audio chunk about to be forwarded and
// returns the stream to forward it on. It reports false when no stream is
// active, in which case nothing changes.
func (s *callState) beginAudio(itemID string) (string, bool) {
	if s.streamSID == "" {
		return "", false
	}
	if !s.responseStarted {
		s.responseStarted = true
		s.responseStart = s.latestMediaTimestamp
	}
	if itemID != "" {
		s.activeItemID = itemID
	}
	s.marks.push(markName)
	return s.streamSID, true
}

// interrupt handles caller speech onset. It reports false, leaving state
// untouched, unless assistant audio is mid-playback with unacknowledged marks.
func (s *callState) interrupt() (Interruption, bool) {
	if s.marks.len() == 0 || !s.responseStarted {
		return Interruption{}, false
	}
	elapsed := s.latestMediaTimestamp - s.responseStart
	if elapsed < 0 {
		elapsed = 0
	}
	in := Interruption{
		StreamSID:  s.streamSID,
		ItemID:     s.activeItemID,
		AudioEndMS: elapsed,
	}
	s.clearResponse()
	return in, true
}

func (s *callState) clearResponse() {
	s.responseStarted = false
	s.responseStart = 0
	s.activeItemID = ""
	s.marks.reset()
}
