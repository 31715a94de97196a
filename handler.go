package juice

// Handler receives agent events. Any field may be nil, in which case the
// event is discarded.
//
// Callbacks run on engine-owned goroutines (or native threads), never two
// at a time for the same agent. They must not call Close on their own
// agent. The slice passed to Recv is only valid during the call.
type Handler struct {
	StateChanged  func(State)
	Candidate     func(sdp string)
	GatheringDone func()
	Recv          func(data []byte)
}
