package daemon

// mayDispatch reports whether a newly received message may be handed
// to a worker right now. Denial is the daemon's only backpressure
// mechanism: the caller pushes the message back onto the queue via a
// visibility change instead of buffering it locally.
func mayDispatch(inFlight, maxChildren int) bool {
	return inFlight < maxChildren
}
