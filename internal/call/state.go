package call

import "fmt"

// State is the lifecycle state of a [Session]. A session moves from
// StateConnecting to StateOpen when the remote side accepts it and ends in
// StateClosed on every termination path. It never leaves StateClosed.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
