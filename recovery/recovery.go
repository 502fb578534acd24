// Package recovery decides how the engine reacts to malformed input.
//
// Every parse seam that can survive an anomaly routes it through a Strategy
// before giving up; the strategy turns the anomaly into a failure, a skip,
// or a recorded warning.
package recovery

// Strategy maps an error at a location to an action.
type Strategy interface {
	OnError(err error, location Location) Action
}

// Location pins an anomaly to a byte offset and the component that hit it.
type Location struct {
	ByteOffset int64
	ObjectNum  int
	ObjectGen  int
	Component  string
}

type Action int

const (
	ActionFail Action = iota
	ActionSkip
	ActionFix
	ActionWarn
)
