package recovery

import "fmt"

// StrictStrategy fails on the first anomaly.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy { return &StrictStrategy{} }

func (s *StrictStrategy) OnError(err error, location Location) Action {
	return ActionFail
}

// LenientStrategy records anomalies and keeps going. The collected warnings
// are available to the caller after the operation completes.
type LenientStrategy struct {
	Warnings []error
}

func NewLenientStrategy() *LenientStrategy { return &LenientStrategy{} }

func (s *LenientStrategy) OnError(err error, location Location) Action {
	s.Warnings = append(s.Warnings, &Warning{Err: err, Location: location})
	return ActionWarn
}

// Warning wraps an anomaly with the location it was observed at.
type Warning struct {
	Err      error
	Location Location
}

func (w *Warning) Error() string {
	return fmt.Sprintf("[%s] offset %d: %v", w.Location.Component, w.Location.ByteOffset, w.Err)
}

func (w *Warning) Unwrap() error { return w.Err }
