// Package raw defines the PDF object model produced by the parser.
//
// The object graph is a closed union: every value read from a PDF file is
// one of Null, Boolean, Number, Name, String, Array, Dictionary, Stream or
// Reference. Consumers type-switch over the concrete types in objects.go.
package raw

import "fmt"

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Name is the key type dictionaries index by. NameObj is the only
// implementation; the interface keeps dictionary keys distinct from
// arbitrary strings in the Get/Set signatures.
type Name interface {
	Object
	Value() string
}
