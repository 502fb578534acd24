package raw

// Concrete implementations of the raw object union.

// NameObj is a PDF name. Val holds the decoded name without the slash.
type NameObj struct{ Val string }

func (n NameObj) Type() string     { return "name" }
func (n NameObj) IsIndirect() bool { return false }
func (n NameObj) Value() string    { return n.Val }

// NumberObj is a PDF numeric value. PDF does not distinguish int from real
// at the type level, but the parser tracks whether the source token was a
// bare integer; reference and object-header detection depend on it.
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (n NumberObj) Type() string     { return "number" }
func (n NumberObj) IsIndirect() bool { return false }
func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}
func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}
func (n NumberObj) IsInteger() bool { return n.IsInt }

// BoolObj is a PDF boolean.
type BoolObj struct{ V bool }

func (b BoolObj) Type() string     { return "boolean" }
func (b BoolObj) IsIndirect() bool { return false }
func (b BoolObj) Value() bool      { return b.V }

// NullObj is the PDF null object.
type NullObj struct{}

func (n NullObj) Type() string     { return "null" }
func (n NullObj) IsIndirect() bool { return false }

// StringObj is a PDF string. Bytes holds the raw bytes after escape or hex
// decoding but before any decryption the loader applies. Hex records which
// syntax produced the string.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (s StringObj) Type() string     { return "string" }
func (s StringObj) IsIndirect() bool { return false }
func (s StringObj) Value() []byte    { return s.Bytes }
func (s StringObj) IsHex() bool      { return s.Hex }

// Text returns a best-effort Latin-1 view of the string bytes. Proper PDF
// text-string decoding (UTF-16BE, PDFDocEncoding) is a caller concern.
func (s StringObj) Text() string {
	runes := make([]rune, len(s.Bytes))
	for i, b := range s.Bytes {
		runes[i] = rune(b)
	}
	return string(runes)
}

// ArrayObj is a PDF array.
type ArrayObj struct{ Items []Object }

func (a *ArrayObj) Type() string     { return "array" }
func (a *ArrayObj) IsIndirect() bool { return false }
func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}
func (a *ArrayObj) Len() int        { return len(a.Items) }
func (a *ArrayObj) Append(o Object) { a.Items = append(a.Items, o) }

// DictObj is a PDF dictionary. Key order is irrelevant per the format.
type DictObj struct{ KV map[string]Object }

func (d *DictObj) Type() string                { return "dict" }
func (d *DictObj) IsIndirect() bool            { return false }
func (d *DictObj) Get(key Name) (Object, bool) { o, ok := d.KV[key.Value()]; return o, ok }
func (d *DictObj) Set(key Name, value Object) {
	if d.KV == nil {
		d.KV = make(map[string]Object)
	}
	d.KV[key.Value()] = value
}
func (d *DictObj) Keys() []Name {
	keys := make([]Name, 0, len(d.KV))
	for k := range d.KV {
		keys = append(keys, NameObj{Val: k})
	}
	return keys
}
func (d *DictObj) Len() int { return len(d.KV) }

// StreamObj pairs a stream dictionary with its raw, undecoded payload.
type StreamObj struct {
	Dict *DictObj
	Data []byte
}

func (s *StreamObj) Type() string     { return "stream" }
func (s *StreamObj) IsIndirect() bool { return false }
func (s *StreamObj) Length() int64    { return int64(len(s.Data)) }

// RefObj is an indirect object reference.
type RefObj struct{ R ObjectRef }

func (r RefObj) Type() string     { return "ref" }
func (r RefObj) IsIndirect() bool { return true }
func (r RefObj) Ref() ObjectRef   { return r.R }

// Constructors.

func NameLiteral(v string) NameObj       { return NameObj{Val: v} }
func NumberInt(i int64) NumberObj        { return NumberObj{I: i, IsInt: true} }
func NumberFloat(f float64) NumberObj    { return NumberObj{F: f, IsInt: false} }
func Bool(v bool) BoolObj                { return BoolObj{V: v} }
func Str(b []byte) StringObj             { return StringObj{Bytes: b} }
func NewArray(items ...Object) *ArrayObj { return &ArrayObj{Items: items} }
func Dict() *DictObj                     { return &DictObj{KV: make(map[string]Object)} }
func NewStream(dict *DictObj, data []byte) *StreamObj {
	return &StreamObj{Dict: dict, Data: data}
}
func Ref(num, gen int) RefObj { return RefObj{R: ObjectRef{Num: num, Gen: gen}} }

// Accessor helpers shared by the higher layers.

// DictGet returns the entry for key from a possibly-nil dictionary.
func DictGet(d *DictObj, key string) (Object, bool) {
	if d == nil {
		return nil, false
	}
	return d.Get(NameObj{Val: key})
}

// IntFromDict returns the integer value for key, or fallback.
func IntFromDict(d *DictObj, key string, fallback int64) int64 {
	if v, ok := DictGet(d, key); ok {
		if n, ok := v.(NumberObj); ok {
			return n.Int()
		}
	}
	return fallback
}

// FloatFromDict returns the numeric value for key, or fallback.
func FloatFromDict(d *DictObj, key string, fallback float64) float64 {
	if v, ok := DictGet(d, key); ok {
		if n, ok := v.(NumberObj); ok {
			return n.Float()
		}
	}
	return fallback
}

// NameFromDict returns the name value for key, or "".
func NameFromDict(d *DictObj, key string) string {
	if v, ok := DictGet(d, key); ok {
		if n, ok := v.(NameObj); ok {
			return n.Val
		}
	}
	return ""
}

// StringFromDict returns the string bytes for key, or nil.
func StringFromDict(d *DictObj, key string) ([]byte, bool) {
	if v, ok := DictGet(d, key); ok {
		if s, ok := v.(StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}
