package metadata

import (
	"encoding/xml"
	"strings"
)

type xmpProps struct {
	title       string
	creator     string
	description string
}

// parseXMP pulls dc:title, dc:creator and dc:description out of an XMP
// packet. The values sit inside rdf:Alt or rdf:Seq containers; the first
// rdf:li wins.
func parseXMP(data []byte) (xmpProps, error) {
	var props xmpProps
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	dec.Strict = false

	var field *string
	depth := 0
	captureAt := -1
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Space == "http://purl.org/dc/elements/1.1/" || strings.HasPrefix(t.Name.Space, "dc") {
				switch t.Name.Local {
				case "title":
					field = &props.title
				case "creator":
					field = &props.creator
				case "description":
					field = &props.description
				}
			}
			if t.Name.Local == "li" && field != nil && captureAt < 0 {
				captureAt = depth
			}
		case xml.CharData:
			if field != nil && captureAt == depth && *field == "" {
				text := strings.TrimSpace(string(t))
				if text != "" {
					*field = text
				}
			}
		case xml.EndElement:
			if captureAt == depth {
				captureAt = -1
			}
			if t.Name.Local == "title" || t.Name.Local == "creator" || t.Name.Local == "description" {
				field = nil
			}
			depth--
		}
	}
	return props, nil
}
