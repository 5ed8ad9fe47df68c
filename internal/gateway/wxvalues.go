package gateway

import (
	"encoding/xml"
	"io"
	"sort"
)

// wxValues is the flat <xml><k><![CDATA[v]]></k>...</xml> envelope the
// provider uses for requests, responses and callbacks.
type wxValues map[string]string

func (m wxValues) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "xml"
	if err := e.EncodeToken(start); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		elem := xml.StartElement{Name: xml.Name{Local: k}}
		if err := e.EncodeToken(elem); err != nil {
			return err
		}
		if err := e.EncodeToken(xml.CharData(m[k])); err != nil {
			return err
		}
		if err := e.EncodeToken(elem.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func (m *wxValues) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	values := wxValues{}
	var current string
	for {
		token, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := token.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			if current != "" {
				values[current] += string(t)
			}
		case xml.EndElement:
			current = ""
			if t.Name == start.Name {
				*m = values
				return nil
			}
		}
	}
	*m = values
	return nil
}
