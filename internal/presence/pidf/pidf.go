// Package pidf parses presence status documents (RFC 3863 PIDF with the
// RFC 4480 RPID person extensions) into a flat Status.
package pidf

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Supported content types.
const (
	ContentTypePIDF     = "application/pidf+xml"
	ContentTypeCPIMPIDF = "application/cpim-pidf+xml"
)

// ErrNotUnderstood is returned for any body this package cannot interpret.
var ErrNotUnderstood = errors.New("pidf: document not understood")

// Tuple is one <tuple> of the document.
type Tuple struct {
	ID      string `json:"id,omitempty"`
	Basic   string `json:"basic,omitempty"`
	Contact string `json:"contact,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Status is the interpreted document.
type Status struct {
	// Presentity is the entity attribute of the document root.
	Presentity string   `json:"presentity,omitempty"`
	Open       bool     `json:"open"`
	DND        bool     `json:"dnd"`
	OnThePhone bool     `json:"onthephone"`
	Activities []string `json:"activities,omitempty"`
	Notes      []string `json:"notes,omitempty"`
	Tuples     []Tuple  `json:"tuples,omitempty"`
}

type xmlDocument struct {
	XMLName xml.Name    `xml:"presence"`
	Entity  string      `xml:"entity,attr"`
	Tuples  []xmlTuple  `xml:"tuple"`
	Persons []xmlPerson `xml:"person"`
	Notes   []string    `xml:"note"`
}

type xmlTuple struct {
	ID      string `xml:"id,attr"`
	Basic   string `xml:"status>basic"`
	Contact string `xml:"contact"`
	Note    string `xml:"note"`
}

type xmlPerson struct {
	Activities []xmlActivities `xml:"activities"`
	Notes      []string        `xml:"note"`
}

// xmlActivities collects the element names inside <rpid:activities>.
type xmlActivities struct {
	Items []struct {
		XMLName xml.Name
	} `xml:",any"`
}

// Supported reports whether contentType names a PIDF document. Parameters
// such as charset are ignored.
func Supported(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == ContentTypePIDF || mt == ContentTypeCPIMPIDF
}

// Parse decodes body according to contentType.
func Parse(contentType string, body []byte) (*Status, error) {
	if !Supported(contentType) {
		return nil, fmt.Errorf("%w: content type %q", ErrNotUnderstood, contentType)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrNotUnderstood)
	}

	var doc xmlDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotUnderstood, err)
	}

	s := &Status{Presentity: strings.TrimSpace(doc.Entity)}

	for _, t := range doc.Tuples {
		tuple := Tuple{
			ID:      t.ID,
			Basic:   strings.ToLower(strings.TrimSpace(t.Basic)),
			Contact: strings.TrimSpace(t.Contact),
			Note:    strings.TrimSpace(t.Note),
		}
		if tuple.Basic == "open" {
			s.Open = true
		}
		if tuple.Note != "" {
			s.Notes = append(s.Notes, tuple.Note)
		}
		s.Tuples = append(s.Tuples, tuple)
	}

	s.Notes = appendNotes(s.Notes, doc.Notes)
	for _, p := range doc.Persons {
		s.Notes = appendNotes(s.Notes, p.Notes)
		for _, acts := range p.Activities {
			for _, item := range acts.Items {
				s.Activities = append(s.Activities, item.XMLName.Local)
			}
		}
	}

	s.derive()
	return s, nil
}

func appendNotes(dst, notes []string) []string {
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" {
			dst = append(dst, n)
		}
	}
	return dst
}

// derive sets the boolean summaries from activities and notes.
func (s *Status) derive() {
	for _, a := range s.Activities {
		switch a {
		case "busy", "do-not-disturb":
			s.DND = true
		case "on-the-phone":
			s.OnThePhone = true
		}
	}
	for _, n := range s.Notes {
		switch strings.ToLower(n) {
		case "dnd", "do not disturb":
			s.DND = true
		case "on the phone":
			s.OnThePhone = true
		}
	}
}
