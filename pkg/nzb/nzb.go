// Package nzb parses NZB XML documents into the file/segment model used
// by the rest of the pipeline, adapted from the teacher's NZB loader but
// trimmed to what the spec's ingestion step needs: subjects, groups, and
// segment message IDs.
package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"golang.org/x/net/html/charset"

	"nzbstream/pkg/nzbmodel"
)

type document struct {
	XMLName xml.Name `xml:"nzb"`
	Files   []file   `xml:"file"`
}

type file struct {
	Subject  string    `xml:"subject,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []segment `xml:"segments>segment"`
}

type segment struct {
	Bytes  int64  `xml:"bytes,attr"`
	Number int    `xml:"number,attr"`
	ID     string `xml:",chardata"`
}

// Parse reads an NZB document and returns one PostedFile per <file>
// element, with segments sorted by their declared number and filenames
// resolved from the subject line.
func Parse(r io.Reader) ([]nzbmodel.PostedFile, error) {
	var doc document
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("nzb: decode: %w", err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("nzb: document has no files")
	}

	out := make([]nzbmodel.PostedFile, 0, len(doc.Files))
	for _, f := range doc.Files {
		name := nzbmodel.ExtractFilename(f.Subject)
		segs := make([]nzbmodel.Segment, 0, len(f.Segments))
		for _, s := range f.Segments {
			segs = append(segs, nzbmodel.Segment{
				MessageID: formatMessageID(s.ID),
				Bytes:     s.Bytes,
				Number:    s.Number,
			})
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].Number < segs[j].Number })

		out = append(out, nzbmodel.PostedFile{
			Subject:  f.Subject,
			RealName: name,
			Segments: segs,
			Kind:     nzbmodel.Classify(name),
		})
	}
	return out, nil
}

// formatMessageID normalizes a segment ID to the angle-bracketed form
// NNTP's BODY command expects, tolerating NZBs that already include the
// brackets or omit them.
func formatMessageID(id string) string {
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		return id
	}
	return "<" + id + ">"
}
