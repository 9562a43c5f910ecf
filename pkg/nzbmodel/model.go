// Package nzbmodel holds the data model described in spec §3/§4.D:
// posted files, segments, classification by subject, and the RAR
// volume ordering key.
package nzbmodel

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a PostedFile at NZB-parse time from its subject's
// filename. It is not fixed for the file's lifetime: pkg/server's
// resolveNames reclassifies an obfuscated file from its PAR2-resolved
// name once that name is found.
type Kind int

const (
	KindObfuscated Kind = iota
	KindPAR2
	KindPlainRAR
)

// Segment is one NNTP article that makes up part of a PostedFile.
type Segment struct {
	MessageID string
	Bytes     int64
	Number    int // 1-based ordinal within its PostedFile
}

// PostedFile is one file as listed in the NZB.
type PostedFile struct {
	Subject  string
	Segments []Segment
	Kind     Kind

	// RealName is the resolved on-disk name: the subject's extracted
	// filename, as set at NZB-parse time, replaced by the
	// PAR2-manifest-resolved name once an obfuscated file is matched.
	RealName string
}

var (
	par2Ext  = regexp.MustCompile(`(?i)\.par2$`)
	rarMain  = regexp.MustCompile(`(?i)\.rar$`)
	rarPart  = regexp.MustCompile(`(?i)\.r(\d{2,})$`)
	quotedRe = regexp.MustCompile(`"([^"]+)"`)
	counterRe = regexp.MustCompile(`\s*[\(\[]\d+/\d+[\)\]]\s*$`)
	yencRe    = regexp.MustCompile(`(?i)\s*yEnc\s*$`)
)

// ExtractFilename pulls the real filename out of a posted subject line,
// preferring a quoted name and stripping the "(n/m)"/"[n/m]" part
// counter and a trailing "yEnc" marker, e.g.:
//
//	`[1/3] - "movie.rar" yEnc (1/100)` -> "movie.rar"
func ExtractFilename(subject string) string {
	s := subject
	if m := quotedRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = yencRe.ReplaceAllString(s, "")
	s = counterRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Classify determines a PostedFile's Kind from its extracted filename.
func Classify(filename string) Kind {
	switch {
	case par2Ext.MatchString(filename):
		return KindPAR2
	case rarMain.MatchString(filename) || rarPart.MatchString(filename):
		return KindPlainRAR
	default:
		return KindObfuscated
	}
}

// RarExt is the volume-ordering key from spec §4.D: Main sorts before
// every Part(n), and Part(n) sorts before Part(m) for n < m.
type RarExt struct {
	IsMain bool
	Part   int
}

// Less implements the total order Main < Part(0) < Part(1) < ...
func (k RarExt) Less(other RarExt) bool {
	if k.IsMain != other.IsMain {
		return k.IsMain
	}
	return k.Part < other.Part
}

// RarExtOf derives the ordering key from a filename's extension. Files
// without a recognised .rar/.rNN extension get Part(-1), which sorts
// after Main and before Part(0); callers that filter to RAR files first
// never hit this case.
func RarExtOf(filename string) RarExt {
	if rarMain.MatchString(filename) {
		return RarExt{IsMain: true}
	}
	if m := rarPart.FindStringSubmatch(filename); m != nil {
		n, _ := strconv.Atoi(m[1])
		return RarExt{Part: n}
	}
	return RarExt{Part: -1}
}
