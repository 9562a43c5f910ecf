package nzb

import (
	"strings"
	"testing"

	"nzbstream/pkg/nzbmodel"
)

const sampleDoc = `<?xml version="1.0" encoding="iso-8859-1"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head>
    <meta type="category">Movies</meta>
  </head>
  <file poster="poster@example.com" date="1700000000" subject='[1/2] - "movie.rar" yEnc (1/50)'>
    <groups>
      <group>alt.binaries.test</group>
    </groups>
    <segments>
      <segment bytes="500000" number="2">def456@news</segment>
      <segment bytes="500000" number="1">abc123@news</segment>
    </segments>
  </file>
  <file poster="poster@example.com" date="1700000000" subject='[2/2] - "movie.par2" yEnc (1/1)'>
    <groups>
      <group>alt.binaries.test</group>
    </groups>
    <segments>
      <segment bytes="1000" number="1">&lt;ghi789@news&gt;</segment>
    </segments>
  </file>
</nzb>`

func TestParse_OrdersSegmentsAndClassifies(t *testing.T) {
	files, err := Parse(strings.NewReader(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	rar := files[0]
	if rar.RealName != "movie.rar" {
		t.Errorf("RealName = %q, want movie.rar", rar.RealName)
	}
	if rar.Kind != nzbmodel.KindPlainRAR {
		t.Errorf("Kind = %v, want KindPlainRAR", rar.Kind)
	}
	if len(rar.Segments) != 2 || rar.Segments[0].Number != 1 || rar.Segments[1].Number != 2 {
		t.Fatalf("segments not sorted by number: %+v", rar.Segments)
	}
	if rar.Segments[0].MessageID != "<abc123@news>" {
		t.Errorf("MessageID = %q, want <abc123@news>", rar.Segments[0].MessageID)
	}

	par2 := files[1]
	if par2.Kind != nzbmodel.KindPAR2 {
		t.Errorf("Kind = %v, want KindPAR2", par2.Kind)
	}
	if par2.Segments[0].MessageID != "<ghi789@news>" {
		t.Errorf("MessageID = %q, want <ghi789@news> (already bracketed)", par2.Segments[0].MessageID)
	}
}

func TestParse_EmptyDocumentErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(`<nzb></nzb>`))
	if err == nil {
		t.Fatal("expected error for NZB document with no files")
	}
}
