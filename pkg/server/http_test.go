package server

import "testing"

func TestParseRange_NoHeaderMeansWholeStream(t *testing.T) {
	_, _, hasRange, err := parseRange("", 1000)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if hasRange {
		t.Error("expected hasRange = false for empty header")
	}
}

func TestParseRange_SimpleRange(t *testing.T) {
	start, end, hasRange, err := parseRange("bytes=100-199", 1000)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if !hasRange || start != 100 || end != 199 {
		t.Errorf("got (%d,%d,%v), want (100,199,true)", start, end, hasRange)
	}
}

func TestParseRange_OpenEndedRange(t *testing.T) {
	start, end, hasRange, err := parseRange("bytes=900-", 1000)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if !hasRange || start != 900 || end != 999 {
		t.Errorf("got (%d,%d,%v), want (900,999,true)", start, end, hasRange)
	}
}

func TestParseRange_SuffixRange(t *testing.T) {
	start, end, hasRange, err := parseRange("bytes=-100", 1000)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if !hasRange || start != 900 || end != 999 {
		t.Errorf("got (%d,%d,%v), want (900,999,true)", start, end, hasRange)
	}
}

func TestParseRange_StartBeyondSizeIs416(t *testing.T) {
	_, _, _, err := parseRange("bytes=2000-3000", 1000)
	if err == nil {
		t.Fatal("expected error for range start beyond stream size")
	}
}

func TestParseRange_EndClampedToSize(t *testing.T) {
	_, end, _, err := parseRange("bytes=900-5000", 1000)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if end != 999 {
		t.Errorf("end = %d, want 999 (clamped)", end)
	}
}

func TestParseRange_MultipleRangesUnsupported(t *testing.T) {
	_, _, _, err := parseRange("bytes=0-99,200-299", 1000)
	if err == nil {
		t.Fatal("expected error for multi-range request")
	}
}

func TestParseRange_MalformedBounds(t *testing.T) {
	_, _, _, err := parseRange("bytes=500-100", 1000)
	if err == nil {
		t.Fatal("expected error when start > end")
	}
}
