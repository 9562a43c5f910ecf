package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"sync"
	"testing"

	"nzbstream/pkg/nzbmodel"
)

// fakeRetriever serves fixed payloads keyed by message ID, mirroring
// the scheduler package's own test double.
type fakeRetriever struct {
	mu      sync.Mutex
	byMsgID map[string][]byte
	calls   map[string]int
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{byMsgID: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeRetriever) WarmPool(ctx context.Context) error { return nil }

func (f *fakeRetriever) Download(ctx context.Context, seg nzbmodel.Segment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[seg.MessageID]++
	return f.byMsgID[seg.MessageID], nil
}

const (
	headerTypeFile = 0x74
	rarSignature   = "\x52\x61\x72\x21\x1A\x07\x00"
)

var mkvSignature = []byte{0x1A, 0x45, 0xDF, 0xA3}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// buildRarVolume assembles a minimal classic-RAR volume buffer holding
// a single file header whose payload is the given bytes.
func buildRarVolume(payload []byte) []byte {
	const headerSize = 20
	var h bytes.Buffer
	h.Write(u16(0))             // header_crc, unchecked
	h.WriteByte(headerTypeFile) // header_type
	h.Write(u16(0))             // header_flags, unchecked
	h.Write(u16(headerSize))    // header_size
	h.Write(u32(uint32(len(payload))))
	h.Write(u32(uint32(len(payload))))
	for h.Len() < headerSize {
		h.WriteByte(0)
	}

	var buf bytes.Buffer
	buf.WriteString(rarSignature)
	buf.Write(h.Bytes())
	buf.Write(payload)
	return buf.Bytes()
}

const par2HeaderSize = 8 + 8 + 16 + 16 + 16

var par2Magic = []byte("PAR2\x00PKT")

func buildPar2Packet(packetType string, body []byte) []byte {
	typeTag := make([]byte, 16)
	copy(typeTag, packetType)

	total := par2HeaderSize + len(body)
	var buf bytes.Buffer
	buf.Write(par2Magic)
	lenBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBytes, uint64(total))
	buf.Write(lenBytes)
	buf.Write(make([]byte, 16)) // packet MD5, unchecked
	buf.Write(make([]byte, 16)) // recovery-set ID
	buf.Write(typeTag)
	buf.Write(body)
	return buf.Bytes()
}

func buildFileDescBody(name string, hash16k [16]byte, size int64) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 16)) // file ID, ignored
	buf.Write(make([]byte, 16)) // full-file MD5, skipped
	buf.Write(hash16k[:])
	sizeBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(sizeBytes, uint64(size))
	buf.Write(sizeBytes)
	buf.WriteString(name)
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestBuildJobs_OrdersVolumesByRarExtAndSizesByPayloadLength(t *testing.T) {
	mainPayload := append(append([]byte{0xAA, 0xBB}, mkvSignature...), []byte("main-body")...)
	part0Payload := []byte("part0-body-xyz")
	part1Payload := []byte("part1-body-abcdef")

	r := newFakeRetriever()
	r.byMsgID["<main@news>"] = buildRarVolume(mainPayload)
	r.byMsgID["<p0@news>"] = buildRarVolume(part0Payload)
	r.byMsgID["<p1@news>"] = buildRarVolume(part1Payload)
	r.byMsgID["<par2@news>"] = buildPar2Packet("PAR 2.0\x00Main\x00\x00\x00\x00", []byte{1, 2, 3, 4})

	// Deliberately out of volume order, and with the PAR2 file mixed
	// into the same list, matching how files arrive from the NZB.
	files := []nzbmodel.PostedFile{
		{
			RealName: "movie.r01",
			Kind:     nzbmodel.KindPlainRAR,
			Segments: []nzbmodel.Segment{{MessageID: "<p1@news>", Number: 1}},
		},
		{
			RealName: "movie.par2",
			Kind:     nzbmodel.KindPAR2,
			Segments: []nzbmodel.Segment{{MessageID: "<par2@news>", Number: 1}},
		},
		{
			RealName: "movie.rar",
			Kind:     nzbmodel.KindPlainRAR,
			Segments: []nzbmodel.Segment{{MessageID: "<main@news>", Number: 1}},
		},
		{
			RealName: "movie.r00",
			Kind:     nzbmodel.KindPlainRAR,
			Segments: []nzbmodel.Segment{{MessageID: "<p0@news>", Number: 1}},
		},
	}

	jobs, writes, total, err := buildJobs(context.Background(), r, files, map[*nzbmodel.PostedFile][]byte{})
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}

	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3 (PAR2 file must not become a job)", len(jobs))
	}
	if jobs[0].File.RealName != "movie.rar" || jobs[1].File.RealName != "movie.r00" || jobs[2].File.RealName != "movie.r01" {
		t.Fatalf("volumes not ordered Main < Part(0) < Part(1): %q, %q, %q",
			jobs[0].File.RealName, jobs[1].File.RealName, jobs[2].File.RealName)
	}

	// The main volume's payload is advanced onto the MKV signature,
	// dropping the two bytes before it, so its effective payload length
	// is shorter than mainPayload.
	mainPayloadLen := int64(len(mainPayload) - 2)
	if jobs[0].VirtualOffset != 0 {
		t.Errorf("main volume offset = %d, want 0", jobs[0].VirtualOffset)
	}
	if jobs[1].VirtualOffset != mainPayloadLen {
		t.Errorf("part0 offset = %d, want %d", jobs[1].VirtualOffset, mainPayloadLen)
	}
	wantPart1Offset := mainPayloadLen + int64(len(part0Payload))
	if jobs[2].VirtualOffset != wantPart1Offset {
		t.Errorf("part1 offset = %d, want %d", jobs[2].VirtualOffset, wantPart1Offset)
	}

	wantTotal := mainPayloadLen + int64(len(part0Payload)) + int64(len(part1Payload))
	if total != wantTotal {
		t.Errorf("total size = %d, want %d (sum of payload_length, not raw segment bytes)", total, wantTotal)
	}

	if len(writes) != 3 {
		t.Fatalf("got %d pending writes, want 3", len(writes))
	}
	if r.calls["<par2@news>"] != 0 {
		t.Errorf("buildJobs must not fetch the PAR2 file's segments itself")
	}
}

func TestResolveNames_MatchesObfuscatedFileAndReordersAsRarVolume(t *testing.T) {
	obfuscatedBody := []byte("obfuscated-first-segment-bytes")
	hash := md5.Sum(obfuscatedBody)

	var par2Buf bytes.Buffer
	par2Buf.Write(buildPar2Packet("PAR 2.0\x00Main\x00\x00\x00\x00", []byte{1, 2, 3, 4}))
	par2Buf.Write(buildPar2Packet("PAR 2.0\x00FileDesc", buildFileDescBody("movie.rar", hash, int64(len(obfuscatedBody)))))

	r := newFakeRetriever()
	r.byMsgID["<par2@news>"] = par2Buf.Bytes()
	r.byMsgID["<obf@news>"] = obfuscatedBody

	files := []nzbmodel.PostedFile{
		{
			RealName: "abc123",
			Kind:     nzbmodel.KindObfuscated,
			Segments: []nzbmodel.Segment{{MessageID: "<obf@news>", Number: 1}},
		},
		{
			RealName: "movie.par2",
			Kind:     nzbmodel.KindPAR2,
			Segments: []nzbmodel.Segment{{MessageID: "<par2@news>", Number: 1}},
		},
	}

	manifest, firstSegments, err := resolveNames(context.Background(), r, files)
	if err != nil {
		t.Fatalf("resolveNames: %v", err)
	}
	if manifest == nil {
		t.Fatal("expected a parsed manifest")
	}
	if files[0].RealName != "movie.rar" {
		t.Errorf("RealName = %q, want movie.rar", files[0].RealName)
	}
	if files[0].Kind != nzbmodel.KindPlainRAR {
		t.Errorf("Kind = %v, want KindPlainRAR after resolution", files[0].Kind)
	}
	if _, ok := firstSegments[&files[0]]; !ok {
		t.Error("expected the already-downloaded first segment to be cached for buildJobs")
	}
}

func TestResolveNames_UnmatchedObfuscatedFileIsLeftAlone(t *testing.T) {
	var par2Buf bytes.Buffer
	par2Buf.Write(buildPar2Packet("PAR 2.0\x00Main\x00\x00\x00\x00", []byte{1, 2, 3, 4}))
	par2Buf.Write(buildPar2Packet("PAR 2.0\x00FileDesc", buildFileDescBody("movie.rar", md5.Sum([]byte("something else")), 10)))

	r := newFakeRetriever()
	r.byMsgID["<par2@news>"] = par2Buf.Bytes()
	r.byMsgID["<obf@news>"] = []byte("completely unrelated content")

	files := []nzbmodel.PostedFile{
		{
			RealName: "xyz999",
			Kind:     nzbmodel.KindObfuscated,
			Segments: []nzbmodel.Segment{{MessageID: "<obf@news>", Number: 1}},
		},
		{
			RealName: "movie.par2",
			Kind:     nzbmodel.KindPAR2,
			Segments: []nzbmodel.Segment{{MessageID: "<par2@news>", Number: 1}},
		},
	}

	if _, _, err := resolveNames(context.Background(), r, files); err != nil {
		t.Fatalf("resolveNames: %v", err)
	}
	if files[0].Kind != nzbmodel.KindObfuscated {
		t.Errorf("unmatched file's Kind changed to %v, want it to stay KindObfuscated", files[0].Kind)
	}
	if files[0].RealName != "xyz999" {
		t.Errorf("unmatched file's RealName changed to %q", files[0].RealName)
	}
}
