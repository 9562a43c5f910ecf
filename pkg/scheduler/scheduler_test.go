package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"nzbstream/pkg/nzbmodel"
)

// fakeRetriever returns a fixed payload per message ID and counts calls.
type fakeRetriever struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRetriever) WarmPool(ctx context.Context) error { return nil }

func (f *fakeRetriever) Download(ctx context.Context, seg nzbmodel.Segment) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []byte(fmt.Sprintf("data-%s", seg.MessageID)), nil
}

func TestSelectBatch_EvenlySpacedSpreadsAcrossRemaining(t *testing.T) {
	jobs := make([]Job, 10)
	files := make([]nzbmodel.PostedFile, 10)
	for i := range jobs {
		files[i] = nzbmodel.PostedFile{RealName: fmt.Sprintf("file%d", i)}
		jobs[i] = Job{File: &files[i]}
	}

	batch := selectBatch(jobs, 2, true)
	if len(batch) != 2 {
		t.Fatalf("got %d jobs, want 2", len(batch))
	}
	if batch[0] != jobs[0] {
		t.Errorf("expected first selected job to be jobs[0]")
	}
	if batch[1] != jobs[5] {
		t.Errorf("expected second selected job to be jobs[5] (step = 10/2)")
	}
}

func TestSelectBatch_NotEvenlySpacedTakesFromFront(t *testing.T) {
	jobs := make([]Job, 5)
	files := make([]nzbmodel.PostedFile, 5)
	for i := range jobs {
		files[i] = nzbmodel.PostedFile{RealName: fmt.Sprintf("file%d", i)}
		jobs[i] = Job{File: &files[i]}
	}

	batch := selectBatch(jobs, 2, false)
	if len(batch) != 2 || batch[0] != jobs[0] || batch[1] != jobs[1] {
		t.Fatalf("expected front-of-list selection, got %+v", batch)
	}
}

func TestRun_SkipsSegmentZeroAndStartsAfterFirstChunk(t *testing.T) {
	file := nzbmodel.PostedFile{
		RealName: "movie.rar",
		Segments: []nzbmodel.Segment{
			{MessageID: "<a@news>", Number: 1},
			{MessageID: "<b@news>", Number: 2},
			{MessageID: "<c@news>", Number: 3},
		},
	}
	// Segment 0 ("<a@news>") was already downloaded and written during
	// offset resolution; FirstChunkLen records how far that advanced
	// the write cursor.
	job := Job{File: &file, VirtualOffset: 100, FirstChunkLen: 7}

	var offsets []int64
	var written []string
	var mu sync.Mutex
	writeFn := func(offset int64, data []byte) error {
		mu.Lock()
		offsets = append(offsets, offset)
		written = append(written, string(data))
		mu.Unlock()
		return nil
	}

	r := &fakeRetriever{}
	s := New(r, 4, func() Health { return HealthGood }, writeFn)

	if err := s.Run(context.Background(), []Job{job}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.calls != 2 {
		t.Fatalf("retriever called %d times, want 2 (segment 0 must not be re-downloaded)", r.calls)
	}
	if len(written) != 2 || written[0] != "data-<b@news>" || written[1] != "data-<c@news>" {
		t.Fatalf("unexpected segments written: %+v", written)
	}
	if offsets[0] != 107 {
		t.Errorf("first write offset = %d, want 107 (VirtualOffset + FirstChunkLen)", offsets[0])
	}
}

func TestRun_SingleSegmentJobDownloadsNothingMore(t *testing.T) {
	file := nzbmodel.PostedFile{
		RealName: "movie.r01",
		Segments: []nzbmodel.Segment{
			{MessageID: "<only@news>", Number: 1},
		},
	}
	job := Job{File: &file, VirtualOffset: 0, FirstChunkLen: 42}

	r := &fakeRetriever{}
	s := New(r, 4, func() Health { return HealthGood }, func(int64, []byte) error { return nil })

	if err := s.Run(context.Background(), []Job{job}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.calls != 0 {
		t.Fatalf("retriever called %d times, want 0", r.calls)
	}
}

func TestRemoveJobs_DropsCompletedJobsOnly(t *testing.T) {
	files := make([]nzbmodel.PostedFile, 3)
	jobs := make([]Job, 3)
	for i := range jobs {
		jobs[i] = Job{File: &files[i]}
	}

	remaining := removeJobs(jobs, []Job{jobs[1]})
	if len(remaining) != 2 || remaining[0] != jobs[0] || remaining[1] != jobs[2] {
		t.Fatalf("unexpected remaining set: %+v", remaining)
	}
}
