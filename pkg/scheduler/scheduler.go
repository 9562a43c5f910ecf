// Package scheduler implements component G: an adaptive download
// scheduler that turns a session's segment list into a stream of
// download jobs, pacing how many segments run concurrently and which
// ones get prioritized based on the stream orchestrator's reported
// buffer health (spec §4.G).
//
// It borrows the teacher's bounded-concurrency idiom (a channel-backed
// semaphore plus a sync.WaitGroup), the same shape used for unpack
// concurrency in pkg/unpack/rar.go and the NZB indexer aggregator.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"nzbstream/pkg/logger"
	"nzbstream/pkg/nzbmodel"
	"nzbstream/pkg/usenet/retriever"
)

// Health mirrors the stream orchestrator's four-level buffer-health
// classification (spec §4.F). The scheduler only depends on this
// enum, not on the orchestrator package, to avoid an import cycle.
type Health int

const (
	HealthCritical Health = iota
	HealthPoor
	HealthGood
	HealthExcellent
)

// policy is one row of the health -> parallelism table from spec §4.G.
type policy struct {
	jobParallelism int // 0 means "all remaining jobs"
	evenlySpaced   bool
}

var policyTable = map[Health]policy{
	HealthCritical:  {jobParallelism: 1, evenlySpaced: false},
	HealthPoor:      {jobParallelism: 2, evenlySpaced: false},
	HealthGood:      {jobParallelism: 4, evenlySpaced: true},
	HealthExcellent: {jobParallelism: 0, evenlySpaced: true},
}

// Job is one RAR volume's ordered segment-download task, addressed by
// the virtual byte offset its payload begins at. FirstChunkLen is how
// many payload bytes were already written before scheduling began: the
// volume's first segment is downloaded and analysed up front (for
// offset/ordering resolution), so the scheduler only fetches
// File.Segments[1:] and starts its write cursor past that chunk.
type Job struct {
	File          *nzbmodel.PostedFile
	VirtualOffset int64
	FirstChunkLen int64
}

// WriteFunc persists one segment's decoded bytes at its virtual offset,
// implemented by the session's sparse buffer in production and by a
// plain byte-slice collector in tests.
type WriteFunc func(virtualOffset int64, data []byte) error

// HealthFunc reports the stream orchestrator's current buffer health;
// consulted once per batch so the scheduler adapts as playback
// consumes the buffer.
type HealthFunc func() Health

// Scheduler drives download workers across a session's jobs, sizing
// and ordering each batch according to the current buffer health.
type Scheduler struct {
	retriever  retriever.ArticleRetriever
	maxWorkers int
	getHealth  HealthFunc
	write      WriteFunc
}

func New(r retriever.ArticleRetriever, maxWorkers int, getHealth HealthFunc, write WriteFunc) *Scheduler {
	return &Scheduler{retriever: r, maxWorkers: maxWorkers, getHealth: getHealth, write: write}
}

// Run downloads every job's segments to completion, re-evaluating
// buffer health before each batch. It returns the first segment error
// that survives the retriever's own retry budget; a cancelled ctx stops
// scheduling further batches but lets in-flight segments finish.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	remaining := jobs
	for len(remaining) > 0 {
		h := s.getHealth()
		p := policyTable[h]

		jp := p.jobParallelism
		if jp <= 0 || jp > len(remaining) {
			jp = len(remaining)
		}

		batch := selectBatch(remaining, jp, p.evenlySpaced)
		segParallelism := s.maxWorkers
		if jp > 0 {
			perJob := s.maxWorkers / jp
			if perJob < 1 {
				perJob = 1
			}
			segParallelism = perJob
		}

		logger.Debug("scheduler: starting batch", "health", h, "job_parallelism", jp, "jobs_in_batch", len(batch), "segment_parallelism", segParallelism)

		if err := s.runBatch(ctx, batch, segParallelism); err != nil {
			return err
		}

		remaining = removeJobs(remaining, batch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// selectBatch picks jp jobs from remaining. When evenlySpaced, the jobs
// are spread across the remaining list at step = len/jp instead of
// taken from the front, so later-needed files also make progress.
func selectBatch(remaining []Job, jp int, evenlySpaced bool) []Job {
	if jp >= len(remaining) {
		return remaining
	}
	if !evenlySpaced {
		return remaining[:jp]
	}

	step := len(remaining) / jp
	if step < 1 {
		step = 1
	}
	batch := make([]Job, 0, jp)
	for i := 0; i < len(remaining) && len(batch) < jp; i += step {
		batch = append(batch, remaining[i])
	}
	return batch
}

func removeJobs(all, done []Job) []Job {
	doneSet := make(map[*nzbmodel.PostedFile]bool, len(done))
	for _, j := range done {
		doneSet[j.File] = true
	}
	out := make([]Job, 0, len(all)-len(done))
	for _, j := range all {
		if !doneSet[j.File] {
			out = append(out, j)
		}
	}
	return out
}

// runBatch downloads every job in the batch concurrently. Each job
// fetches its segments one at a time, in order; the jobs share one
// semaphore of segParallelism slots, so at most min(len(batch),
// segParallelism) segments are in flight and no job has more than one.
func (s *Scheduler) runBatch(ctx context.Context, batch []Job, segParallelism int) error {
	sem := make(chan struct{}, segParallelism)
	var wg sync.WaitGroup
	errCh := make(chan error, len(batch))

	for _, job := range batch {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			if err := s.runJob(ctx, job, sem); err != nil {
				errCh <- err
			}
		}(job)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// runJob downloads one volume's remaining segments strictly in order,
// writing each to its virtual offset as it completes. Segment 0 is
// never fetched here: it was already downloaded and written during
// offset/name resolution before the job list was built.
func (s *Scheduler) runJob(ctx context.Context, job Job, sem chan struct{}) error {
	if len(job.File.Segments) <= 1 {
		return nil
	}
	offset := job.VirtualOffset + job.FirstChunkLen
	for _, seg := range job.File.Segments[1:] {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		data, err := s.retriever.Download(ctx, seg)
		<-sem
		if err != nil {
			return fmt.Errorf("scheduler: segment %s of %q: %w", seg.MessageID, job.File.RealName, err)
		}
		if err := s.write(offset, data); err != nil {
			return fmt.Errorf("scheduler: writing segment %s: %w", seg.MessageID, err)
		}
		offset += int64(len(data))
	}
	return nil
}
