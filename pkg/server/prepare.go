package server

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"

	"nzbstream/pkg/logger"
	"nzbstream/pkg/nzbmodel"
	"nzbstream/pkg/par2"
	"nzbstream/pkg/rar"
	"nzbstream/pkg/scheduler"
	"nzbstream/pkg/usenet/retriever"
)

// hashWindow is the prefix length PAR2 fingerprints obfuscated files by
// (spec §4.D, §3 "Par2Manifest").
const hashWindow = 16 * 1024

// pendingWrite is one already-downloaded chunk waiting to be copied into
// a session's sparse buffer once it exists. Resolution (PAR2 fetch,
// obfuscated-name hashing, RAR volume analysis) all happens before the
// buffer is sized and created, so these chunks are staged here in the
// meantime.
type pendingWrite struct {
	offset int64
	data   []byte
}

// resolveNames implements spec §2's dataflow: fetch the PAR2 file (if
// any), then hash every obfuscated file's first segment against its
// inverse hash16k index, reclassifying matches in place. Unmatched
// obfuscated files surface as FilenameNotFound warnings and are left
// out of the RAR-volume task list built by buildJobs. firstSegments
// caches each downloaded first-segment buffer so buildJobs doesn't
// re-fetch segment 0 for a file already pulled here.
func resolveNames(ctx context.Context, r retriever.ArticleRetriever, files []nzbmodel.PostedFile) (*par2.Manifest, map[*nzbmodel.PostedFile][]byte, error) {
	firstSegments := make(map[*nzbmodel.PostedFile][]byte)

	var manifest *par2.Manifest
	for i := range files {
		if files[i].Kind != nzbmodel.KindPAR2 {
			continue
		}
		buf, err := downloadAll(ctx, r, &files[i])
		if err != nil {
			logger.Warn("server: failed to fetch PAR2 file", "subject", files[i].Subject, "err", err)
			continue
		}
		m, err := par2.ParseCached(buf)
		if err != nil {
			logger.Warn("server: no usable PAR2 manifest", "err", err)
			continue
		}
		manifest = m
		break
	}
	if manifest == nil {
		return nil, firstSegments, nil
	}

	byHash := manifest.ByHash16k()
	for i := range files {
		f := &files[i]
		if f.Kind != nzbmodel.KindObfuscated || len(f.Segments) == 0 {
			continue
		}
		head, err := r.Download(ctx, f.Segments[0])
		if err != nil {
			logger.Warn("server: failed to fetch first segment for name resolution", "subject", f.Subject, "err", err)
			continue
		}
		firstSegments[f] = head

		window := head
		if len(window) > hashWindow {
			window = window[:hashWindow]
		}
		sum := md5.Sum(window)
		name, ok := byHash[sum]
		if !ok {
			logger.Warn("server: FilenameNotFound", "subject", f.Subject)
			continue
		}
		f.RealName = name
		f.Kind = nzbmodel.Classify(name)
		logger.Info("server: resolved obfuscated filename", "resolved_name", name)
	}
	return manifest, firstSegments, nil
}

// buildJobs implements spec §3's DownloadTask / §4.G job model: the RAR
// volumes (and only the RAR volumes — never the PAR2 file) are ordered
// Main < Part(0) < Part(1) < ..., each volume's first segment is
// analysed for its payload offset/length, and virtual offsets are
// assigned as the running sum of payload lengths. The first volume's
// analysis additionally advances past the RAR header onto the MKV EBML
// signature, so offset 0 of the virtual stream is a valid media header.
func buildJobs(ctx context.Context, r retriever.ArticleRetriever, files []nzbmodel.PostedFile, firstSegments map[*nzbmodel.PostedFile][]byte) ([]scheduler.Job, []pendingWrite, int64, error) {
	var volumes []*nzbmodel.PostedFile
	for i := range files {
		if files[i].Kind == nzbmodel.KindPlainRAR {
			volumes = append(volumes, &files[i])
		}
	}
	sort.Slice(volumes, func(i, j int) bool {
		return nzbmodel.RarExtOf(volumes[i].RealName).Less(nzbmodel.RarExtOf(volumes[j].RealName))
	})

	jobs := make([]scheduler.Job, 0, len(volumes))
	writes := make([]pendingWrite, 0, len(volumes))
	var offset int64

	for i, f := range volumes {
		if len(f.Segments) == 0 {
			continue
		}

		raw, ok := firstSegments[f]
		if !ok {
			var err error
			raw, err = r.Download(ctx, f.Segments[0])
			if err != nil {
				return nil, nil, 0, fmt.Errorf("server: downloading first segment of %q: %w", f.RealName, err)
			}
		}

		info, err := rar.Analyse(raw, i == 0)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("server: analysing RAR volume %q: %w", f.RealName, err)
		}

		chunkEnd := info.PayloadOffset + info.PayloadLength
		if chunkEnd > int64(len(raw)) {
			chunkEnd = int64(len(raw))
		}
		var chunk []byte
		if chunkEnd > info.PayloadOffset {
			chunk = raw[info.PayloadOffset:chunkEnd]
		}

		jobs = append(jobs, scheduler.Job{File: f, VirtualOffset: offset, FirstChunkLen: int64(len(chunk))})
		if len(chunk) > 0 {
			writes = append(writes, pendingWrite{offset: offset, data: chunk})
		}

		offset += info.PayloadLength
	}

	return jobs, writes, offset, nil
}

// downloadAll fetches every segment of f in order and concatenates the
// decoded bytes, used for the PAR2 file (which must be read in full to
// parse its manifest, unlike a RAR volume's first-segment analysis).
func downloadAll(ctx context.Context, r retriever.ArticleRetriever, f *nzbmodel.PostedFile) ([]byte, error) {
	var out []byte
	for _, seg := range f.Segments {
		data, err := r.Download(ctx, seg)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.MessageID, err)
		}
		out = append(out, data...)
	}
	return out, nil
}
