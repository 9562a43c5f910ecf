// Package server wires the upload and stream HTTP endpoints (spec §1,
// §4.F, §9) on top of a session manager. Grounded on the teacher's
// handler shape (stdlib net/http, structured logging per request,
// JSON error bodies) but the range logic is hand-rolled: the spec
// needs a 503 "come back later" response for ranges that are valid but
// not yet buffered, a distinction http.ServeContent has no hook for.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"nzbstream/pkg/logger"
	"nzbstream/pkg/nzb"
	"nzbstream/pkg/nzbmodel"
	"nzbstream/pkg/rar"
	"nzbstream/pkg/scheduler"
	"nzbstream/pkg/session"
	"nzbstream/pkg/stream"
	"nzbstream/pkg/usenet/retriever"
)

// SchedulerStarter prepares a freshly parsed NZB into a ready-to-serve
// session: resolving obfuscated names via PAR2, analysing every RAR
// volume's first segment to size and order the virtual stream (spec
// §2's dataflow), creating the session's sparse buffer at the
// resulting size, and kicking off the background scheduler to fill in
// the rest. Separated out so the HTTP layer doesn't depend directly on
// the retriever/pool wiring done at startup.
type SchedulerStarter func(ctx context.Context, manager *session.Manager, id string, files []nzbmodel.PostedFile) (*session.Session, error)

// Server serves the upload and range-streaming endpoints.
type Server struct {
	manager   *session.Manager
	startJobs SchedulerStarter
	maxUpload int64
}

func New(manager *session.Manager, startJobs SchedulerStarter) *Server {
	return &Server{manager: manager, startJobs: startJobs, maxUpload: 64 << 20}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/logs", s.handleLogStream)
	return mux
}

type uploadResponse struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
}

// handleUpload accepts a multipart "nzb" field, parses it, and hands it
// to the configured SchedulerStarter, which resolves obfuscated names,
// analyses and orders the RAR volumes, sizes and creates the session's
// sparse buffer accordingly, and starts background downloading for
// everything beyond each volume's already-analysed first segment.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("nzb")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'nzb' field: "+err.Error())
		return
	}
	defer file.Close()

	files, err := nzb.Parse(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse NZB: "+err.Error())
		return
	}

	id, err := newSessionID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to allocate session id")
		return
	}

	if s.startJobs == nil {
		writeError(w, http.StatusInternalServerError, "no scheduler configured")
		return
	}

	sess, err := s.startJobs(r.Context(), s.manager, id, files)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to prepare stream: "+err.Error())
		return
	}

	logger.Info("server: session created", "session_id", sess.ID, "files", len(files), "total_bytes", sess.TotalSize())
	writeJSON(w, http.StatusOK, uploadResponse{SessionID: sess.ID, StreamURL: "/stream/" + sess.ID})
}

// handleStream serves a byte range out of the session's sparse buffer.
// Semantics follow spec §9: a syntactically invalid range is 416; a
// valid range past the known total size is 416; a valid range that
// simply hasn't buffered yet is 503 with Retry-After.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	orch := stream.New(sess)
	total := sess.TotalSize()

	start, end, hasRange, err := parseRange(r.Header.Get("Range"), total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	if !hasRange {
		start, end = 0, total-1
	}
	length := end - start + 1

	sess.AddClient()
	defer sess.RemoveClient()
	orch.UpdatePlaybackPosition(start)

	avail, err := orch.AvailableBytes(start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if avail <= 0 {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "requested range not buffered yet")
		return
	}

	data, err := orch.GetStream(start, length)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// "?chunked" omits Content-Length and flushes the headers early,
	// which makes net/http send the body with chunked transfer encoding.
	chunked := r.URL.Query().Has("chunked")
	w.Header().Set("Content-Type", "video/x-matroska")
	w.Header().Set("Accept-Ranges", "bytes")
	if !chunked {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	}
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+int64(len(data))-1, total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.(http.Flusher); ok && chunked {
		f.Flush()
	}
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// parseRange parses a single-range "bytes=a-b" header per RFC 7233. An
// absent header reports hasRange=false. A header present but outside
// [0,total) or with start>end is a 416.
func parseRange(header string, total int64) (start, end int64, hasRange bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	if total <= 0 {
		return 0, 0, false, fmt.Errorf("stream size unknown")
	}

	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("multiple ranges not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("malformed range")
	}

	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed suffix range")
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		end = total - 1

	case parts[1] == "":
		s, perr := strconv.ParseInt(parts[0], 10, 64)
		if perr != nil || s < 0 {
			return 0, 0, false, fmt.Errorf("malformed range start")
		}
		start = s
		end = total - 1

	default:
		s, perr1 := strconv.ParseInt(parts[0], 10, 64)
		e, perr2 := strconv.ParseInt(parts[1], 10, 64)
		if perr1 != nil || perr2 != nil || s < 0 || e < s {
			return 0, 0, false, fmt.Errorf("malformed range bounds")
		}
		start, end = s, e
	}

	if start >= total {
		return 0, 0, false, fmt.Errorf("range start beyond stream size")
	}
	if end >= total {
		end = total - 1
	}
	return start, end, true, nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// DefaultScheduler builds the SchedulerStarter used by cmd/nzbstream's
// wiring. It runs spec §2's dataflow synchronously (PAR2 fetch,
// obfuscated-name resolution, per-volume RAR analysis) before the
// session's sparse buffer is even created, since the buffer's size and
// each job's virtual offset both depend on that resolution having
// already happened; only the remaining segments are left to the
// background scheduler, driven by the stream orchestrator's own health
// report.
func DefaultScheduler(r retriever.ArticleRetriever, maxWorkers int) SchedulerStarter {
	return func(ctx context.Context, manager *session.Manager, id string, files []nzbmodel.PostedFile) (*session.Session, error) {
		manifest, firstSegments, err := resolveNames(ctx, r, files)
		if err != nil {
			return nil, fmt.Errorf("server: resolving names: %w", err)
		}

		jobs, writes, totalSize, err := buildJobs(ctx, r, files, firstSegments)
		if err != nil {
			return nil, fmt.Errorf("server: building download jobs: %w", err)
		}

		sess, err := manager.Create(id, totalSize)
		if err != nil {
			return nil, fmt.Errorf("server: creating session: %w", err)
		}
		sess.Files = files
		sess.Par2 = manifest
		sess.Jobs = jobs

		for _, w := range writes {
			if err := sess.Buffer().WriteAt(w.offset, w.data); err != nil {
				logger.Error("server: failed to write pre-fetched first segment", "session_id", id, "err", err)
			}
		}

		orch := stream.New(sess)
		sched := scheduler.New(r, maxWorkers, func() scheduler.Health {
			h, err := orch.Health()
			if err != nil {
				return scheduler.HealthCritical
			}
			return h
		}, func(offset int64, data []byte) error {
			return sess.Buffer().WriteAt(offset, data)
		})

		go func() {
			if err := sched.Run(sess.Context(), jobs); err != nil {
				logger.Error("server: scheduler run failed", "session_id", sess.ID, "err", err)
				return
			}
			probeNestedArchives(sess, jobs)
		}()

		return sess, nil
	}
}

// probeNestedArchives checks every fully-downloaded main RAR volume for
// a RAR-in-RAR or 7z-in-RAR nesting, a situation the stream orchestrator
// cannot serve directly since its offset math assumes the volume's
// payload IS the media file. Detection only; re-unpacking a nested
// archive is out of scope.
func probeNestedArchives(sess *session.Session, jobs []scheduler.Job) {
	for i, job := range jobs {
		if job.File.Kind != nzbmodel.KindPlainRAR {
			continue
		}
		if !nzbmodel.RarExtOf(job.File.RealName).IsMain {
			continue
		}

		// jobs are laid out in ascending virtual-offset order by
		// buildJobs, so the next job's offset (or the buffer's end for
		// the last job) marks this volume's allocated span.
		length := sess.TotalSize() - job.VirtualOffset
		if i+1 < len(jobs) {
			length = jobs[i+1].VirtualOffset - job.VirtualOffset
		}
		data, err := sess.Buffer().ReadAt(job.VirtualOffset, length)
		if err != nil {
			continue
		}

		tmp, err := os.CreateTemp("", "nzbstream-nested-*.rar")
		if err != nil {
			continue
		}
		tmpPath := tmp.Name()
		_, werr := tmp.Write(data)
		tmp.Close()
		defer os.Remove(tmpPath)
		if werr != nil {
			continue
		}

		inner, nested, err := rar.NestedArchive(tmpPath)
		if err != nil {
			logger.Debug("server: nested-archive probe failed", "session_id", sess.ID, "file", job.File.RealName, "err", err)
			continue
		}
		if nested {
			logger.Warn("server: RAR volume contains a nested archive, streaming not supported", "session_id", sess.ID, "file", job.File.RealName, "inner", inner)
		}
	}
}
