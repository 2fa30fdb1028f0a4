package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/flags"
	"github.com/BadgerOps/zippy/internal/safety"
	"github.com/BadgerOps/zippy/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxFlagBody         = 4 << 10
)

// writeJSON encodes data as the response body. Callers set any non-200
// status first.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.writeJSON(w, map[string]string{"error": msg})
}

// statusForKind maps an engine error kind to an HTTP status.
func statusForKind(k engine.Kind) int {
	switch k {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindInvalidFormat, engine.KindUnsupportedInput:
		return http.StatusBadRequest
	case engine.KindPermissionDenied:
		return http.StatusForbidden
	case engine.KindInsufficientSpace:
		return http.StatusInsufficientStorage
	case engine.KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, t := range s.tasks.List() {
		if !t.Status().Terminal() {
			running++
		}
	}
	resp := map[string]interface{}{
		"status":        "ok",
		"running_tasks": running,
	}
	if s.sampler != nil {
		if u, err := s.sampler.Sample(r.Context()); err != nil {
			s.logger.Debug("resource sample failed", "error", err)
		} else {
			resp["memory_percent"] = u.MemoryPercent
			resp["cpu_percent"] = u.CPUPercent
		}
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, resp)
}

// receiveFiles streams every multipart part named field into dir and
// returns the stored paths in upload order.
func receiveFiles(r *http.Request, field, dir string) ([]string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart form: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	used := make(map[string]bool)
	var paths []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() != field || part.FileName() == "" {
			part.Close()
			continue
		}

		name := uniqueUploadName(safety.SanitizeFileName(part.FileName(), "upload"), used)
		dest, err := safety.SafeJoinUnder(dir, name)
		if err != nil {
			part.Close()
			return nil, err
		}
		if err := saveUpload(part, dest); err != nil {
			part.Close()
			return nil, err
		}
		part.Close()
		paths = append(paths, dest)
	}
	return paths, nil
}

func saveUpload(r io.Reader, dest string) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// uniqueUploadName appends _2, _3... to the stem until name is unused.
func uniqueUploadName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
	used[candidate] = true
	return candidate
}

// archiveName returns "<stem>.zip" for one upload and "archive.zip"
// otherwise.
func archiveName(paths []string) string {
	if len(paths) != 1 {
		return "archive.zip"
	}
	base := filepath.Base(paths[0])
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "archive"
	}
	return stem + ".zip"
}

// uploadError writes the response for a failed upload.
func (s *Server) uploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %s", formatBytes(maxErr.Limit)))
		return
	}
	s.logger.Warn("upload failed", "error", err)
	s.writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
}

// phaseFunc forwards non-terminal engine phases to the task tracker. The
// terminal phase is set once the whole task function returns.
func phaseFunc(t *Task) engine.PhaseFunc {
	return func(p engine.Phase) {
		if !p.Terminal() {
			t.Tracker.SetPhase(p)
		}
	}
}

// handleCompress accepts uploaded files and compresses them in a task.
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	level := s.config.Compression.DefaultLevel
	if v := r.URL.Query().Get("level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 9 {
			s.writeError(w, http.StatusBadRequest, "level must be an integer from 0 to 9")
			return
		}
		level = n
	}

	task, err := s.tasks.Create("compress")
	if err != nil {
		s.logger.Error("failed to create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	paths, err := receiveFiles(r, "files", filepath.Join(task.Dir, "input"))
	if err != nil {
		s.tasks.Discard(task)
		s.uploadError(w, err)
		return
	}
	if len(paths) == 0 {
		s.tasks.Discard(task)
		s.writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	name := archiveName(paths)
	out := filepath.Join(task.Dir, "output", name)
	flagSet := s.flags.EngineFlags()

	s.logger.Info("compress task accepted", "task", task.ID, "files", len(paths), "level", level)
	s.tasks.Run(task, func(ctx context.Context, t *Task) error {
		t.Tracker.SetMessage(fmt.Sprintf("compressing %d file(s)", len(paths)))
		err := s.engine.Dispatch(ctx, flagSet, engine.CompressRequest{
			Sources:     paths,
			Destination: out,
			Level:       level,
			Progress:    t.Tracker.Update,
			Phase:       phaseFunc(t),
			TaskID:      t.ID,
		})
		if err != nil {
			return err
		}
		t.SetResult(out, name)
		if fi, err := os.Stat(out); err == nil {
			t.Tracker.SetMessage(fmt.Sprintf("archive ready (%s)", formatBytes(fi.Size())))
		}
		return nil
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"task_id": task.ID, "status": string(TaskProcessing)})
}

// extractSteps puts extraction and the repack that follows on one byte
// scale of twice the extracted size, so a task's progress never moves
// backwards between the two calls. The calls run one after the other.
type extractSteps struct {
	tracker *engine.OperationTracker
	size    int64
}

func (p *extractSteps) extract(current, total int64) {
	p.size = total
	p.tracker.Update(current, 2*total)
}

func (p *extractSteps) pack(current, total int64) {
	if total <= 0 {
		p.tracker.Update(2*p.size, 2*p.size)
		return
	}
	done := int64(float64(p.size) * float64(min(current, total)) / float64(total))
	p.tracker.Update(p.size+done, 2*p.size)
}

// handleExtract accepts one archive, extracts it and re-packs the result
// as a ZIP for download.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Create("extract")
	if err != nil {
		s.logger.Error("failed to create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	paths, err := receiveFiles(r, "archive", filepath.Join(task.Dir, "input"))
	if err != nil {
		s.tasks.Discard(task)
		s.uploadError(w, err)
		return
	}
	if len(paths) != 1 {
		s.tasks.Discard(task)
		s.writeError(w, http.StatusBadRequest, "exactly one archive must be uploaded")
		return
	}
	src := paths[0]

	format, err := s.engine.DetectFormat(src)
	if err != nil {
		s.tasks.Discard(task)
		s.writeError(w, statusForKind(engine.KindOf(err)), err.Error())
		return
	}

	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "archive"
	}
	extracted := filepath.Join(task.Dir, "extracted", stem)
	name := stem + "_extracted.zip"
	out := filepath.Join(task.Dir, "output", name)

	s.logger.Info("extract task accepted", "task", task.ID, "format", format)
	s.tasks.Run(task, func(ctx context.Context, t *Task) error {
		steps := &extractSteps{tracker: t.Tracker}
		t.Tracker.SetMessage("extracting " + string(format))
		err := s.engine.Extract(ctx, engine.ExtractRequest{
			Archive:     src,
			Destination: extracted,
			Progress:    steps.extract,
			Phase:       phaseFunc(t),
			TaskID:      t.ID,
		})
		if err != nil {
			return err
		}

		t.Tracker.SetMessage("packaging extracted files")
		err = s.engine.Compress(ctx, engine.CompressRequest{
			Sources:     []string{extracted},
			Destination: out,
			Level:       s.config.Compression.DefaultLevel,
			Progress:    steps.pack,
			Phase:       phaseFunc(t),
			TaskID:      t.ID,
		})
		if err != nil {
			return err
		}
		t.SetResult(out, name)
		t.Tracker.SetMessage("extracted files ready")
		return nil
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"task_id": task.ID, "status": string(TaskProcessing)})
}

// handleListTasks returns every known task, newest first.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list := s.tasks.List()
	out := make([]TaskInfo, 0, len(list))
	for _, t := range list {
		out = append(out, t.Info())
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, out)
}

// handleGetTask returns one task.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, ErrTaskNotFound.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, t.Info())
}

// handleCancelTask cancels a running task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.tasks.Cancel(id); {
	case errors.Is(err, ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrTaskFinished):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("task cancellation requested", "task", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"task_id": id, "status": "cancelling"})
}

// handleTaskEvents streams task snapshots as server-sent events until the
// task finishes or the client goes away.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, ErrTaskNotFound.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	for {
		// Take the channel before the snapshot so no update is missed.
		wait := t.Tracker.Wait()
		info := t.Info()
		if info.Status.Terminal() {
			sendEvent("done", info)
			return
		}
		sendEvent("progress", info)

		select {
		case <-r.Context().Done():
			return
		case <-wait:
		case <-t.Done():
		}
	}
}

// handleDownload serves a completed task's archive.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, ErrTaskNotFound.Error())
		return
	}
	path, name, ready := t.Result()
	if !ready {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("task is %s", t.Status()))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("failed to open task result", "task", t.ID, "error", err)
		s.writeError(w, http.StatusNotFound, "result no longer available")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stat result")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// handleListFlags returns every feature flag.
func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	all, err := s.flags.All()
	if err != nil {
		s.logger.Error("failed to list feature flags", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list feature flags")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, all)
}

type setFlagRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleSetFlag sets one feature flag.
func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := flags.Lookup(name); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown feature flag %q", name))
		return
	}

	body, err := safety.ReadAllWithLimit(r.Body, maxFlagBody)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req setFlagRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	if err := s.flags.SetEnabled(name, *req.Enabled); err != nil {
		s.logger.Error("failed to set feature flag", "flag", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set feature flag")
		return
	}

	all, err := s.flags.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read feature flags")
		return
	}
	for _, st := range all {
		if st.Name == name {
			w.Header().Set("Content-Type", "application/json")
			s.writeJSON(w, st)
			return
		}
	}
}

// OperationJSON is the JSON view of a history record.
type OperationJSON struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id,omitempty"`
	Kind           string `json:"kind"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	Format         string `json:"format,omitempty"`
	Level          int    `json:"level"`
	Strategy       string `json:"strategy,omitempty"`
	Status         string `json:"status"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	TotalBytes     int64  `json:"total_bytes"`
	ProcessedBytes int64  `json:"processed_bytes"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time,omitempty"`
	Duration       string `json:"duration,omitempty"`
}

func operationToJSON(op store.Operation) OperationJSON {
	out := OperationJSON{
		ID:             op.ID,
		TaskID:         op.TaskID,
		Kind:           op.Kind,
		Source:         op.Source,
		Destination:    op.Destination,
		Format:         op.Format,
		Level:          op.Level,
		Strategy:       op.Strategy,
		Status:         op.Status,
		ErrorKind:      op.ErrorKind,
		ErrorMessage:   op.ErrorMessage,
		TotalBytes:     op.TotalBytes,
		ProcessedBytes: op.ProcessedBytes,
		StartTime:      formatTime(op.StartTime),
	}
	if !op.EndTime.IsZero() {
		out.EndTime = formatTime(op.EndTime)
		out.Duration = formatDuration(op.EndTime.Sub(op.StartTime))
	}
	return out
}

// handleListOperations returns operation history, newest first.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != "compress" && kind != "extract" {
		s.writeError(w, http.StatusBadRequest, "kind must be compress or extract")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	out := []OperationJSON{}
	if s.store != nil {
		ops, err := s.store.ListOperations(kind, limit)
		if err != nil {
			s.logger.Error("failed to list operations", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list operations")
			return
		}
		for _, op := range ops {
			out = append(out, operationToJSON(op))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, out)
}
