package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/export"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/resolver"
	"github.com/sells-group/insights-cli/internal/store"
)

// userHeader carries the caller's user id. The user_id query parameter is
// accepted as a fallback.
const userHeader = "X-User-ID"

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

type server struct {
	env       *appEnv
	maxUpload int64
}

func badRequest(format string, args ...any) error {
	return eris.Wrapf(errBadRequest, format, args...)
}

// observe counts requests per route pattern.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.env.Metrics.ObserveHTTP(r.Method, route, status)
	})
}

func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(userHeader)); u != "" {
		return u
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "schema validation failed",
			"errors": ve.Errors,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, context.Canceled):
		status = 499
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"fast_mode": s.env.Orchestrator.FastMode(),
	})
}

// schema templates

type templateRequest struct {
	Name       string                     `json:"template_name"`
	Categories []model.CategoryDefinition `json:"categories"`
	UserID     string                     `json:"user_id,omitempty"`
}

func (s *server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.env.Templates.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner := firstNonEmpty(req.UserID, userID(r))
	t, err := s.env.Templates.Create(r.Context(), req.Name, req.Categories, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.env.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var upd store.TemplateUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.env.Templates.Update(r.Context(), chi.URLParam(r, "id"), userID(r), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Templates.Delete(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) templateColumns(w http.ResponseWriter, r *http.Request) {
	t, err := s.env.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export.Columns(*t))
}

func (s *server) validateSchema(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := newValidationReport(model.ValidateCategories(req.Categories))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) defaultTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.env.Templates.Defaults())
}

// analysis

type analyzeTextRequest struct {
	Text       string `json:"text"`
	TemplateID string `json:"template_id"`
}

func (s *server) analyzeText(w http.ResponseWriter, r *http.Request) {
	var req analyzeTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, badRequest("text is required"))
		return
	}

	schema, err := loadTemplate(r.Context(), s.env, firstNonEmpty(req.TemplateID, model.DefaultProductFeedbackID), "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.env.Orchestrator.Analyze(r.Context(), model.NewTextDocument(req.Text), schema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// analyzeDocument analyzes one multipart document given as a "file" upload,
// a "text" field or a "url" field, in that order of preference.
func (s *server) analyzeDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, r, badRequest("invalid multipart form: %v", err))
		return
	}

	var doc model.DocumentInput
	text := strings.TrimSpace(r.FormValue("text"))
	link := strings.TrimSpace(r.FormValue("url"))
	if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
		name := filepath.Base(fhs[0].Filename)
		if !resolver.Supported(name) {
			writeError(w, r, badRequest("unsupported file %q: expected one of %s", name, resolver.SupportedExtensions()))
			return
		}
		dir, err := os.MkdirTemp("", "insights-upload-")
		if err != nil {
			writeError(w, r, eris.Wrap(err, "create upload dir"))
			return
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		path := filepath.Join(dir, name)
		if err := saveUpload(fhs[0], path); err != nil {
			writeError(w, r, err)
			return
		}
		doc = model.NewFileDocument(path)
	} else if text != "" {
		doc = model.NewTextDocument(text)
	} else if link != "" {
		doc = model.NewURLDocument(link)
	} else {
		writeError(w, r, badRequest("provide a file, text or url"))
		return
	}

	templateID := firstNonEmpty(r.FormValue("template_id"), model.DefaultProductFeedbackID)
	schema, err := loadTemplate(r.Context(), s.env, templateID, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.env.Orchestrator.Analyze(r.Context(), doc, schema)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// connectivityNotes is the sample analyzed by checkModel.
const connectivityNotes = `Meeting with Acme Corp on March 15, 2024.
They are looking for a vector search solution for their e-commerce platform.
Currently using keyword search but need semantic capabilities.`

type modelCheck struct {
	Status              string   `json:"status"`
	FastMode            bool     `json:"fast_mode"`
	CustomerName        string   `json:"customer_name"`
	MeetingDate         string   `json:"meeting_date"`
	CategoriesProcessed int      `json:"categories_processed"`
	CategoriesErrored   int      `json:"categories_errored"`
	ModelsUsed          []string `json:"models_used"`
	ProcessingTimeMS    int64    `json:"processing_time_ms"`
	Error               string   `json:"error,omitempty"`
}

// checkModel runs a small sample through the default template end to end.
// A check id keeps the sample out of the response cache so the endpoints are
// really called. It answers 503 when every category failed.
func (s *server) checkModel(w http.ResponseWriter, r *http.Request) {
	schema, _ := model.DefaultTemplate(model.DefaultProductFeedbackID)
	sample := connectivityNotes + "\nCheck id: " + uuid.NewString()

	res, err := s.env.Orchestrator.Analyze(r.Context(), model.NewTextDocument(sample), schema)
	if err != nil {
		zap.L().Warn("api: model check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, modelCheck{
			Status:   "error",
			FastMode: s.env.Orchestrator.FastMode(),
			Error:    err.Error(),
		})
		return
	}

	out := modelCheck{
		Status:              "ok",
		FastMode:            s.env.Orchestrator.FastMode(),
		CustomerName:        res.CustomerName,
		MeetingDate:         res.MeetingDate,
		CategoriesProcessed: len(res.Categories),
		CategoriesErrored:   res.Categories.Errored(),
		ModelsUsed:          []string{},
		ProcessingTimeMS:    res.ProcessingTimeMS,
	}
	seen := make(map[string]bool)
	for _, c := range res.Categories {
		if c.ModelUsed != "" && !seen[c.ModelUsed] {
			seen[c.ModelUsed] = true
			out.ModelsUsed = append(out.ModelsUsed, c.ModelUsed)
		}
		if c.Error != "" && out.Error == "" {
			out.Error = c.Error
		}
	}

	status := http.StatusOK
	if out.CategoriesProcessed > 0 && out.CategoriesErrored == out.CategoriesProcessed {
		out.Status = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

type batchRequest struct {
	TemplateID string   `json:"template_id"`
	Texts      []string `json:"texts"`
	URLs       []string `json:"urls"`
}

type batchResponse struct {
	RunID  string             `json:"run_id"`
	Result *model.BatchResult `json:"result"`
}

// analyzeBatch accepts JSON (texts, urls) or multipart form data, which may
// also carry uploaded files under "files".
func (s *server) analyzeBatch(w http.ResponseWriter, r *http.Request) {
	var (
		req  batchRequest
		docs []model.DocumentInput
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		uploadDir, err := os.MkdirTemp("", "insights-upload-")
		if err != nil {
			writeError(w, r, eris.Wrap(err, "create upload dir"))
			return
		}
		defer os.RemoveAll(uploadDir) //nolint:errcheck

		files, err := s.readMultipart(w, r, uploadDir, &req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, f := range files {
			docs = append(docs, model.NewFileDocument(f))
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	for _, u := range req.URLs {
		if strings.TrimSpace(u) != "" {
			docs = append(docs, model.NewURLDocument(u))
		}
	}
	for _, t := range req.Texts {
		if strings.TrimSpace(t) != "" {
			docs = append(docs, model.NewTextDocument(t))
		}
	}
	if len(docs) == 0 {
		writeError(w, r, badRequest("no documents: provide texts, urls or files"))
		return
	}

	schema, err := loadTemplate(r.Context(), s.env, firstNonEmpty(req.TemplateID, model.DefaultProductFeedbackID), "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	runID, batch, err := runBatch(r.Context(), s.env, docs, schema, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{RunID: runID, Result: batch})
}

// readMultipart saves uploaded files under dir and fills req from the form
// fields. Each file gets its own subdirectory so names never collide.
func (s *server) readMultipart(w http.ResponseWriter, r *http.Request, dir string, req *batchRequest) ([]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, badRequest("invalid multipart form: %v", err)
	}

	req.TemplateID = r.FormValue("template_id")
	req.Texts = r.MultipartForm.Value["texts"]
	req.URLs = r.MultipartForm.Value["urls"]

	var paths []string
	for i, fh := range r.MultipartForm.File["files"] {
		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, badRequest("file %d has no name", i)
		}
		sub := filepath.Join(dir, strconv.Itoa(i))
		if err := os.Mkdir(sub, 0o700); err != nil {
			return nil, eris.Wrap(err, "create upload subdir")
		}
		path := filepath.Join(sub, name)
		if err := saveUpload(fh, path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return eris.Wrap(err, "open upload")
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create upload file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return eris.Wrap(err, "save upload")
	}
	return eris.Wrap(dst.Close(), "close upload file")
}

// runs

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:     model.RunStatus(q.Get("status")),
		TemplateID: q.Get("template_id"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, err)
		return
	}

	runs, err := s.env.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Listings omit the full results.
	for i := range runs {
		runs[i].Result = nil
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.env.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// exportRun streams a completed run as CSV or XLSX. Query parameters:
// format (csv|xlsx) and columns (comma separated).
func (s *server) exportRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.env.Store.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run.Status != model.RunStatusComplete || run.Result == nil {
		writeError(w, r, badRequest("run %s is %s, not complete", run.ID, run.Status))
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, eris.Wrap(errors.Join(errBadRequest, err), "export"))
		return
	}

	var columns []string
	if raw := r.URL.Query().Get("columns"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}

	schema := s.schemaForRun(ctx, run)
	table, err := export.BatchTable(schema, run.Result, columns)
	if err != nil {
		writeError(w, r, eris.Wrap(errors.Join(errBadRequest, err), "export"))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(format, time.Now())))
	if err := export.Write(w, format, table); err != nil {
		zap.L().Error("api: write export", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// schemaForRun returns the category columns the run was analyzed with. Runs
// stored before the snapshot existed fall back to the template, and then to
// the category names found in the results.
func (s *server) schemaForRun(ctx context.Context, run *model.Run) model.SchemaTemplate {
	schema := model.SchemaTemplate{ID: run.TemplateID}
	if names := run.Result.Categories; len(names) > 0 {
		for _, name := range names {
			schema.Categories = append(schema.Categories, model.CategoryDefinition{Name: name})
		}
		return schema
	}
	if t, err := loadTemplate(ctx, s.env, run.TemplateID, ""); err == nil {
		return t
	}
	seen := make(map[string]bool)
	for _, item := range run.Result.Results {
		for _, c := range item.Categories {
			if !seen[c.CategoryName] {
				seen[c.CategoryName] = true
				schema.Categories = append(schema.Categories, model.CategoryDefinition{Name: c.CategoryName})
			}
		}
	}
	return schema
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid integer %q", raw)
	}
	return n, nil
}
