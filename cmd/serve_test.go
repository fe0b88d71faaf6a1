package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/insights-cli/internal/config"
	"github.com/sells-group/insights-cli/internal/export"
	"github.com/sells-group/insights-cli/internal/extract"
	"github.com/sells-group/insights-cli/internal/llm"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/prompt"
)

func newTestRouter(t *testing.T) (http.Handler, *appEnv) {
	t.Helper()
	env := newTestEnv(t, true)
	return buildRouter(env, config.ServerConfig{MaxUploadMB: 5}), env
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

var churnCategories = []model.CategoryDefinition{
	{Name: "Risk", Description: "Churn risk", ValueType: model.ValueTypePredefined, PossibleValues: []string{"High", "Low"}},
	{Name: "Reason", Description: "Why they might leave", ValueType: model.ValueTypeInferred},
}

func TestServe_Health(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["fast_mode"])
}

func TestServe_MetricsCountsRoutes(t *testing.T) {
	h, _ := newTestRouter(t)

	doJSON(t, h, http.MethodGet, "/health", "", nil)
	doJSON(t, h, http.MethodGet, "/schema/templates/missing", "", nil)

	rr := doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/health"`)
	assert.Contains(t, rr.Body.String(), `route="/schema/templates/{id}"`)
	assert.Contains(t, rr.Body.String(), `status="4xx"`)
}

func TestServe_CORSPreflight(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/schema/templates", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_TemplateLifecycle(t *testing.T) {
	h, _ := newTestRouter(t)

	// create
	rr := doJSON(t, h, http.MethodPost, "/schema/templates", "user-1", templateRequest{
		Name:       "Churn Signals",
		Categories: churnCategories,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[model.SchemaTemplate](t, rr)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "user-1", created.UserID)
	assert.False(t, created.IsDefault)

	// list: defaults plus the user's template
	rr = doJSON(t, h, http.MethodGet, "/schema/templates?user_id=user-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]model.SchemaTemplate](t, rr), 3)

	rr = doJSON(t, h, http.MethodGet, "/schema/templates", "user-2", nil)
	assert.Len(t, decodeBody[[]model.SchemaTemplate](t, rr), 2)

	// get + columns
	rr = doJSON(t, h, http.MethodGet, "/schema/templates/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Churn Signals", decodeBody[model.SchemaTemplate](t, rr).Name)

	rr = doJSON(t, h, http.MethodGet, "/schema/templates/"+created.ID+"/columns", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cols := decodeBody[export.AvailableColumns](t, rr)
	assert.Equal(t, []string{"Risk", "Reason"}, cols.Categories)
	assert.Equal(t, export.BaseColumns, cols.Base)

	// update: owner only
	name := "Churn Risk"
	rr = doJSON(t, h, http.MethodPut, "/schema/templates/"+created.ID, "user-2", map[string]any{"template_name": name})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/schema/templates/"+created.ID, "user-1", map[string]any{"template_name": name})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, name, decodeBody[model.SchemaTemplate](t, rr).Name)

	// delete: owner only
	rr = doJSON(t, h, http.MethodDelete, "/schema/templates/"+created.ID, "user-2", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, h, http.MethodDelete, "/schema/templates/"+created.ID, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/schema/templates/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServe_DefaultTemplatesAreReadOnly(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodDelete, "/schema/templates/"+model.DefaultProductFeedbackID, "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "cannot delete default templates")

	rr = doJSON(t, h, http.MethodGet, "/schema/defaults", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	defaults := decodeBody[[]model.SchemaTemplate](t, rr)
	require.Len(t, defaults, 2)
	assert.Equal(t, model.DefaultProductFeedbackID, defaults[0].ID)
}

func TestServe_CreateTemplateValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/schema/templates", "user-1", templateRequest{
		Name: "Broken",
		Categories: []model.CategoryDefinition{
			{Name: "Risk", ValueType: model.ValueTypePredefined},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeBody[struct {
		Errors []model.FieldError `json:"errors"`
	}](t, rr)
	require.NotEmpty(t, body.Errors)
	assert.Equal(t, "categories[0].possible_values", body.Errors[0].Field)
}

func TestServe_ValidateSchema(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/schema/validate", "", templateRequest{Categories: churnCategories})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[validationReport](t, rr).Valid)

	rr = doJSON(t, h, http.MethodPost, "/schema/validate", "", templateRequest{Categories: []model.CategoryDefinition{
		{Name: "Risk", ValueType: model.ValueTypePredefined, PossibleValues: []string{"High", "high"}},
		{Name: "Risk", ValueType: model.ValueTypeInferred},
	}})
	require.Equal(t, http.StatusOK, rr.Code)
	report := decodeBody[validationReport](t, rr)
	assert.False(t, report.Valid)
	fields := make([]string, len(report.Errors))
	for i, e := range report.Errors {
		fields[i] = e.Field
	}
	assert.Contains(t, fields, "categories[0].possible_values")
	assert.Contains(t, fields, "categories[1].name")
}

func TestServe_BadJSON(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/schema/templates", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/schema/templates", "", map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServe_AnalyzeText(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/insights/analyze-text", "", analyzeTextRequest{Text: acmeNotes})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decodeBody[model.DocumentAnalysisResult](t, rr)
	require.Len(t, res.Categories, 4)
	assert.Equal(t, "Product", res.Categories[0].CategoryName)
	usage, ok := res.Categories.Get("Usage Pattern")
	require.True(t, ok)
	assert.Contains(t, usage.Values, "Batch")
	assert.Equal(t, "Mar 15, 2024", res.MeetingDate)
}

func TestServe_AnalyzeTextErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/insights/analyze-text", "", analyzeTextRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/insights/analyze-text", "", analyzeTextRequest{Text: "x", TemplateID: "missing"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServe_BatchAnalyzeAndExport(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/batch/analyze", "", batchRequest{
		TemplateID: model.DefaultProductFeedbackID,
		Texts:      []string{acmeNotes, "Globex is a healthcare provider using MLflow interactively.", "  "},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[batchResponse](t, rr)
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, 2, resp.Result.TotalItems, "blank texts are skipped")
	assert.Equal(t, 0, resp.Result.Results[0].Index)
	assert.Equal(t, 1, resp.Result.Results[1].Index)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	run := decodeBody[model.Run](t, rr)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Len(t, run.Result.Results, 2)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	runs := decodeBody[[]model.Run](t, rr)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Result)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID+"/export?format=csv&columns=Customer%20Name,Product", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "batch_insights_")
	rows, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Customer Name", "Product"}, rows[0])

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID+"/export", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, export.FormatXLSX.ContentType(), rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")))
}

func TestServe_ExportUsesRunCategories(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/schema/templates", "user-1", templateRequest{
		Name:       "Churn Signals",
		Categories: churnCategories,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	tmpl := decodeBody[model.SchemaTemplate](t, rr)

	rr = doJSON(t, h, http.MethodPost, "/batch/analyze", "user-1", batchRequest{
		TemplateID: tmpl.ID,
		Texts:      []string{acmeNotes},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[batchResponse](t, rr)
	assert.Equal(t, []string{"Risk", "Reason"}, resp.Result.Categories)

	rr = doJSON(t, h, http.MethodPut, "/schema/templates/"+tmpl.ID, "user-1", map[string]any{
		"categories": []model.CategoryDefinition{
			{Name: "Sentiment", Description: "Overall tone", ValueType: model.ValueTypeInferred},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID+"/export?format=csv", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rows, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	header := rows[0]
	assert.Equal(t, []string{"Risk", "Reason"}, header[len(header)-2:])
	assert.NotContains(t, header, "Sentiment")
}

func TestServe_BatchErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/batch/analyze", "", batchRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServe_ExportRejectsUnknownColumn(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/batch/analyze", "", batchRequest{Texts: []string{acmeNotes}})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[batchResponse](t, rr)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID+"/export?format=csv&columns=Nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/batch/runs/"+resp.RunID+"/export?format=pdf", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServe_BatchMultipartUpload(t *testing.T) {
	h, _ := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("template_id", model.DefaultProductFeedbackID))
	require.NoError(t, mw.WriteField("texts", "Initech runs scheduled reports."))

	fw, err := mw.CreateFormFile("files", "acme.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(acmeNotes))
	require.NoError(t, err)

	// Same name again, and an unsupported format.
	fw, err = mw.CreateFormFile("files", "acme.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Second copy with batch loads."))
	require.NoError(t, err)
	fw, err = mw.CreateFormFile("files", "deck.pptx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("binary"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/batch/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[batchResponse](t, rr)
	require.Equal(t, 4, resp.Result.TotalItems)
	assert.Equal(t, 3, resp.Result.SuccessfulItems)
	assert.Equal(t, 1, resp.Result.FailedItems)

	items := resp.Result.Results
	assert.Equal(t, "acme.txt", items[0].Source)
	assert.Equal(t, "acme.txt", items[1].Source)
	assert.Equal(t, "deck.pptx", items[2].Source)
	assert.Contains(t, items[2].Error, "unsupported document format")
	assert.Equal(t, model.SourceText, items[3].InputType)
}

func postMultipart(t *testing.T, h http.Handler, path string, fields map[string]string, fileName string, file []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServe_AnalyzeDocumentUpload(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := postMultipart(t, h, "/insights/analyze-document",
		map[string]string{"template_id": model.DefaultProductFeedbackID}, "acme.md", []byte(acmeNotes))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decodeBody[model.DocumentAnalysisResult](t, rr)
	assert.Empty(t, res.Error)
	assert.Equal(t, "Mar 15, 2024", res.MeetingDate)
	product, ok := res.Categories.Get("Product")
	require.True(t, ok)
	assert.Contains(t, product.Values, "Vector Search")
}

func TestServe_AnalyzeDocumentTextField(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := postMultipart(t, h, "/insights/analyze-document", map[string]string{"text": acmeNotes}, "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[model.DocumentAnalysisResult](t, rr)
	assert.NotEmpty(t, res.Categories)
}

func TestServe_AnalyzeDocumentErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := postMultipart(t, h, "/insights/analyze-document", map[string]string{"template_id": model.DefaultProductFeedbackID}, "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "provide a file, text or url")

	rr = postMultipart(t, h, "/insights/analyze-document", nil, "deck.pptx", []byte("binary"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unsupported file")

	rr = postMultipart(t, h, "/insights/analyze-document", map[string]string{"text": "x", "template_id": "missing"}, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/insights/analyze-document", "", analyzeTextRequest{Text: acmeNotes})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServe_ModelCheckFastMode(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodGet, "/test-ai", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	check := decodeBody[modelCheck](t, rr)
	assert.Equal(t, "ok", check.Status)
	assert.True(t, check.FastMode)
	assert.Equal(t, "Acme Corp", check.CustomerName)
	assert.Positive(t, check.CategoriesProcessed)
	assert.Zero(t, check.CategoriesErrored)
	assert.NotEmpty(t, check.ModelsUsed)
}

type downInvoker struct{}

func (downInvoker) Invoke(context.Context, prompt.Request) (*llm.Response, error) {
	return nil, errors.New("serving endpoint unreachable")
}

func (downInvoker) ModelID() string { return "down" }

func TestServe_ModelCheckUnavailable(t *testing.T) {
	env := newTestEnv(t, true)
	orch, err := extract.NewOrchestrator(downInvoker{})
	require.NoError(t, err)
	env.Orchestrator = orch
	h := buildRouter(env, config.ServerConfig{MaxUploadMB: 5})

	rr := doJSON(t, h, http.MethodGet, "/test-ai", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	check := decodeBody[modelCheck](t, rr)
	assert.Equal(t, "error", check.Status)
	assert.False(t, check.FastMode)
	assert.Contains(t, check.Error, "serving endpoint unreachable")
}
