package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upload(t *testing.T, srv *Server, path, filename, content string, fields map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestUploadAndSend_CSV(t *testing.T) {
	srv, api := setupTestServer(t)

	var csv strings.Builder
	csv.WriteString("email,name\n")
	for i := 0; i < 60; i++ {
		csv.WriteString("user" + string(rune('a'+i%26)) + strings.Repeat("x", i/26) + "@example.com,User\n")
	}
	csv.WriteString("not-an-address,Broken\n")

	rec, body := upload(t, srv, "/api/email/upload-and-send", "list.csv", csv.String(), map[string]string{
		"templateName":        "order-shipped",
		"defaultTemplateData": `{"company":"ACME"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 60, body["total"])
	assert.EqualValues(t, 2, body["total_batches"])
	assert.EqualValues(t, 60, body["succeeded_recipients"])

	rejected := body["rejected"].([]any)
	require.Len(t, rejected, 1)
	row := rejected[0].(map[string]any)
	assert.EqualValues(t, 62, row["line"])
	assert.Contains(t, row["reason"], "invalid email address")

	calls := api.bulkCalls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].BulkEmailEntries, 50)
	assert.Equal(t, "order-shipped", aws.ToString(calls[0].DefaultContent.Template.TemplateName))
	assert.Equal(t, `{"company":"ACME"}`, aws.ToString(calls[0].DefaultContent.Template.TemplateData))
}

func TestUploadAndSend_FormatOverridesExtension(t *testing.T) {
	srv, api := setupTestServer(t)

	rec, body := upload(t, srv, "/upload-and-send", "list.dat",
		`[{"email":"a@example.com","data":{"name":"A"}},{"email":"b@example.com"}]`,
		map[string]string{"templateName": "welcome", "format": "json", "maxBatchSize": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, body["total_batches"])
	assert.Nil(t, body["rejected"])

	calls := api.bulkCalls()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"name":"A"}`,
		aws.ToString(calls[0].BulkEmailEntries[0].ReplacementEmailContent.ReplacementTemplate.ReplacementTemplateData))
}

func TestUploadAndSend_Validation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
		wantErr  string
	}{
		{"no file", "", "", map[string]string{"templateName": "t"}, "file is required"},
		{"bad format", "a.txt", "a@example.com\n", map[string]string{"templateName": "t", "format": "xlsx"}, `unsupported format "xlsx"`},
		{"no template", "a.txt", "a@example.com\n", nil, "templateName is required"},
		{"bad option", "a.txt", "a@example.com\n", map[string]string{"templateName": "t", "maxBatchSize": "many"}, "maxBatchSize must be an integer"},
		{"zero batch size", "a.txt", "a@example.com\n", map[string]string{"templateName": "t", "maxBatchSize": "0"}, "maxBatchSize"},
		{"bad default data", "a.txt", "a@example.com\n", map[string]string{"templateName": "t", "defaultTemplateData": "[1"}, "defaultTemplateData must be a JSON object"},
		{"missing column", "a.csv", "name\nA\n", map[string]string{"templateName": "t"}, "email column"},
		{"nothing valid", "a.txt", "nope\n", map[string]string{"templateName": "t"}, "no valid recipients in upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, api := setupTestServer(t)
			rec, body := upload(t, srv, "/api/email/upload-and-send", tt.filename, tt.content, tt.fields)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Contains(t, body["error"], tt.wantErr)
			assert.Empty(t, api.bulkCalls())
		})
	}
}

func TestUploadAndSend_NotMultipart(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/api/email/upload-and-send", map[string]any{"templateName": "t"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "expected a multipart/form-data upload", body["error"])
}
