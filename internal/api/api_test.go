package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(NewServer(s, 0).Router())
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func sampleRequest(n int) map[string]any {
	components := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		components = append(components, map[string]any{
			"qty":         1,
			"description": fmt.Sprintf("part %d", i),
			"package":     "0603",
		})
	}
	return map[string]any{
		"name":                "demo board",
		"email":               "eng@example.com",
		"project_description": "test project",
		"components":          components,
	}
}

func TestCreateAndGetQueuedProject(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, created := postJSON(t, srv.URL+"/projects", sampleRequest(2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	projectID := created["project_id"].(string)
	require.NotEmpty(t, projectID)
	assert.Nil(t, created["truncation_info"])

	resp, got := getJSON(t, srv.URL+"/projects/"+projectID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", got["status"])
	assert.EqualValues(t, 1, got["position"])
	assert.EqualValues(t, 1, got["total_in_queue"])

	bom := got["bom"].(map[string]any)
	assert.Equal(t, "test project", bom["project_description"])
	assert.Len(t, bom["components"], 2)
}

func TestCreateProject_Truncates(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, created := postJSON(t, srv.URL+"/projects", sampleRequest(25))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "BOM truncated from 25 to 20 components", created["truncation_info"])

	projectID := created["project_id"].(string)
	_, got := getJSON(t, srv.URL+"/projects/"+projectID)
	bom := got["bom"].(map[string]any)
	assert.Len(t, bom["components"], 20)
}

func TestCreateProject_EmptyBOM(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/projects", sampleRequest(0))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "no components")
}

func TestCreateProject_MultipartCSV(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("project_description", "uploaded"))
	fw, err := mw.CreateFormFile("bom_file", "bom.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Qty,Description,Possible MPN,Package,Notes/Source\n1,lm358 op-amp,LM358N,DIP-8,dual supply\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/projects", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	_, got := getJSON(t, srv.URL+"/projects/"+created["project_id"].(string))
	bom := got["bom"].(map[string]any)
	components := bom["components"].([]any)
	require.Len(t, components, 1)
	first := components[0].(map[string]any)
	assert.Equal(t, "lm358 op-amp", first["description"])
	assert.Equal(t, "LM358N", first["possible_mpn"])
}

func TestGetProject_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := getJSON(t, srv.URL+"/projects/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetProject_Finished(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	_, created := postJSON(t, srv.URL+"/projects", sampleRequest(1))
	projectID := created["project_id"].(string)

	claimed, err := s.MarkProcessing(ctx, projectID)
	require.NoError(t, err)
	require.True(t, claimed)

	items, err := s.ItemsForProject(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = s.ReplaceMatches(ctx, items[0].ID, []model.RankedMatch{{
		Entry: model.CatalogEntry{
			MouserPartNumber:       "511-LM358N",
			ManufacturerPartNumber: "LM358N",
			Manufacturer:           "STMicroelectronics",
			Price:                  "0.38",
			Availability:           "In Stock",
		},
		Justification: "direct equivalent",
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetItemStatus(ctx, items[0].ID, model.MatchStatusSaved))
	require.NoError(t, s.FinishProject(ctx, projectID, model.ProjectStatusFinished))

	resp, got := getJSON(t, srv.URL+"/projects/"+projectID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "finished", got["status"])

	bom := got["bom"].(map[string]any)
	components := bom["components"].([]any)
	require.Len(t, components, 1)
	component := components[0].(map[string]any)
	assert.Equal(t, "potential_matches_saved", component["match_status"])

	matches := component["matches"].([]any)
	require.Len(t, matches, 1)
	match := matches[0].(map[string]any)
	assert.EqualValues(t, 1, match["rank"])
	assert.Equal(t, "511-LM358N", match["mouser_part_number"])
	assert.Equal(t, "STMicroelectronics", match["manufacturer_name"])
	assert.Equal(t, "direct equivalent", match["justification"])

	results := got["results"].(map[string]any)
	assert.Equal(t, "finished", results["status"])
	assert.NotNil(t, results["end_time"])
}

func TestGetProject_ProcessingShowsStatusOnly(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	_, created := postJSON(t, srv.URL+"/projects", sampleRequest(1))
	projectID := created["project_id"].(string)
	_, err := s.MarkProcessing(ctx, projectID)
	require.NoError(t, err)

	resp, got := getJSON(t, srv.URL+"/projects/"+projectID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", got["status"])
	assert.Nil(t, got["bom"])
}

func TestCancelProject(t *testing.T) {
	srv, _ := newTestServer(t)

	_, created := postJSON(t, srv.URL+"/projects", sampleRequest(1))
	projectID := created["project_id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/projects/"+projectID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A second cancel conflicts: the project is no longer queued.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelProject_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/projects/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueLength(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/queue/length")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["queue_length"])

	postJSON(t, srv.URL+"/projects", sampleRequest(1))
	postJSON(t, srv.URL+"/projects", sampleRequest(1))

	_, body = getJSON(t, srv.URL+"/queue/length")
	assert.EqualValues(t, 2, body["queue_length"])
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := getJSON(t, srv.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestGetComponent(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	_, created := postJSON(t, srv.URL+"/projects", sampleRequest(1))
	projectID := created["project_id"].(string)
	items, err := s.ItemsForProject(ctx, projectID)
	require.NoError(t, err)
	_, err = s.ReplaceMatches(ctx, items[0].ID, []model.RankedMatch{{
		Entry: model.CatalogEntry{MouserPartNumber: "595-NE555P", Manufacturer: "Texas Instruments"},
	}})
	require.NoError(t, err)

	resp, body := getJSON(t, srv.URL+"/components/595-NE555P")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "595-NE555P", body["mouser_part_number"])
	assert.Equal(t, "Texas Instruments", body["manufacturer"])

	resp, _ = getJSON(t, srv.URL+"/components/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateProject_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/projects", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
