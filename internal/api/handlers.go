package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/bom-matcher/internal/intake"
	"github.com/sells-group/bom-matcher/internal/model"
)

type componentRequest struct {
	Qty         int    `json:"qty"`
	Description string `json:"description"`
	PossibleMPN string `json:"possible_mpn"`
	Package     string `json:"package"`
	Notes       string `json:"notes"`
}

type createProjectRequest struct {
	Name               string             `json:"name"`
	Email              string             `json:"email"`
	ProjectDescription string             `json:"project_description"`
	Components         []componentRequest `json:"components"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateProject accepts either a JSON body or a multipart upload with
// a bom_file part (CSV or XLSX). Oversized BOMs are truncated, never
// rejected.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var (
		project    model.Project
		items      []model.BOMItem
		truncation string
	)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("bom_file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bom_file is required")
			return
		}
		defer file.Close()

		result, err := parseUpload(file, header)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = result.Items
		truncation = result.TruncationInfo
		project.Name = r.FormValue("name")
		project.Email = r.FormValue("email")
		project.Description = r.FormValue("project_description")
	} else {
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		project.Name = req.Name
		project.Email = req.Email
		project.Description = req.ProjectDescription

		for _, c := range req.Components {
			qty := c.Qty
			if qty <= 0 {
				qty = 1
			}
			items = append(items, model.BOMItem{
				Quantity:    qty,
				Description: c.Description,
				PossibleMPN: c.PossibleMPN,
				Package:     c.Package,
				Notes:       c.Notes,
			})
		}
		if len(items) > s.limit() {
			truncation = truncationNote(len(items), s.limit())
			items = items[:s.limit()]
		}
	}

	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "bom has no components")
		return
	}

	created, err := s.store.CreateProject(r.Context(), project, items)
	if err != nil {
		zap.L().Error("create project failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	resp := map[string]any{"project_id": created.ID}
	if truncation != "" {
		resp["truncation_info"] = truncation
	}
	writeJSON(w, http.StatusCreated, resp)
}

func parseUpload(file multipart.File, header *multipart.FileHeader) (*intake.Result, error) {
	if strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
		return intake.ParseXLSX(file)
	}
	return intake.ParseCSV(file)
}

func (s *Server) limit() int {
	if s.maxItems > 0 {
		return s.maxItems
	}
	return intake.MaxItems
}

func truncationNote(got, capacity int) string {
	return fmt.Sprintf("BOM truncated from %d to %d components", got, capacity)
}

// handleGetProject renders a project according to its lifecycle state:
// queued projects report their queue position, finished projects carry the
// matched BOM, everything else just reports status.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		zap.L().Error("get project failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	switch project.Status {
	case model.ProjectStatusQueued:
		position, total, err := s.store.QueuePosition(r.Context(), projectID)
		if err != nil {
			zap.L().Error("queue position failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load queue position")
			return
		}
		items, err := s.store.ItemsForProject(r.Context(), projectID)
		if err != nil {
			zap.L().Error("load items failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load bom")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         string(project.Status),
			"position":       position,
			"total_in_queue": total,
			"bom":            queuedBOM(project, items),
		})

	case model.ProjectStatusFinished:
		results, err := s.store.ItemResults(r.Context(), projectID)
		if err != nil {
			zap.L().Error("load results failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load results")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": string(project.Status),
			"bom":    matchedBOM(project, results),
			"results": map[string]any{
				"start_time": isoOrNil(project.StartedAt),
				"end_time":   isoOrNil(project.EndedAt),
				"status":     string(project.Status),
			},
		})

	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": string(project.Status),
		})
	}
}

func queuedBOM(project *model.Project, items []model.BOMItem) map[string]any {
	components := make([]map[string]any, 0, len(items))
	for _, item := range items {
		components = append(components, map[string]any{
			"qty":          item.Quantity,
			"description":  item.Description,
			"possible_mpn": item.PossibleMPN,
			"package":      item.Package,
			"notes":        item.Notes,
		})
	}
	return map[string]any{
		"project_description": project.Description,
		"components":          components,
	}
}

func matchedBOM(project *model.Project, results []model.ItemResult) map[string]any {
	components := make([]map[string]any, 0, len(results))
	for _, result := range results {
		component := map[string]any{
			"qty":          result.Item.Quantity,
			"description":  result.Item.Description,
			"possible_mpn": result.Item.PossibleMPN,
			"package":      result.Item.Package,
			"notes":        result.Item.Notes,
			"match_status": string(result.Item.Status),
		}

		matches := make([]map[string]any, 0, len(result.Candidates))
		entries := make(map[string]model.CatalogEntry, len(result.Entries))
		for _, e := range result.Entries {
			entries[e.MouserPartNumber] = e
		}
		for _, candidate := range result.Candidates {
			match := map[string]any{
				"rank":          candidate.Rank,
				"part_number":   candidate.PartNumber,
				"justification": candidate.Justification,
				"selection":     string(candidate.Selection),
			}
			if entry, ok := entries[candidate.PartNumber]; ok {
				match["mouser_part_number"] = entry.MouserPartNumber
				match["manufacturer_part_number"] = entry.ManufacturerPartNumber
				match["manufacturer_name"] = entry.Manufacturer
				match["mouser_description"] = entry.Description
				match["datasheet_url"] = entry.DatasheetURL
				match["price"] = entry.Price
				match["availability"] = entry.Availability
			}
			matches = append(matches, match)
		}
		component["matches"] = matches
		components = append(components, component)
	}

	return map[string]any{
		"project_description": project.Description,
		"components":          components,
		"match_date":          isoOrNil(project.EndedAt),
		"match_status":        string(project.Status),
	}
}

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// handleCancelProject cancels a queued project. Anything past queued is a
// conflict: processing work is not interrupted and terminal states are
// final.
func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		zap.L().Error("get project failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	cancelled, err := s.store.CancelProject(r.Context(), projectID)
	if err != nil {
		zap.L().Error("cancel project failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel project")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "project cannot be cancelled in its current state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleGetComponent returns the stored catalog snapshot for one Mouser
// part number.
func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	partNumber := chi.URLParam(r, "partNumber")

	entry, err := s.store.GetCatalogEntry(r.Context(), partNumber)
	if err != nil {
		zap.L().Error("get component failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load component")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "component not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQueueLength(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountQueued(r.Context())
	if err != nil {
		zap.L().Error("count queued failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queue_length": count})
}
