package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drain"
	"github.com/limiquantix/orchestrator/internal/migration"
	"github.com/limiquantix/orchestrator/internal/provisioning"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "prerequisite_failed":
		return http.StatusPreconditionFailed
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: domain.ErrorKind(err)})
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves
// dst unchanged.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

func vmidParam(r *http.Request) (int, error) {
	vmid, err := strconv.Atoi(r.PathValue("vmid"))
	if err != nil || vmid <= 0 {
		return 0, domain.Validationf("invalid vmid %q", r.PathValue("vmid"))
	}
	return vmid, nil
}

// =============================================================================
// Migrations
// =============================================================================

// migrateVM handles POST /api/v1/vms/{vmid}/migrate. The migration runs in
// the background; the response carries the handle to poll.
func (s *Server) migrateVM(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req migration.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	handle, err := s.migrations.InitiateMigration(r.Context(), vmid, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

// vmMigrations handles GET /api/v1/vms/{vmid}/migrations.
func (s *Server) vmMigrations(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.migrations.History(r.Context(), vmid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": nonNil(records)})
}

// vmLocalDisks handles GET /api/v1/vms/{vmid}/local-disks.
func (s *Server) vmLocalDisks(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vm, err := s.hypervisor.GetVM(r.Context(), vmid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Detection fails open; the fallback result is still useful to callers.
	result, err := s.migrations.DetectLocalDisks(r.Context(), vm.Node, vmid)
	resp := map[string]any{"vmid": vmid, "node": vm.Node, "result": result}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// activeMigrations handles GET /api/v1/migrations.
func (s *Server) activeMigrations(w http.ResponseWriter, r *http.Request) {
	records, err := s.migrations.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": nonNil(records)})
}

// getMigration handles GET /api/v1/migrations/{id}.
func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	record, err := s.migrations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// nodeMigrations handles GET /api/v1/nodes/{node}/migrations.
func (s *Server) nodeMigrations(w http.ResponseWriter, r *http.Request) {
	records, err := s.migrations.HistoryByNode(r.Context(), r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": nonNil(records)})
}

// =============================================================================
// Drain and maintenance
// =============================================================================

// drainNode handles POST /api/v1/nodes/{node}/drain.
func (s *Server) drainNode(w http.ResponseWriter, r *http.Request) {
	var req drain.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	op, err := s.drains.Drain(r.Context(), r.PathValue("node"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

// undrainNode handles POST /api/v1/nodes/{node}/undrain.
func (s *Server) undrainNode(w http.ResponseWriter, r *http.Request) {
	op, err := s.drains.Undrain(r.Context(), r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

// getDrain handles GET /api/v1/drains/{id}.
func (s *Server) getDrain(w http.ResponseWriter, r *http.Request) {
	op, err := s.drains.GetOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// getMaintenance handles GET /api/v1/nodes/{node}/maintenance.
func (s *Server) getMaintenance(w http.ResponseWriter, r *http.Request) {
	record, err := s.drains.GetMaintenance(r.Context(), r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// enableMaintenance handles POST /api/v1/nodes/{node}/maintenance.
func (s *Server) enableMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.drains.EnableMaintenance(r.Context(), r.PathValue("node"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// disableMaintenance handles DELETE /api/v1/nodes/{node}/maintenance.
func (s *Server) disableMaintenance(w http.ResponseWriter, r *http.Request) {
	record, err := s.drains.DisableMaintenance(r.Context(), r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// =============================================================================
// Placement
// =============================================================================

// placementRanking handles GET /api/v1/placement/ranking?prefer=a&avoid=b.
func (s *Server) placementRanking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ranked, err := s.selector.Rank(r.Context(), domain.PlacementConstraints{
		PreferredNodes: q["prefer"],
		AvoidNodes:     q["avoid"],
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type scored struct {
		Node  string  `json:"node"`
		Score float64 `json:"score"`
	}
	nodes := make([]scored, 0, len(ranked))
	for _, n := range ranked {
		nodes = append(nodes, scored{Node: n.Name, Score: n.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// =============================================================================
// Cluster provisioning
// =============================================================================

// createCluster handles POST /api/v1/clusters.
func (s *Server) createCluster(w http.ResponseWriter, r *http.Request) {
	var spec domain.ClusterSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.provisioning.Provision(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

// validateCluster handles POST /api/v1/clusters/validate.
func (s *Server) validateCluster(w http.ResponseWriter, r *http.Request) {
	var spec domain.ClusterSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := provisioning.Validate(&spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "total_nodes": spec.TotalNodes()})
}

// listClusters handles GET /api/v1/clusters.
func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clusters": s.provisioning.List()})
}

// getCluster handles GET /api/v1/clusters/{id}.
func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	state, err := s.provisioning.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// cancelCluster handles DELETE /api/v1/clusters/{id}. Cancellation is
// observed by the run at its next boundary.
func (s *Server) cancelCluster(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.provisioning.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id, "status": "cancelling"})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
