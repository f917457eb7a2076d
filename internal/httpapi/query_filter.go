package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/clusterfabric/plb/internal/plberrors"
)

// queryableView is the JSON document /v1/query/filter searches: a flattened
// snapshot of cluster state plus the last computed movements, so a caller
// can pull out a single field (e.g. one node's capacities) without shipping
// the whole snapshot over the wire.
type queryableView struct {
	Nodes        []interface{} `json:"nodes"`
	Services     []interface{} `json:"services"`
	Applications []interface{} `json:"applications"`
	Movements    interface{}   `json:"movements"`
}

func (h *handler) buildQueryableView() queryableView {
	snap := h.eng.Store().Snapshot()

	nodes := make([]interface{}, 0, len(snap.Nodes))
	for _, n := range snap.NodeList() {
		nodes = append(nodes, n)
	}
	services := make([]interface{}, 0, len(snap.Services))
	for _, s := range snap.ServiceList() {
		services = append(services, s)
	}
	apps := make([]interface{}, 0, len(snap.Applications))
	for _, a := range snap.ApplicationList() {
		apps = append(apps, a)
	}

	return queryableView{
		Nodes:        nodes,
		Services:     services,
		Applications: apps,
		Movements:    h.eng.Movements(),
	}
}

// queryFilter narrows the current snapshot/movements view down to a single
// path, taking either a gjson path (?path=) for quick field lookups against
// the raw JSON, or a JSONPath expression (?jsonpath=) for the richer
// predicate/wildcard syntax.
func (h *handler) queryFilter(w http.ResponseWriter, r *http.Request) {
	view := h.buildQueryableView()
	payload, err := json.Marshal(view)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if expr := r.URL.Query().Get("jsonpath"); expr != "" {
		var doc interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		result, err := jsonpath.Get(expr, doc)
		if err != nil {
			writeError(w, http.StatusBadRequest, plberrors.InvalidInput("jsonpath", err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, plberrors.InvalidInput("path", "path or jsonpath query parameter is required"))
		return
	}
	result := gjson.GetBytes(payload, path)
	if !result.Exists() {
		writeError(w, http.StatusNotFound, plberrors.NotFound("path", path))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(result.Raw))
}
