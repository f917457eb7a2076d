// Package httpapi exposes the engine's ingress and query surface over
// HTTP with a decode/validate/writeJSON handler shape, routed through
// gorilla/mux since the ingress has enough path-parameterized resources
// (nodes, services, partitions by id) to benefit from mux's path-variable
// extraction.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/clusterfabric/plb/internal/diagnostics"
	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/logger"
	"github.com/clusterfabric/plb/pkg/metrics"
)

// handler bundles the engine-facing HTTP endpoints.
type handler struct {
	eng      *engine.Engine
	log      *logger.Logger
	validate *validator.Validate
	manager  *system.Manager
	diag     *diagnostics.Collector
}

// NewRouter builds the full mux exposing ingress, query, and operational
// endpoints. Every route is wrapped in a per-caller rate limiter.
func NewRouter(eng *engine.Engine, manager *system.Manager, log *logger.Logger) *mux.Router {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	diag, err := diagnostics.New()
	if err != nil {
		log.WithError(err).Warn("process diagnostics unavailable")
		diag = nil
	}
	h := &handler{eng: eng, log: log, validate: validator.New(), manager: manager, diag: diag}
	limiter := NewRateLimiter(50, 100, log)

	r := mux.NewRouter()
	r.Use(limiter.Middleware)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/descriptors", h.descriptors).Methods(http.MethodGet)
	r.HandleFunc("/v1/diagnostics", h.diagnosticsReport).Methods(http.MethodGet)

	r.HandleFunc("/v1/nodes", h.updateNode).Methods(http.MethodPut)
	r.HandleFunc("/v1/service-types", h.updateServiceType).Methods(http.MethodPut)
	r.HandleFunc("/v1/service-types/{name}", h.deleteServiceType).Methods(http.MethodDelete)
	r.HandleFunc("/v1/services", h.updateService).Methods(http.MethodPut)
	r.HandleFunc("/v1/services/{name}", h.deleteService).Methods(http.MethodDelete)
	r.HandleFunc("/v1/applications", h.updateApplication).Methods(http.MethodPut)
	r.HandleFunc("/v1/applications/{name}", h.deleteApplication).Methods(http.MethodDelete)
	r.HandleFunc("/v1/partitions", h.updateFailoverUnit).Methods(http.MethodPut)
	r.HandleFunc("/v1/partitions/{id}", h.deleteFailoverUnit).Methods(http.MethodDelete)
	r.HandleFunc("/v1/loads", h.updateLoad).Methods(http.MethodPost)
	r.HandleFunc("/v1/process-pending-updates", h.processPendingUpdates).Methods(http.MethodPost)
	r.HandleFunc("/v1/movement-enabled", h.setMovementEnabled).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster-upgrade", h.updateClusterUpgrade).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap-primary", h.triggerSwapPrimary).Methods(http.MethodPost)
	r.HandleFunc("/v1/promotion-compare", h.comparePromotion).Methods(http.MethodPost)

	r.HandleFunc("/v1/query/cluster/{metric}", h.clusterLoad).Methods(http.MethodGet)
	r.HandleFunc("/v1/query/nodes/{id}/{metric}", h.nodeLoad).Methods(http.MethodGet)
	r.HandleFunc("/v1/query/applications/{name}/{metric}", h.applicationLoad).Methods(http.MethodGet)
	r.HandleFunc("/v1/query/filter", h.queryFilter).Methods(http.MethodGet)
	r.HandleFunc("/v1/movements/stream", h.streamMovements)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if !h.eng.Query().Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) diagnosticsReport(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeError(w, http.StatusServiceUnavailable, plberrors.Internal("process diagnostics unavailable", nil))
		return
	}
	writeJSON(w, http.StatusOK, h.diag.Collect(r.Context()))
}

func (h *handler) descriptors(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeJSON(w, http.StatusOK, []system.Descriptor{})
		return
	}
	writeJSON(w, http.StatusOK, h.manager.Descriptors())
}

func (h *handler) updateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	n := model.Node{
		InstanceID:         req.InstanceID,
		Up:                 req.Up,
		DeactivationIntent: model.DeactivationIntent(req.DeactivationIntent),
		DeactivationStatus: model.DeactivationStatus(req.DeactivationStatus),
		Properties:         req.Properties,
		FaultDomain:        req.FaultDomain,
		UpgradeDomain:      req.UpgradeDomain,
		Capacities:         req.Capacities,
		Version:            req.Version,
	}
	h.writeEngineResult(w, h.eng.Store().UpdateNode(n))
}

func (h *handler) updateServiceType(w http.ResponseWriter, r *http.Request) {
	var req serviceTypeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	blockList := make(map[string]struct{}, len(req.BlockList))
	for _, id := range req.BlockList {
		blockList[id] = struct{}{}
	}
	h.writeEngineResult(w, h.eng.Store().UpdateServiceType(model.ServiceType{
		Name:      req.Name,
		BlockList: blockList,
		Version:   req.Version,
	}))
}

func (h *handler) deleteServiceType(w http.ResponseWriter, r *http.Request) {
	h.writeEngineResult(w, h.eng.Store().DeleteServiceType(mux.Vars(r)["name"]))
}

func (h *handler) updateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	metricSpecs := make([]model.MetricSpec, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		metricSpecs = append(metricSpecs, model.MetricSpec{
			Name:             m.Name,
			Weight:           m.Weight,
			PrimaryDefault:   m.PrimaryDefault,
			SecondaryDefault: m.SecondaryDefault,
			Defrag:           m.Defrag,
		})
	}
	h.writeEngineResult(w, h.eng.Store().UpdateService(model.Service{
		Name:                 req.Name,
		ServiceTypeName:      req.ServiceTypeName,
		ApplicationName:      req.ApplicationName,
		Stateful:             req.Stateful,
		PersistedState:       req.PersistedState,
		TargetReplicaSetSize: req.TargetReplicaSetSize,
		PartitionCount:       req.PartitionCount,
		PlacementConstraint:  req.PlacementConstraint,
		AffinityParent:       req.AffinityParent,
		AlignedAffinity:      req.AlignedAffinity,
		Metrics:              metricSpecs,
		DefaultMoveCost:      req.DefaultMoveCost,
		ServicePackage:       req.ServicePackage,
		Version:              req.Version,
	}))
}

func (h *handler) deleteService(w http.ResponseWriter, r *http.Request) {
	h.writeEngineResult(w, h.eng.Store().DeleteService(mux.Vars(r)["name"]))
}

func (h *handler) updateApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	appMetrics := make([]model.ApplicationMetricCapacity, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		appMetrics = append(appMetrics, model.ApplicationMetricCapacity{
			Metric:             m.Metric,
			TotalCapacity:      m.TotalCapacity,
			PerNodeCapacity:    m.PerNodeCapacity,
			PerNodeReservation: m.PerNodeReservation,
		})
	}
	h.writeEngineResult(w, h.eng.Store().UpdateApplication(model.Application{
		Name:            req.Name,
		MinNodeCount:    req.MinNodeCount,
		MaxNodeCount:    req.MaxNodeCount,
		Metrics:         appMetrics,
		ServicePackages: req.ServicePackages,
		Version:         req.Version,
	}))
}

func (h *handler) deleteApplication(w http.ResponseWriter, r *http.Request) {
	h.writeEngineResult(w, h.eng.Store().DeleteApplication(mux.Vars(r)["name"]))
}

func (h *handler) updateFailoverUnit(w http.ResponseWriter, r *http.Request) {
	var req partitionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	replicas := make([]model.Replica, 0, len(req.Replicas))
	for _, rr := range req.Replicas {
		replicas = append(replicas, model.Replica{
			NodeID: rr.NodeID,
			Role:   model.ReplicaRole(rr.Role),
			State:  model.ReplicaState(rr.State),
			Up:     rr.Up,
			Flags: model.ReplicaFlags{
				PrimaryToBeSwappedOut:          rr.Flags.PrimaryToBeSwappedOut,
				PrimaryToBePlaced:              rr.Flags.PrimaryToBePlaced,
				ReplicaToBePlaced:              rr.Flags.ReplicaToBePlaced,
				MoveInProgress:                 rr.Flags.MoveInProgress,
				ToBeDroppedByFM:                rr.Flags.ToBeDroppedByFM,
				ToBeDroppedByPLB:               rr.Flags.ToBeDroppedByPLB,
				ToBeDroppedForNodeDeactivation: rr.Flags.ToBeDroppedForNodeDeactivation,
				ToBePromoted:                   rr.Flags.ToBePromoted,
				PendingRemove:                  rr.Flags.PendingRemove,
				Deleted:                        rr.Flags.Deleted,
				PreferredPrimaryLocation:       rr.Flags.PreferredPrimaryLocation,
				EndpointAvailable:              rr.Flags.EndpointAvailable,
				PreferredReplicaLocation:       rr.Flags.PreferredReplicaLocation,
			},
		})
	}
	h.writeEngineResult(w, h.eng.Store().UpdateFailoverUnit(model.Partition{
		ID:                req.ID,
		ServiceName:       req.ServiceName,
		Version:           req.Version,
		ReplicaDifference: req.ReplicaDifference,
		Replicas:          replicas,
		Flags: model.PartitionFlags{
			UpgradeInProgress:     req.Flags.UpgradeInProgress,
			ApplicationUpgrade:    req.Flags.ApplicationUpgrade,
			Reconfiguration:       req.Flags.Reconfiguration,
			PrimaryToBeSwappedOut: req.Flags.PrimaryToBeSwappedOut,
		},
	}))
}

func (h *handler) deleteFailoverUnit(w http.ResponseWriter, r *http.Request) {
	h.writeEngineResult(w, h.eng.Store().DeleteFailoverUnit(mux.Vars(r)["id"]))
}

func (h *handler) updateLoad(w http.ResponseWriter, r *http.Request) {
	var req loadReportRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	err := h.eng.Store().UpdateLoadOrMoveCost(storeLoadUpdate(req), timeNow())
	h.writeEngineResult(w, err)
}

func (h *handler) processPendingUpdates(w http.ResponseWriter, r *http.Request) {
	h.writeEngineResult(w, h.eng.ProcessPendingUpdates())
}

func (h *handler) setMovementEnabled(w http.ResponseWriter, r *http.Request) {
	var req movementEnabledRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.eng.SetMovementEnabled(req.PlacementOrBalancing, req.ConstraintCheck)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) updateClusterUpgrade(w http.ResponseWriter, r *http.Request) {
	var req clusterUpgradeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.writeEngineResult(w, h.eng.UpdateClusterUpgrade(req.ApplicationName, req.InProgress, req.CompletedUpgradeDomains))
}

func (h *handler) triggerSwapPrimary(w http.ResponseWriter, r *http.Request) {
	var req swapPrimaryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.writeEngineResult(w, h.eng.TriggerSwapPrimary(req.ServiceName, req.PartitionID, req.SourceNode, req.TargetNode))
}

func (h *handler) comparePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionCompareRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	result := h.eng.CompareNodeForPromotion(req.ServiceName, req.PartitionID, req.NodeA, req.NodeB)
	writeJSON(w, http.StatusOK, map[string]int{"result": result})
}

func (h *handler) clusterLoad(w http.ResponseWriter, r *http.Request) {
	info, err := h.eng.Query().ClusterLoadInformation(mux.Vars(r)["metric"])
	h.writeQueryResult(w, info, err)
}

func (h *handler) nodeLoad(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	info, err := h.eng.Query().NodeLoadInformation(vars["id"], vars["metric"])
	h.writeQueryResult(w, info, err)
}

func (h *handler) applicationLoad(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	info, err := h.eng.Query().ApplicationLoadInformation(vars["name"], vars["metric"])
	h.writeQueryResult(w, info, err)
}

func (h *handler) writeQueryResult(w http.ResponseWriter, info interface{}, err error) {
	if err != nil {
		writeError(w, plberrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) writeEngineResult(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, plberrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeAndValidate decodes the request body into dst and runs struct-tag
// validation, writing a 400 response and returning false on either
// failure.
func (h *handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeJSON(r.Body, dst); err != nil {
		writeError(w, http.StatusBadRequest, plberrors.InvalidInput("body", err.Error()))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, plberrors.InvalidInput("body", err.Error()))
		return false
	}
	return true
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
