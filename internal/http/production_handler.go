package httpapi

import (
	"net/http"
	"strings"

	"shopfloor-telemetry/internal/service"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ActorHeader carries the authenticated user id set by the upstream gateway.
const ActorHeader = "X-User-Id"

const defaultScheduleDays = 7

// ProductionHandler 产量与排班接口
type ProductionHandler struct {
	svc    service.ProductionService
	logger *zap.Logger
}

func NewProductionHandler(svc service.ProductionService, logger *zap.Logger) *ProductionHandler {
	return &ProductionHandler{svc: svc, logger: logger}
}

type updateRateRequest struct {
	Rate *float64 `json:"rate"`
}

// UpdateRate PUT /api/v1/machines/{id}/rate
func (h *ProductionHandler) UpdateRate(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateRateRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || req.Rate == nil {
		writeError(w, badRequest("body must be {\"rate\": number}"))
		return
	}

	ev, err := h.svc.UpdateMachineRate(r.Context(), id, *req.Rate, strings.TrimSpace(r.Header.Get(ActorHeader)))
	if err != nil {
		h.logFailure("UpdateMachineRate", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(ev))
}

// GetCurrentProduction GET /api/v1/machines/{id}/production
func (h *ProductionHandler) GetCurrentProduction(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cp, err := h.svc.GetCurrentProduction(r.Context(), id)
	if err != nil {
		h.logFailure("GetCurrentProduction", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(cp))
}

// GetHistory GET /api/v1/machines/{id}/history?start=&end=&teamCode=
func (h *ProductionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	req, err := historyRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hist, err := h.svc.GetProductionHistory(r.Context(), req)
	if err != nil {
		h.logFailure("GetProductionHistory", req.MachineID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(hist))
}

// ExportHistory GET /api/v1/machines/{id}/history/export
func (h *ProductionHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	req, err := historyRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	export, err := h.svc.ExportProductionHistory(r.Context(), req)
	if err != nil {
		h.logFailure("ExportProductionHistory", req.MachineID, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+export.Filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

type resetShiftRequest struct {
	OperatorID string `json:"operatorId"`
	TeamCode   string `json:"teamCode"`
}

// ResetShift POST /api/v1/machines/{id}/reset-shift
func (h *ProductionHandler) ResetShift(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req resetShiftRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeError(w, badRequest("invalid JSON body"))
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = strings.TrimSpace(r.Header.Get(ActorHeader))
	}

	archive, err := h.svc.ResetShift(r.Context(), id, req.OperatorID, req.TeamCode)
	if err != nil {
		h.logFailure("ResetShift", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(archive))
}

// GetRotation GET /api/v1/teams/{code}/rotation?days=
func (h *ProductionHandler) GetRotation(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	days := parseInt(r.URL.Query().Get("days"), defaultScheduleDays)

	schedule, err := h.svc.GetRotationSchedule(r.Context(), code, days)
	if err != nil {
		h.logger.Warn("GetRotationSchedule failed", zap.String("team_code", code), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(schedule))
}

// Health GET /healthz
func (h *ProductionHandler) Health(w http.ResponseWriter, r *http.Request) {
	hr := h.svc.Health(r.Context())
	status := http.StatusOK
	if hr.Status == service.HealthUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hr)
}

func historyRequest(r *http.Request) (service.HistoryRequest, error) {
	id, err := machineID(r)
	if err != nil {
		return service.HistoryRequest{}, err
	}
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		return service.HistoryRequest{}, badRequest("start and end are required")
	}
	start, err := parseTime(q.Get("start"))
	if err != nil {
		return service.HistoryRequest{}, err
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		return service.HistoryRequest{}, err
	}
	return service.HistoryRequest{
		MachineID: id,
		Start:     start.UTC(),
		End:       end.UTC(),
		TeamCode:  q.Get("teamCode"),
	}, nil
}

func (h *ProductionHandler) logFailure(op string, machineID int64, err error) {
	h.logger.Warn(op+" failed",
		zap.Int64("machine_id", machineID),
		zap.Error(err),
	)
}
