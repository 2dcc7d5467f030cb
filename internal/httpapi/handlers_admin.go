package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"kasirledger/internal/domain"
)

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		MinSeverity: domain.AlertSeverity(strings.TrimSpace(q.Get("min_severity"))),
		SubjectType: strings.TrimSpace(q.Get("subject_type")),
		SubjectID:   strings.TrimSpace(q.Get("subject_id")),
		Limit:       parsePositiveLimit(q.Get("limit"), 100, 500),
	}
	for _, raw := range strings.Split(q.Get("type"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Types = append(filter.Types, domain.AlertType(raw))
		}
	}

	var (
		alerts []domain.Alert
		err    error
	)
	if q.Get("include_terminal") == "true" {
		filter.IncludeTerminal = true
		alerts, err = a.service.ListAlerts(r.Context(), filter)
	} else {
		alerts, err = a.service.ListActiveAlerts(r.Context(), filter)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	var move func(ctx context.Context, alertID string) (domain.Alert, error)
	switch chi.URLParam(r, "action") {
	case "acknowledge":
		move = a.service.AcknowledgeAlert
	case "resolve":
		move = a.service.ResolveAlert
	case "dismiss":
		move = a.service.DismissAlert
	default:
		writeDomainError(w, domain.NewValidationError("action", "action must be acknowledge, resolve or dismiss"))
		return
	}
	alert, err := move(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": alert})
}

func (a *API) handleListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.PurchaseOrderStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	orders, err := a.service.ListPurchaseOrders(r.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_orders": orders})
}

func (a *API) handleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	po, err := a.service.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase_order": po})
}

func (a *API) handleReceivePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.ReceivePurchaseOrder(r.Context(), chi.URLParam(r, "purchaseOrderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_order": po})
}

// handleAuditLogs answers one of three queries: by subject
// (subject_type+subject_id), by actor, or by created_at range (from/to).
func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), 100, 500)

	var (
		logs []domain.AuditLog
		err  error
	)
	switch {
	case q.Get("subject_id") != "":
		logs, err = a.service.AuditTrailBySubject(r.Context(), q.Get("subject_type"), q.Get("subject_id"))
	case q.Get("actor") != "":
		logs, err = a.service.AuditTrailByActor(r.Context(), q.Get("actor"), limit)
	case q.Get("from") != "" || q.Get("to") != "":
		from, fromErr := parseTimeParam("from", q.Get("from"), time.Time{})
		to, toErr := parseTimeParam("to", q.Get("to"), time.Now().UTC())
		if fromErr != nil {
			err = fromErr
		} else if toErr != nil {
			err = toErr
		} else {
			logs, err = a.service.AuditTrailByRange(r.Context(), from, to, limit)
		}
	default:
		err = domain.NewValidationError("query", "subject_id, actor or from/to is required")
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func parseTimeParam(field string, raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be an RFC3339 timestamp")
	}
	return parsed, nil
}

type purgeAuditRequest struct {
	OlderThan time.Time `json:"older_than"`
}

func (a *API) handlePurgeAudit(w http.ResponseWriter, r *http.Request) {
	var req purgeAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := a.service.PurgeAuditOlderThan(r.Context(), req.OlderThan)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) handleMaintenanceTasks(w http.ResponseWriter, r *http.Request) {
	tasks := a.service.Maintenance().Tasks()
	out := make([]map[string]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, map[string]string{"name": task.Name, "summary": task.Summary})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (a *API) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.Maintenance().Run(r.Context(), chi.URLParam(r, "task"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}
