package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type API struct {
	auth    *Auth
	store   Store
	scanner ScannerService
	obs     *Observability
}

func NewAPI(auth *Auth, store Store, scanner ScannerService, obs *Observability) *API {
	return &API{
		auth:    auth,
		store:   store,
		scanner: scanner,
		obs:     obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/scans", a.auth.RequireAdmin(http.HandlerFunc(a.handleCreateScan)))
	mux.Handle("GET /api/v1/scans", a.auth.RequireAdmin(http.HandlerFunc(a.handleListScans)))
	mux.Handle("GET /api/v1/scans/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleGetScan)))
	mux.Handle("GET /api/v1/scans/{id}/events", a.auth.RequireAdmin(http.HandlerFunc(a.handleScanEventsSSE)))
	mux.Handle("POST /api/v1/scans/{id}/stop", a.auth.RequireAdmin(http.HandlerFunc(a.handleStopScan)))
	mux.Handle("GET /api/v1/scans/{id}/results.csv", a.auth.RequireAdmin(http.HandlerFunc(a.handleScanResultsCSV)))
	mux.Handle("GET /api/v1/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleOverview)))
	mux.Handle("GET /api/v1/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAudit)))

	mux.HandleFunc("POST /api/v1/verify", a.handleVerify)
	mux.Handle("GET /api/v1/my-scans", a.auth.Require(http.HandlerFunc(a.handleMyScans)))

	wrapped := otelhttp.NewHandler(mux, "redscan-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("redscan-api").Start(r.Context(), "scan.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req ScanRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(attribute.Int("scan.datasets", len(req.Datasets)))
	meta, err := a.scanner.CreateScan(req, principal, "admin.manual")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_id": meta.ScanID,
		"status":  meta.Status,
	})
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing scan id")
		return
	}
	meta, ok := a.store.GetScan(id)
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleListScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scans": a.store.ListScans(100),
	})
}

func (a *API) handleStopScan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing scan id")
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if err := a.scanner.StopScan(id, principal); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleScanEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing scan id")
		return
	}
	if _, ok := a.store.GetScan(id); !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []ScanEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: scan_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListScanEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListScanEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleScanResultsCSV(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing scan id")
		return
	}
	meta, ok := a.store.GetScan(id)
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if meta.Report == nil {
		writeError(w, http.StatusConflict, "scan has no results yet")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_results.csv", id))
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"module", "prompt", "status_code", "content", "refused"})
	for _, record := range meta.Report.Records {
		content := record.Content
		if record.Error != "" {
			content = record.Error
		}
		_ = writer.Write([]string{
			record.Module,
			record.Prompt,
			strconv.Itoa(record.StatusCode),
			content,
			strconv.FormatBool(record.Refused),
		})
	}
	writer.Flush()
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("redscan-api").Start(r.Context(), "scan.verify")
	defer span.End()
	var req VerifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	result, err := a.scanner.Verify(ctx, req.SpecText, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "rate limit") {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status_code":     result.StatusCode,
		"body":            result.Body,
		"elapsed_seconds": result.ElapsedSeconds,
	})
}

func (a *API) handleMyScans(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	scans := a.store.ListScansByCreator(principal.Subject, 50)
	out := make([]map[string]any, 0, len(scans))
	for _, m := range scans {
		entry := map[string]any{
			"scan_id":    m.ScanID,
			"status":     m.Status,
			"created_at": m.CreatedAt,
		}
		if m.Report != nil {
			entry["total_prompts"] = m.Report.TotalPrompts
			entry["refusals"] = m.Report.Refusals
			entry["errors"] = m.Report.Errors
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": out})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
