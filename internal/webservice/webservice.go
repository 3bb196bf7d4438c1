// Package webservice serves Apple's PassKit web service protocol together
// with pass issuance, archive download and the admin push endpoint.
package webservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/issuance"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/output"
	"github.com/sensiblebit/passkit/internal/pass"
	"github.com/sensiblebit/passkit/internal/passerr"
	"github.com/sensiblebit/passkit/internal/registry"
)

const maxRequestBody = 1 << 20

// Service is the issuance surface the handlers drive.
type Service interface {
	Issue(ctx context.Context, m pass.Member) (*issuance.Result, error)
	Regenerate(ctx context.Context, serial string) (*pass.Archive, *registry.Mapping, error)
	PushUpdates(ctx context.Context, serials []string) (*issuance.PushReport, error)
}

// Deps are the collaborators of a Handler. Output, Credentials, Metrics
// and Gatherer are optional.
type Deps struct {
	Service     Service
	Store       registry.Store
	Output      output.Store
	Credentials credentials.Source
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	passTypeID         string
	authToken          string
	adminToken         string
	issueRequiresAdmin bool
	deps               Deps
	now                func() time.Time
}

// New creates a Handler for cfg.
func New(cfg *config.Config, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		passTypeID:         cfg.Pass.TypeIdentifier,
		authToken:          cfg.Pass.AuthenticationToken,
		adminToken:         cfg.HTTP.AdminToken,
		issueRequiresAdmin: cfg.HTTP.IssueRequiresAdmin,
		deps:               deps,
		now:                time.Now,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	logger := h.deps.Logger
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLog(logger, h.deps.Metrics))
	r.Use(recoverer(logger))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/download/{name}", h.handleDownload)

	r.Group(func(r chi.Router) {
		if h.issueRequiresAdmin {
			r.Use(requireAdminToken(h.adminToken, logger))
		}
		r.Post("/passes", h.handleIssue)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices/{device}/registrations/{passType}", h.handleListSerials)
		r.Post("/log", h.handleLog)
		r.Group(func(r chi.Router) {
			r.Use(requireApplePass(h.authToken, logger))
			r.Post("/devices/{device}/registrations/{passType}/{serial}", h.handleRegister)
			r.Delete("/devices/{device}/registrations/{passType}/{serial}", h.handleUnregister)
			r.Get("/passes/{passType}/{serial}", h.handleFetchPass)
		})
	})

	r.With(requireAdminToken(h.adminToken, logger)).Post("/admin/push-updates", h.handlePushUpdates)
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

type issueRequest struct {
	FullName     string `json:"fullName"`
	MemberID     string `json:"memberId"`
	SerialNumber string `json:"serialNumber"`
	Email        string `json:"email"`
	Tier         string `json:"tier"`
}

type issueResponse struct {
	OK           bool               `json:"ok"`
	URL          string             `json:"url,omitempty"`
	SerialNumber string             `json:"serialNumber,omitempty"`
	Delivery     *issuance.Delivery `json:"delivery,omitempty"`
	Error        string             `json:"error,omitempty"`
	Kind         string             `json:"kind,omitempty"`
	Missing      []string           `json:"missing,omitempty"`
}

type registerRequest struct {
	PushToken string `json:"pushToken"`
}

type serialsResponse struct {
	LastUpdated   string   `json:"lastUpdated"`
	SerialNumbers []string `json:"serialNumbers"`
}

type pushRequest struct {
	Serials []string `json:"serials"`
}

type pushResult struct {
	Serial string `json:"serial"`
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Err    string `json:"err,omitempty"`
}

type pushResponse struct {
	Pushed    int          `json:"pushed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []pushResult `json:"results"`
}

type logRequest struct {
	Logs []string `json:"logs"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.deps.Credentials != nil {
		body["signer"] = "ready"
		if _, err := h.deps.Credentials.Identity(r.Context()); err != nil {
			body["signer"] = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, issueResponse{Error: "invalid request body", Kind: string(passerr.KindValidation)})
		return
	}

	res, err := h.deps.Service.Issue(ctx, pass.Member{
		FullName:     req.FullName,
		MemberID:     req.MemberID,
		SerialNumber: req.SerialNumber,
		Email:        req.Email,
		Tier:         req.Tier,
	})
	if err != nil {
		kind := passerr.KindOf(err)
		resp := issueResponse{Kind: string(kind), Error: err.Error()}
		if pe, ok := passerr.As(err); ok && kind == passerr.KindValidation {
			resp.Error = pe.Detail
			if pe.Detail == passerr.CodeMissingFields {
				resp.Missing = pe.Fields
			}
		}
		status := passerr.HTTPStatus(kind)
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		h.logFailure(ctx, "pass issuance failed", status, err)
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, issueResponse{
		OK:           true,
		URL:          res.URL,
		SerialNumber: res.Serial,
		Delivery:     &res.Delivery,
	})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	serial, ok := strings.CutSuffix(name, ".pkpass")
	if !ok || pass.ValidateSerial("webservice.Download", serial) != nil || h.deps.Output == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	stored := output.ArchiveName(serial)
	data, modTime, err := h.deps.Output.Get(r.Context(), stored)
	if errors.Is(err, output.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	if err != nil {
		h.logFailure(r.Context(), "reading stored archive", http.StatusInternalServerError, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.Header().Set("Content-Type", pass.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, stored, modTime, bytes.NewReader(data))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, passType, serial := pathParam(r, "device"), pathParam(r, "passType"), pathParam(r, "serial")
	if !h.servesPassType(passType) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown pass type"})
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.PushToken) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "pushToken required"})
		return
	}

	created, err := h.deps.Store.RegisterDevice(ctx, device, passType, serial, strings.TrimSpace(req.PushToken))
	if err != nil {
		h.writeError(w, r, "registering device", err)
		return
	}
	if created {
		h.deps.Metrics.IncrementRegistration("created")
		h.deps.Logger.InfoContext(ctx, "device registered", "device", device, "serial", serial, "request_id", RequestID(ctx))
		w.WriteHeader(http.StatusCreated)
		return
	}
	h.deps.Metrics.IncrementRegistration("existing")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, passType, serial := pathParam(r, "device"), pathParam(r, "passType"), pathParam(r, "serial")
	if err := h.deps.Store.UnregisterDevice(ctx, device, passType, serial); err != nil {
		h.writeError(w, r, "unregistering device", err)
		return
	}
	h.deps.Metrics.IncrementRegistration("removed")
	h.deps.Logger.InfoContext(ctx, "device unregistered", "device", device, "serial", serial, "request_id", RequestID(ctx))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleListSerials(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("passesUpdatedSince"); raw != "" {
		// An unparsable tag is treated as absent so the device resyncs.
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			since = t
		}
	}
	serials, lastUpdated, err := registry.UpdatedSerials(r.Context(), h.deps.Store,
		pathParam(r, "device"), pathParam(r, "passType"), since, h.now().UTC())
	if err != nil {
		h.writeError(w, r, "listing serials", err)
		return
	}
	writeJSON(w, http.StatusOK, serialsResponse{
		LastUpdated:   lastUpdated.UTC().Format(time.RFC3339Nano),
		SerialNumbers: serials,
	})
}

func (h *Handler) handleFetchPass(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	passType, serial := pathParam(r, "passType"), pathParam(r, "serial")
	if !h.servesPassType(passType) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "serial not found"})
		return
	}

	mapping, err := h.deps.Store.GetMapping(ctx, serial)
	if err != nil {
		h.writeError(w, r, "reading mapping", err)
		return
	}
	if mapping == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "serial not found"})
		return
	}
	modified := mapping.UpdatedAt.UTC().Truncate(time.Second)
	if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !mapping.UpdatedAt.IsZero() && !modified.After(ims) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	archive, _, err := h.deps.Service.Regenerate(ctx, serial)
	if err != nil {
		if passerr.Is(err, passerr.KindNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "serial not found"})
			return
		}
		h.writeError(w, r, "regenerating pass", err)
		return
	}
	if mapping.UpdatedAt.IsZero() {
		modified = h.now().UTC()
	}
	w.Header().Set("Content-Type", pass.ContentType)
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive.Bytes)
}

// servesPassType reports whether passType is the configured pass type. Any
// pass type is accepted when none is configured.
func (h *Handler) servesPassType(passType string) bool {
	return h.passTypeID == "" || passType == h.passTypeID
}

// pathParam returns a decoded URL parameter. chi matches against RawPath
// when the request carries one, which leaves parameters escaped.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	for _, line := range req.Logs {
		h.deps.Logger.WarnContext(r.Context(), "device log", "message", line, "request_id", RequestID(r.Context()))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePushUpdates(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	report, err := h.deps.Service.PushUpdates(r.Context(), req.Serials)
	if err != nil {
		h.writeError(w, r, "pushing updates", err)
		return
	}
	resp := pushResponse{
		Pushed:    report.Pushed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Results:   make([]pushResult, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		pr := pushResult{Serial: res.Serial, OK: res.OK(), Status: res.Status}
		if !pr.OK {
			pr.Err = res.Message()
		}
		resp.Results = append(resp.Results, pr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError answers with the status for err's kind and logs it.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	kind := passerr.KindOf(err)
	status := passerr.HTTPStatus(kind)
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	h.logFailure(r.Context(), msg, status, err)
	body := errorBody{Error: string(kind)}
	if status == http.StatusBadRequest {
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func (h *Handler) logFailure(ctx context.Context, msg string, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.deps.Logger.Log(ctx, level, msg,
		"kind", passerr.KindOf(err),
		"error", err,
		"request_id", RequestID(ctx),
	)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
