package server

import (
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/query"
	"StakeLedger/internal/tokenizer"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const (
	// HeaderCaller carries the authenticated account, set by the fronting
	// auth proxy. It overrides any caller in the body.
	HeaderCaller = "X-Caller"
	// HeaderIdempotencyKey supplies command_id when the body omits it.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func registerRoutes(mux *runtime.ServeMux, deps *ServerDeps) error {
	h := &handlers{deps: deps}

	routes := []route{
		{"POST", "/v1/commands/{type}", h.submitCommand},
		{"GET", "/v1/live/state", h.liveState},
		{"GET", "/v1/live/certificates/{id}", h.liveCertificate},
		{"GET", "/v1/live/slots/{slot}", h.liveSlot},
	}
	if deps.Projections != nil {
		routes = append(routes,
			route{"GET", "/v1/certificates/{id}", h.getCertificate},
			route{"GET", "/v1/owners/{owner}/certificates", h.listCertificates},
			route{"GET", "/v1/accounts/{account}/balances/{asset}", h.getBalance},
			route{"GET", "/v1/accounts/{account}/transfers", h.listTransfers},
			route{"GET", "/v1/fees/{asset}", h.getFees},
			route{"GET", "/v1/admin/integrity", h.verifyIntegrity},
		)
	}
	if deps.Rebuild != nil {
		routes = append(routes, route{"POST", "/v1/admin/projections/rebuild", h.rebuildProjections})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type handlers struct {
	deps *ServerDeps
}

// ============================================================================
// Commands
// ============================================================================

func (h *handlers) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ct, ok := event.ParseCommandType(params["type"])
	if !ok {
		h.writeError(w, fmt.Errorf("unknown command %q: %w", params["type"], errs.ErrNotFound))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, fmt.Errorf("read body: %v: %w", err, errs.ErrInvalidArgument))
		return
	}
	body, err = fillMeta(body, r.Header)
	if err != nil {
		h.writeError(w, err)
		return
	}

	cmd, err := ingestion.ParseCommand(ct, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rcpt, err := h.deps.Ledger.Submit(r.Context(), cmd)
	if err != nil {
		h.deps.Logger.Debug().Err(err).
			Str("command_type", ct.String()).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command rejected")
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// fillMeta applies the caller header and defaults command_id and
// timestamp_us when the body leaves them out.
func fillMeta(body []byte, header http.Header) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("decode body: %v: %w", err, errs.ErrInvalidArgument)
		}
	}

	set := func(key string, v interface{}) {
		raw, _ := json.Marshal(v)
		fields[key] = raw
	}
	if caller := header.Get(HeaderCaller); caller != "" {
		set("caller", caller)
	}
	if _, ok := fields["command_id"]; !ok {
		if key := header.Get(HeaderIdempotencyKey); key != "" {
			set("command_id", key)
		} else {
			set("command_id", uuid.NewString())
		}
	}
	if _, ok := fields["timestamp_us"]; !ok {
		set("timestamp_us", time.Now().UnixMicro())
	}
	return json.Marshal(fields)
}

// ============================================================================
// Live reads (against the in-memory tokenizer)
// ============================================================================

type liveCertificateResponse struct {
	ID      uint64 `json:"id"`
	Slot    uint64 `json:"slot"`
	StakeID uint64 `json:"stake_id"`
	Owner   string `json:"owner"`
}

type liveStateResponse struct {
	Asset             string `json:"asset"`
	OpenCount         uint64 `json:"open_count"`
	NextCertificateID uint64 `json:"next_certificate_id"`
	FeeRate           string `json:"fee_rate"`
	FeeOwner          string `json:"fee_owner"`
	AccruedFees       string `json:"accrued_fees"`
}

func (h *handlers) liveState(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var resp liveStateResponse
	err := h.deps.Ledger.View(r.Context(), func(t *tokenizer.Tokenizer) error {
		fees := t.Fees()
		resp = liveStateResponse{
			Asset:             string(t.Asset()),
			OpenCount:         t.OpenCount(),
			NextCertificateID: t.NextCertificateID(),
			FeeRate:           fees.Rate().Dec(),
			FeeOwner:          fees.Owner().Hex(),
			AccruedFees:       fees.Accrued(t.Asset()).Dec(),
		}
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) liveCertificate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUint("id", params["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.liveLookup(w, r, func(t *tokenizer.Tokenizer) (uint64, error) { return id, nil })
}

func (h *handlers) liveSlot(w http.ResponseWriter, r *http.Request, params map[string]string) {
	slot, err := parseUint("slot", params["slot"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.liveLookup(w, r, func(t *tokenizer.Tokenizer) (uint64, error) { return t.CertificateAt(slot) })
}

func (h *handlers) liveLookup(w http.ResponseWriter, r *http.Request, resolve func(*tokenizer.Tokenizer) (uint64, error)) {
	var resp liveCertificateResponse
	err := h.deps.Ledger.View(r.Context(), func(t *tokenizer.Tokenizer) error {
		id, err := resolve(t)
		if err != nil {
			return err
		}
		slot, err := t.SlotOf(id)
		if err != nil {
			return err
		}
		stake, err := t.StakeIdentityOf(id)
		if err != nil {
			return err
		}
		owner, err := t.OwnerOf(id)
		if err != nil {
			return err
		}
		resp = liveCertificateResponse{ID: id, Slot: slot, StakeID: stake, Owner: owner.Hex()}
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Projection reads
// ============================================================================

func (h *handlers) getCertificate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUint("id", params["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.deps.Projections.GetCertificate(r.Context(), id)
	h.respond(w, resp, err)
}

func (h *handlers) listCertificates(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := parseAddress("owner", params["owner"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var after *uint64
	if s := q.Get("after"); s != "" {
		v, err := parseUint("after", s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		after = &v
	}
	resp, err := h.deps.Projections.GetCertificatesByOwner(r.Context(), owner, limit, after)
	h.respond(w, resp, err)
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := parseAddress("account", params["account"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.deps.Projections.GetBalance(r.Context(), account, params["asset"])
	h.respond(w, resp, err)
}

func (h *handlers) listTransfers(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := parseAddress("account", params["account"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var before *int64
	if s := q.Get("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, fmt.Errorf("parse before: %w", errs.ErrInvalidArgument))
			return
		}
		before = &v
	}
	entries, err := h.deps.Projections.GetTransferHistory(r.Context(), account, limit, before)
	if entries == nil {
		entries = []query.TransferHistoryEntry{}
	}
	h.respond(w, map[string]interface{}{"transfers": entries}, err)
}

func (h *handlers) getFees(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := h.deps.Projections.GetFees(r.Context(), params["asset"])
	h.respond(w, resp, err)
}

// --- Admin ---

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.deps.Projections.VerifyIntegrity(r.Context())
	h.respond(w, resp, err)
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := h.deps.Rebuild(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// ============================================================================
// Helpers
// ============================================================================

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// writeError maps err through its gRPC code onto an HTTP status, the same
// mapping the gateway applies to gRPC errors.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	code := errs.GRPCCode(err)
	status := runtime.HTTPStatusFromCode(code)
	if status >= http.StatusInternalServerError {
		h.deps.Logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: errs.Code(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", name, s, errs.ErrInvalidArgument)
	}
	return v, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s %q: %w", name, s, errs.ErrInvalidArgument)
	}
	return common.HexToAddress(s), nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("parse limit %q: %w", s, errs.ErrInvalidArgument)
	}
	return v, nil
}
