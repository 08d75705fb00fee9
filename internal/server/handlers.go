package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"appstore/internal/appstore"
	"appstore/internal/idempotency"

	"go.uber.org/zap"
)

type link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type indexResponse struct {
	Title string `json:"title"`
	Items []link `json:"items"`
}

type sellRequest struct {
	Name     string `json:"name"`
	TokenURI string `json:"tokenURI"`
	Price    string `json:"price"`
}

type buyRequest struct {
	Price string `json:"price"`
}

type countResponse struct {
	Count string `json:"count"`
}

type tokenURIsResponse struct {
	TokenURIs []string `json:"tokenURIs"`
}

type listResponse struct {
	Count     string   `json:"count"`
	TokenURIs []string `json:"tokenURIs"`
}

type tokenURIResponse struct {
	TokenID  string `json:"tokenId"`
	TokenURI string `json:"tokenURI"`
}

type appResponse struct {
	TokenID string `json:"tokenId"`
	appstore.AppInfo
}

type verifyResponse struct {
	TokenID    string `json:"tokenId"`
	Verified   bool   `json:"verified"`
	ResultText string `json:"resultText"`
}

type tokenIDsResponse struct {
	Address  string   `json:"address"`
	TokenIDs []string `json:"tokenIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	idempotencyHeader = "X-Idempotency-Key"

	resultVerified    = "Authenticated"
	resultNotVerified = "Not authenticated"
)

var errUnbound = errors.New("wallet session not bound")

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, indexResponse{
		Title: "SDK Demo App",
		Items: []link{
			{Title: "Admin", URL: "/api/v1/admin/verify"},
			{Title: "Apps", URL: "/api/v1/apps"},
			{Title: "Session", URL: "/api/v1/session"},
		},
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Facade().Info(r.Context()))
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	f := s.gateway.Facade()
	writeJSON(w, http.StatusOK, listResponse{
		Count:     f.TotalCount(r.Context()),
		TokenURIs: f.TokenURIs(r.Context()),
	})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.gateway.Facade().TotalCount(r.Context())})
}

func (s *Server) handleTokenURIs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tokenURIsResponse{TokenURIs: s.gateway.Facade().TokenURIs(r.Context())})
}

func (s *Server) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, appResponse{
		TokenID: id,
		AppInfo: s.gateway.Facade().AppInfo(r.Context(), id),
	})
}

func (s *Server) handleTokenURI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, tokenURIResponse{
		TokenID:  id,
		TokenURI: s.gateway.Facade().TokenURI(r.Context(), id),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("tokenId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "tokenId is required")
		return
	}

	verified := s.gateway.Facade().Verify(r.Context(), id)
	resp := verifyResponse{TokenID: id, Verified: verified, ResultText: resultNotVerified}
	if verified {
		resp.ResultText = resultVerified
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTokensBySeller(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	writeJSON(w, http.StatusOK, tokenIDsResponse{
		Address:  addr,
		TokenIDs: s.gateway.Facade().TokenIDsBySeller(r.Context(), addr),
	})
}

func (s *Server) handleTokensByBuyer(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	writeJSON(w, http.StatusOK, tokenIDsResponse{
		Address:  addr,
		TokenIDs: s.gateway.Facade().TokenIDsByBuyer(r.Context(), addr),
	})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "sell", func(ctx context.Context, body []byte) (int, any) {
		var payload sellRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid json payload"}
		}
		if err := validateSellRequest(payload); err != nil {
			return http.StatusBadRequest, errorResponse{Error: err.Error()}
		}

		f := s.gateway.Facade()
		if !f.Bound() {
			return http.StatusServiceUnavailable, errorResponse{Error: errUnbound.Error()}
		}
		sub := f.Sell(ctx, payload.Name, payload.TokenURI, payload.Price)
		if sub == nil {
			return http.StatusBadGateway, errorResponse{Error: "sell was not submitted"}
		}
		return http.StatusCreated, sub
	})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.submit(w, r, "buy", func(ctx context.Context, body []byte) (int, any) {
		var payload buyRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid json payload"}
		}
		if err := validateBuyRequest(id, payload); err != nil {
			return http.StatusBadRequest, errorResponse{Error: err.Error()}
		}

		f := s.gateway.Facade()
		if !f.Bound() {
			return http.StatusServiceUnavailable, errorResponse{Error: errUnbound.Error()}
		}
		sub := f.Buy(ctx, id, payload.Price)
		if sub == nil {
			return http.StatusBadGateway, errorResponse{Error: "buy was not submitted"}
		}
		return http.StatusCreated, sub
	})
}

// outcome is the response one flight of a submission produced.
type outcome struct {
	fingerprint string
	status      int
	body        []byte
	replayed    bool
}

// submit runs exec at most once per idempotency key. A key presented again
// with the same payload replays the stored response; with a different
// payload it is rejected. Concurrent requests with one key share a single
// execution.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, op string, exec func(context.Context, []byte) (int, any)) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ctx := r.Context()
	fingerprint := idempotency.Fingerprint(op+" "+r.URL.Path, body)
	storeKey := op + ":" + key

	leader := false
	v, _, _ := s.inflight.Do(storeKey, func() (interface{}, error) {
		leader = true
		return s.runOnce(ctx, op, storeKey, fingerprint, body, exec), nil
	})
	out := v.(outcome)

	switch {
	case out.fingerprint != "" && out.fingerprint != fingerprint:
		s.metrics.incSubmission(op, "conflict")
		writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different payload")
		return
	case out.status != http.StatusCreated:
		s.metrics.incSubmission(op, "failed")
	case out.replayed || !leader:
		s.metrics.incSubmission(op, "cached")
	default:
		s.metrics.incSubmission(op, "created")
	}
	writeRaw(w, out.status, out.body)
}

func (s *Server) runOnce(ctx context.Context, op, storeKey, fingerprint string, body []byte, exec func(context.Context, []byte) (int, any)) outcome {
	existing, err := s.store.Get(ctx, storeKey)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", storeKey), zap.Error(err))
	}
	if existing != nil {
		return outcome{
			fingerprint: existing.Fingerprint,
			status:      existing.StatusCode,
			body:        existing.Response,
			replayed:    true,
		}
	}

	status, resp := exec(ctx, body)
	b, _ := json.Marshal(resp)
	out := outcome{fingerprint: fingerprint, status: status, body: b}
	if status != http.StatusCreated {
		return out
	}

	now := s.now()
	record := idempotency.Record{
		Operation:   op,
		Fingerprint: fingerprint,
		StatusCode:  status,
		Response:    b,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if sub, ok := resp.(*appstore.Submission); ok {
		record.TxHash = sub.TxHash
	}
	if err := s.store.Save(ctx, storeKey, record); err != nil {
		s.logger.Error("idempotency save failed",
			zap.String("key", storeKey),
			zap.String("txHash", record.TxHash),
			zap.Error(err))
	}
	return out
}

func validateSellRequest(req sellRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(req.TokenURI) == "" {
		return errors.New("tokenURI is required")
	}
	if strings.TrimSpace(req.Price) == "" {
		return errors.New("price is required")
	}
	if !isAmount(req.Price) {
		return errors.New("price must be a non-negative integer")
	}
	return nil
}

func validateBuyRequest(tokenID string, req buyRequest) error {
	if !isAmount(tokenID) {
		return errors.New("token id must be a non-negative integer")
	}
	if strings.TrimSpace(req.Price) == "" {
		return errors.New("price is required")
	}
	if !isAmount(req.Price) {
		return errors.New("price must be a non-negative integer")
	}
	return nil
}

// isAmount reports whether v is a non-negative base-10 integer.
func isAmount(v string) bool {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	return ok && n.Sign() >= 0
}

type component struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := component{Connected: true}
	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo = component{Error: err.Error()}
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := component{Connected: true}
	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo = component{Error: err.Error()}
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string               `json:"status"`
		RPC      component            `json:"rpc"`
		Database component            `json:"database"`
		Session  appstore.SessionInfo `json:"session"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Session:  s.gateway.Facade().Info(ctx),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, b)
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
