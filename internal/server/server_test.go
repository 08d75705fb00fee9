package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"appstore/internal/appstore"
	"appstore/internal/appstore/appstoretest"
	"appstore/internal/config"
	"appstore/internal/contracts"
	"appstore/internal/hmacauth"
	"appstore/internal/idempotency"
	"appstore/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

var (
	alice = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
}

// newTestApp returns an App over chain signing with key. It is bound unless
// bind is false.
func newTestApp(t *testing.T, chain *appstoretest.Chain, key *ecdsa.PrivateKey, bind bool) *appstore.App {
	t.Helper()
	artifact, err := contracts.AppStoreArtifact()
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	app := appstore.NewApp(appstore.Config{Artifact: artifact}, zaptest.NewLogger(t), nil)
	app.WithDialer(func(context.Context, wallet.Config) (*wallet.Wallet, error) {
		return chain.Wallet(key), nil
	})
	if bind {
		if err := app.Init(context.Background()); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	return app
}

func newTestServer(t *testing.T, cfg *config.AppConfig, gw Gateway) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(cfg, gw, idempotency.NewMemoryStore(), zaptest.NewLogger(t), prometheus.NewRegistry())
	return srv, srv.Handler()
}

func signed(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if err := hmacauth.SignRequest(req, testSecret, time.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSellIdempotency(t *testing.T) {
	chain := appstoretest.NewChain()
	key := appstoretest.NewKey()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, key, true))

	payload, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "1000"})

	req := signed(t, http.MethodPost, "/api/v1/apps", payload)
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec := serve(h, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	sub := decode[appstore.Submission](t, rec)
	if sub.TxHash == "" {
		t.Fatalf("expected a transaction hash")
	}
	if sub.From != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("unexpected sender %s", sub.From)
	}

	req2 := signed(t, http.MethodPost, "/api/v1/apps", payload)
	req2.Header.Set("X-Idempotency-Key", "key-1")
	rec2 := serve(h, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}

	count := decode[countResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/apps/count", nil)))
	if count.Count != "1" {
		t.Fatalf("expected one listing, got %s", count.Count)
	}
}

// slowStore widens the window between looking a key up and saving it.
type slowStore struct {
	*idempotency.MemoryStore
}

func (s slowStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	time.Sleep(30 * time.Millisecond)
	return s.MemoryStore.Get(ctx, key)
}

func TestConcurrentRetriesShareOneSubmission(t *testing.T) {
	chain := appstoretest.NewChain()
	srv := NewServer(testConfig(), newTestApp(t, chain, appstoretest.NewKey(), true),
		slowStore{idempotency.NewMemoryStore()}, zaptest.NewLogger(t), nil)
	h := srv.Handler()

	payload, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "1000"})

	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, 2)
	for i := range recs {
		req := signed(t, http.MethodPost, "/api/v1/apps", payload)
		req.Header.Set("X-Idempotency-Key", "same")
		wg.Add(1)
		go func(i int, req *http.Request) {
			defer wg.Done()
			recs[i] = serve(h, req)
		}(i, req)
	}
	wg.Wait()

	for i, rec := range recs {
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201 got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if !bytes.Equal(recs[0].Body.Bytes(), recs[1].Body.Bytes()) {
		t.Fatalf("expected both retries to see the same submission")
	}

	count := decode[countResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/apps/count", nil)))
	if count.Count != "1" {
		t.Fatalf("expected one listing, got %s", count.Count)
	}
	if calls := chain.Calls("sell"); len(calls) != 1 {
		t.Fatalf("expected one sell transaction, got %d", len(calls))
	}
}

func TestBuyRejectsMalformedTokenID(t *testing.T) {
	chain := appstoretest.NewChain()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, appstoretest.NewKey(), true))

	payload, _ := json.Marshal(buyRequest{Price: "1"})
	for _, id := range []string{"abc", "-1", "1.5"} {
		req := signed(t, http.MethodPost, "/api/v1/apps/"+id+"/buy", payload)
		req.Header.Set("X-Idempotency-Key", "buy-"+id)
		if rec := serve(h, req); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d: %s", id, rec.Code, rec.Body.String())
		}
	}

	bad, _ := json.Marshal(buyRequest{Price: "lots"})
	req := signed(t, http.MethodPost, "/api/v1/apps/0/buy", bad)
	req.Header.Set("X-Idempotency-Key", "buy-price")
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed price, got %d", rec.Code)
	}
}

func TestSellKeyReuseWithDifferentPayload(t *testing.T) {
	chain := appstoretest.NewChain()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, appstoretest.NewKey(), true))

	first, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "1000"})
	req := signed(t, http.MethodPost, "/api/v1/apps", first)
	req.Header.Set("X-Idempotency-Key", "key-1")
	if rec := serve(h, req); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}

	second, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "2000"})
	req2 := signed(t, http.MethodPost, "/api/v1/apps", second)
	req2.Header.Set("X-Idempotency-Key", "key-1")
	if rec := serve(h, req2); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
}

func TestSellRejectsBadRequests(t *testing.T) {
	chain := appstoretest.NewChain()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, appstoretest.NewKey(), true))
	payload, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "1000"})

	unsigned := httptest.NewRequest(http.MethodPost, "/api/v1/apps", bytes.NewReader(payload))
	unsigned.Header.Set("X-Idempotency-Key", "key-1")
	if rec := serve(h, unsigned); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	noKey := signed(t, http.MethodPost, "/api/v1/apps", payload)
	if rec := serve(h, noKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}

	missing, _ := json.Marshal(sellRequest{TokenURI: "ipfs://calc", Price: "1"})
	req := signed(t, http.MethodPost, "/api/v1/apps", missing)
	req.Header.Set("X-Idempotency-Key", "key-2")
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}
}

func TestSubmissionsFailWhileUnbound(t *testing.T) {
	chain := appstoretest.NewChain()
	store := idempotency.NewMemoryStore()
	srv := NewServer(testConfig(), newTestApp(t, chain, appstoretest.NewKey(), false), store, zaptest.NewLogger(t), nil)
	h := srv.Handler()

	payload, _ := json.Marshal(buyRequest{Price: "1"})
	req := signed(t, http.MethodPost, "/api/v1/apps/0/buy", payload)
	req.Header.Set("X-Idempotency-Key", "key-1")
	if rec := serve(h, req); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}

	if rec, _ := store.Get(context.Background(), "buy:key-1"); rec != nil {
		t.Fatalf("failed submissions must not be remembered")
	}
}

func TestBuyThenVerify(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.Seed("calc", "ipfs://calc", 1000, alice)
	key := appstoretest.NewKey()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, key, true))

	verify := func() verifyResponse {
		rec := serve(h, signed(t, http.MethodGet, "/api/v1/admin/verify?tokenId=0", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("verify: expected 200 got %d", rec.Code)
		}
		return decode[verifyResponse](t, rec)
	}

	if got := verify(); got.Verified || got.ResultText != resultNotVerified {
		t.Fatalf("expected not verified before buying, got %+v", got)
	}

	under, _ := json.Marshal(buyRequest{Price: "999"})
	req := signed(t, http.MethodPost, "/api/v1/apps/0/buy", under)
	req.Header.Set("X-Idempotency-Key", "buy-1")
	if rec := serve(h, req); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for a reverted buy, got %d", rec.Code)
	}

	paid, _ := json.Marshal(buyRequest{Price: "1000"})
	req = signed(t, http.MethodPost, "/api/v1/apps/0/buy", paid)
	req.Header.Set("X-Idempotency-Key", "buy-2")
	if rec := serve(h, req); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	if got := verify(); !got.Verified || got.ResultText != resultVerified {
		t.Fatalf("expected verified after buying, got %+v", got)
	}

	buyer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	tokens := decode[tokenIDsResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/buyers/"+buyer+"/tokens", nil)))
	if len(tokens.TokenIDs) != 1 || tokens.TokenIDs[0] != "0" {
		t.Fatalf("unexpected bought tokens %v", tokens.TokenIDs)
	}
}

func TestVerifyRequiresSignatureAndTokenID(t *testing.T) {
	chain := appstoretest.NewChain()
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, nil, true))

	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/admin/verify?tokenId=0", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if rec := serve(h, signed(t, http.MethodGet, "/api/v1/admin/verify", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestReadRoutes(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(bob)
	chain.Seed("calc", "ipfs://calc", 10, alice)
	chain.Seed("notes", "ipfs://notes", 20, alice)
	chain.AddBuyer(1, bob)
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, nil, true))

	get := func(path string) *httptest.ResponseRecorder {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, rec.Code)
		}
		return rec
	}

	list := decode[listResponse](t, get("/api/v1/apps"))
	if list.Count != "2" || strings.Join(list.TokenURIs, ",") != "ipfs://calc,ipfs://notes" {
		t.Fatalf("unexpected listing %+v", list)
	}

	app := decode[appResponse](t, get("/api/v1/apps/1"))
	if app.TokenID != "1" || app.Name != "notes" || app.Price != "20" || app.Seller != alice.Hex() {
		t.Fatalf("unexpected app %+v", app)
	}
	if len(app.Buyers) != 1 || app.Buyers[0] != bob.Hex() {
		t.Fatalf("unexpected buyers %v", app.Buyers)
	}

	uri := decode[tokenURIResponse](t, get("/api/v1/apps/0/uri"))
	if uri.TokenURI != "ipfs://calc" {
		t.Fatalf("unexpected uri %q", uri.TokenURI)
	}

	sold := decode[tokenIDsResponse](t, get("/api/v1/sellers/"+alice.Hex()+"/tokens"))
	if strings.Join(sold.TokenIDs, ",") != "0,1" {
		t.Fatalf("unexpected sold tokens %v", sold.TokenIDs)
	}

	session := decode[appstore.SessionInfo](t, get("/api/v1/session"))
	if !session.Bound || !session.ReadOnly || session.Account != bob.Hex() {
		t.Fatalf("unexpected session %+v", session)
	}

	index := decode[indexResponse](t, get("/api/v1/"))
	if len(index.Items) == 0 || index.Items[0].Title != "Admin" {
		t.Fatalf("unexpected index %+v", index)
	}
}

func TestUnboundReadsReturnDefaults(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.Seed("calc", "ipfs://calc", 10, alice)
	_, h := newTestServer(t, testConfig(), newTestApp(t, chain, nil, false))

	list := decode[listResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil)))
	if list.Count != "0" || list.TokenURIs == nil || len(list.TokenURIs) != 0 {
		t.Fatalf("expected empty defaults, got %+v", list)
	}

	app := decode[appResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/apps/0", nil)))
	if app.Name != "" || app.Price != "" || app.Seller != "" || len(app.Buyers) != 0 {
		t.Fatalf("expected empty app info, got %+v", app)
	}
}

func TestHealth(t *testing.T) {
	chain := appstoretest.NewChain()
	app := newTestApp(t, chain, nil, false)
	_, h := newTestServer(t, testConfig(), app)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while unbound, got %d", rec.Code)
	}

	if err := app.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once bound, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func TestSubmissionsAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Service.RateLimitRPS = 0.001
	cfg.Service.RateLimitBurst = 1
	chain := appstoretest.NewChain()
	_, h := newTestServer(t, cfg, newTestApp(t, chain, appstoretest.NewKey(), true))

	payload, _ := json.Marshal(sellRequest{Name: "calc", TokenURI: "ipfs://calc", Price: "1"})
	req := signed(t, http.MethodPost, "/api/v1/apps", payload)
	req.Header.Set("X-Idempotency-Key", "key-1")
	if rec := serve(h, req); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}

	req = signed(t, http.MethodPost, "/api/v1/apps", payload)
	req.Header.Set("X-Idempotency-Key", "key-2")
	if rec := serve(h, req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}

	metrics := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	body, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(body), "appstore_rate_limited_total 1") {
		t.Fatalf("expected rate limit counter in metrics output")
	}
	if !strings.Contains(string(body), `appstore_submissions_total{op="sell",status="created"} 1`) {
		t.Fatalf("expected submission counter in metrics output")
	}
}
