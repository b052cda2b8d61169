package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpBook/internal/book"
	"PerpBook/internal/engine"
	"PerpBook/internal/fastquery"
	"PerpBook/internal/httpapi"
	"PerpBook/internal/ledger"
	"PerpBook/internal/market"
	"PerpBook/internal/observability"
)

const (
	governance = ledger.Address("0xgov")
	alice      = ledger.Address("0xalice")
	bob        = ledger.Address("0xbob")

	ethPerp = "ETH-PERP"
	size01  = int64(100_000_000_000_000_000)
	px1800  = int64(1_800_000_000)
)

type fixture struct {
	eng    *engine.Engine
	health *observability.HealthChecker
	ts     *httptest.Server
}

// newFixture serves the API over an engine holding one traded market: alice
// long 0.1 against bob at 1800, plus one resting short from bob.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := engine.New(engine.Config{Governance: governance, Logger: zerolog.Nop()})

	apply := func(tx engine.Tx) {
		t.Helper()
		_, err := eng.Apply(tx)
		require.NoError(t, err)
	}
	apply(&engine.AddMarket{Authority: governance, Market: market.Market{
		ID:                   ethPerp,
		UnderlyingAsset:      "ETH",
		MaxOracleSpreadRatio: 100_000,
		MinSizeRequirement:   10_000_000_000_000_000,
		MaxLiquidationRatio:  250_000,
	}, Block: 1})
	apply(&engine.UpdateOracle{Underlying: "ETH", Price: px1800, Block: 1})
	apply(&engine.Deposit{Ref: "d1", Trader: alice, Asset: "USDC", Amount: 1_000_000_000, Block: 2})
	apply(&engine.Deposit{Ref: "d2", Trader: bob, Asset: "USDC", Amount: 1_000_000_000, Block: 2})
	apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: bob, Size: -size01, Price: px1800, Salt: 1, Kind: book.KindLimit,
	}, Block: 3})
	apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: alice, Size: size01, Price: px1800, Salt: 2, Kind: book.KindLimit,
	}, Block: 4})
	apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: bob, Size: -size01, Price: 1_900_000_000, Salt: 3, Kind: book.KindLimit,
	}, Block: 5})

	health := observability.NewHealthChecker()
	queries := fastquery.NewService(eng, zerolog.Nop())
	server := httpapi.NewServer(":0", queries, eng, health, nil, zerolog.Nop())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{eng: eng, health: health, ts: ts}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func getJSON(t *testing.T, ts *httptest.Server, path string, wantStatus int) envelope {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, "GET %s", path)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestHealthEndpoints(t *testing.T) {
	fix := newFixture(t)

	resp, err := http.Get(fix.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fix.ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	fix.health.SetReady(true)
	resp, err = http.Get(fix.ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetMarkets(t *testing.T) {
	fix := newFixture(t)

	env := getJSON(t, fix.ts, "/v1/markets", http.StatusOK)
	require.True(t, env.Success)

	var markets []fastquery.MarketDepth
	require.NoError(t, json.Unmarshal(env.Data, &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, ethPerp, markets[0].Market)
	assert.Equal(t, px1800, markets[0].LastPrice)
	assert.Equal(t, 1, markets[0].ShortOrders)
}

func TestGetMargin(t *testing.T) {
	fix := newFixture(t)

	env := getJSON(t, fix.ts, "/v1/margin/0xalice", http.StatusOK)
	require.True(t, env.Success)

	var summary fastquery.MarginSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, "0xalice", summary.Trader)
	assert.Equal(t, int64(999_100_000), summary.TotalDeposited)
	assert.Equal(t, int64(180_000_000), summary.TotalNotional)
}

func TestGetPositions(t *testing.T) {
	fix := newFixture(t)

	env := getJSON(t, fix.ts, "/v1/positions/0xalice", http.StatusOK)
	require.True(t, env.Success)

	var positions []fastquery.PositionDetail
	require.NoError(t, json.Unmarshal(env.Data, &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, size01, positions[0].Size)

	// Unknown traders get an empty list, not an error.
	env = getJSON(t, fix.ts, "/v1/positions/0xnobody", http.StatusOK)
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, &positions))
	assert.Empty(t, positions)
}

func TestGetOrder(t *testing.T) {
	fix := newFixture(t)

	resting := book.Order{Market: ethPerp, Trader: bob, Size: -size01, Price: 1_900_000_000, Salt: 3, Kind: book.KindLimit}
	env := getJSON(t, fix.ts, "/v1/orders/"+resting.Hash().Hex(), http.StatusOK)
	require.True(t, env.Success)

	var entry fastquery.OrderEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, "unfilled", entry.Status)
	assert.Equal(t, string(bob), entry.Trader)

	env = getJSON(t, fix.ts, "/v1/orders/deadbeef", http.StatusNotFound)
	require.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestGetSnapshot(t *testing.T) {
	fix := newFixture(t)

	env := getJSON(t, fix.ts, "/v1/snapshot", http.StatusOK)
	require.True(t, env.Success)

	var snap fastquery.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Len(t, snap.OrderMap, 1)
	assert.Contains(t, snap.TraderMap, "0xalice")
	assert.Contains(t, snap.TraderMap, "0xbob")
}

func postAdminTx(t *testing.T, ts *httptest.Server, body string) (*http.Response, envelope) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/admin/tx", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestAdminTx(t *testing.T) {
	fix := newFixture(t)

	resp, env := postAdminTx(t, fix.ts, `{
		"subject": "book.collateral.deposit",
		"payload": {"ref":"ops-1","trader":"0xcarol","asset":"USDC","amount":5000000,"block":6}
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	summary := getJSON(t, fix.ts, "/v1/margin/0xcarol", http.StatusOK)
	var carol fastquery.MarginSummary
	require.NoError(t, json.Unmarshal(summary.Data, &carol))
	assert.Equal(t, int64(5_000_000), carol.TotalDeposited)
}

func TestAdminTx_Rejections(t *testing.T) {
	fix := newFixture(t)

	// Missing payload fails binding.
	resp, env := postAdminTx(t, fix.ts, `{"subject": "book.collateral.deposit"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", env.Error.Code)

	// Unknown subject fails parsing.
	resp, env = postAdminTx(t, fix.ts, `{"subject": "book.nope", "payload": {}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	// A well-formed tx the engine rejects surfaces as 422.
	resp, env = postAdminTx(t, fix.ts, `{
		"subject": "book.collateral.withdraw",
		"payload": {"ref":"ops-2","trader":"0xnobody","asset":"USDC","amount":1000,"block":6}
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "REJECTED", env.Error.Code)
}
