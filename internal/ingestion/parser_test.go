package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpBook/internal/book"
	"PerpBook/internal/engine"
	"PerpBook/internal/ingestion"
)

const prefix = "book"

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawTx {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawTx{
		Subject:  prefix + "." + subject,
		Data:     data,
		Received: time.Now(),
		AckFunc:  func() {},
		NakFunc:  func() {},
	}
}

func TestParsePlaceOrder(t *testing.T) {
	payload := map[string]interface{}{
		"order": map[string]interface{}{
			"market":      "ETH-PERP",
			"trader":      "alice",
			"size":        int64(100_000_000_000_000_000), // 0.1
			"price":       int64(1_800_000_000),
			"salt":        uint64(7),
			"reduce_only": false,
			"post_only":   true,
		},
		"block": uint64(12),
	}

	raw := rawFromJSON(t, "orders.place", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := tx.(*engine.PlaceOrder)
	if !ok {
		t.Fatalf("expected *engine.PlaceOrder, got %T", tx)
	}
	if po.Order.Market != "ETH-PERP" {
		t.Errorf("market: got %s, want ETH-PERP", po.Order.Market)
	}
	if po.Order.Trader != "alice" {
		t.Errorf("trader: got %s, want alice", po.Order.Trader)
	}
	if po.Order.Size != 100_000_000_000_000_000 {
		t.Errorf("size: got %d", po.Order.Size)
	}
	if po.Order.Price != 1_800_000_000 {
		t.Errorf("price: got %d", po.Order.Price)
	}
	if !po.Order.PostOnly {
		t.Error("post_only not carried")
	}
	if po.Order.Kind != book.KindLimit {
		t.Errorf("kind: got %v, want KindLimit", po.Order.Kind)
	}
	if po.Block != 12 {
		t.Errorf("block: got %d, want 12", po.Block)
	}
	if po.TxType() != "place_order" {
		t.Errorf("tx type: got %s", po.TxType())
	}
}

func TestParsePlaceIOC(t *testing.T) {
	payload := map[string]interface{}{
		"order": map[string]interface{}{
			"market":    "ETH-PERP",
			"trader":    "bob",
			"size":      int64(-1_000_000_000_000_000_000),
			"price":     int64(1_790_000_000),
			"salt":      uint64(1),
			"expire_at": int64(1_700_000_100),
		},
		"timestamp": int64(1_700_000_000),
		"block":     uint64(3),
	}

	raw := rawFromJSON(t, "orders.place_ioc", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ioc, ok := tx.(*engine.PlaceIOCOrder)
	if !ok {
		t.Fatalf("expected *engine.PlaceIOCOrder, got %T", tx)
	}
	if ioc.Order.Kind != book.KindIOC {
		t.Errorf("kind: got %v, want KindIOC", ioc.Order.Kind)
	}
	if ioc.Order.ExpireAt != 1_700_000_100 {
		t.Errorf("expire_at: got %d", ioc.Order.ExpireAt)
	}
	if ioc.Timestamp != 1_700_000_000 {
		t.Errorf("timestamp: got %d", ioc.Timestamp)
	}
}

func TestParseCancelOrder(t *testing.T) {
	order := book.Order{Market: "ETH-PERP", Trader: "alice", Size: 1, Price: 1, Salt: 9}
	hash := order.Hash()

	payload := map[string]interface{}{
		"order_hash": hash.Hex(),
		"canceller":  "alice",
		"block":      uint64(20),
	}

	raw := rawFromJSON(t, "orders.cancel", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	co, ok := tx.(*engine.CancelOrder)
	if !ok {
		t.Fatalf("expected *engine.CancelOrder, got %T", tx)
	}
	if co.Hash != hash {
		t.Errorf("hash round-trip mismatch: got %s, want %s", co.Hash.Hex(), hash.Hex())
	}
	if co.Canceller != "alice" {
		t.Errorf("canceller: got %s", co.Canceller)
	}
}

func TestParseCancelOrder_BadHash(t *testing.T) {
	payload := map[string]interface{}{
		"order_hash": "zzzz",
		"canceller":  "alice",
		"block":      uint64(1),
	}
	raw := rawFromJSON(t, "orders.cancel", payload)
	if _, err := ingestion.ParseRawTx(raw, prefix); err == nil {
		t.Fatal("expected error for malformed order hash")
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"ref":    "xfer-001",
		"trader": "carol",
		"asset":  "USDC",
		"amount": int64(500_000_000),
		"block":  uint64(5),
	}

	raw := rawFromJSON(t, "collateral.deposit", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := tx.(*engine.Deposit)
	if !ok {
		t.Fatalf("expected *engine.Deposit, got %T", tx)
	}
	if dep.Amount != 500_000_000 {
		t.Errorf("amount: got %d", dep.Amount)
	}
	if dep.TxRef() != "deposit:xfer-001" {
		t.Errorf("tx ref: got %s", dep.TxRef())
	}
}

func TestParseOraclePrice(t *testing.T) {
	payload := map[string]interface{}{
		"underlying": "ETH",
		"price":      int64(1_805_000_000),
		"block":      uint64(8),
	}

	raw := rawFromJSON(t, "oracle.price", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	up, ok := tx.(*engine.UpdateOracle)
	if !ok {
		t.Fatalf("expected *engine.UpdateOracle, got %T", tx)
	}
	if up.Underlying != "ETH" || up.Price != 1_805_000_000 {
		t.Errorf("got %s @ %d", up.Underlying, up.Price)
	}
}

func TestParseClockSubjects(t *testing.T) {
	cases := []struct {
		suffix string
		txType string
	}{
		{"clock.funding", "funding_tick"},
		{"clock.settle", "settlement_pass"},
		{"clock.liquidate", "liquidation_scan"},
	}
	for _, tc := range cases {
		raw := rawFromJSON(t, tc.suffix, map[string]interface{}{
			"timestamp": int64(1_700_000_000),
			"block":     uint64(9),
		})
		tx, err := ingestion.ParseRawTx(raw, prefix)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.suffix, err)
		}
		if tx.TxType() != tc.txType {
			t.Errorf("%s: tx type got %s, want %s", tc.suffix, tx.TxType(), tc.txType)
		}
		if tx.BlockNumber() != 9 {
			t.Errorf("%s: block got %d", tc.suffix, tx.BlockNumber())
		}
	}
}

func TestParseAddMarket(t *testing.T) {
	payload := map[string]interface{}{
		"authority": "governance",
		"market": map[string]interface{}{
			"id":                      "ETH-PERP",
			"underlying_asset":        "ETH",
			"max_oracle_spread_ratio": int64(200_000),
			"min_size_requirement":    int64(10_000_000_000_000_000),
			"max_liquidation_ratio":   int64(250_000),
		},
		"block": uint64(1),
	}

	raw := rawFromJSON(t, "admin.market", payload)
	tx, err := ingestion.ParseRawTx(raw, prefix)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	am, ok := tx.(*engine.AddMarket)
	if !ok {
		t.Fatalf("expected *engine.AddMarket, got %T", tx)
	}
	if am.Market.ID != "ETH-PERP" || am.Market.UnderlyingAsset != "ETH" {
		t.Errorf("market fields not carried: %+v", am.Market)
	}
	if am.Authority != "governance" {
		t.Errorf("authority: got %s", am.Authority)
	}
}

func TestParseUnknownSubject_Fails(t *testing.T) {
	raw := ingestion.RawTx{Subject: "book.orders.nope", Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawTx(raw, prefix); err == nil {
		t.Fatal("expected error for unknown subject")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawTx{Subject: "book.orders.place", Data: []byte(`{invalid`)}
	if _, err := ingestion.ParseRawTx(raw, prefix); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// Every tx type the engine logs must map back to a parseable subject, or
// replay from the tx log cannot reconstruct state.
func TestSubjectForTxType_CoversAllTypes(t *testing.T) {
	types := []string{
		"place_order", "place_orders", "place_ioc_order",
		"cancel_order", "cancel_orders", "approve_delegate",
		"deposit", "withdraw", "update_oracle",
		"funding_tick", "settlement_pass", "liquidation_scan",
		"set_params", "add_market",
	}
	for _, txType := range types {
		suffix, ok := ingestion.SubjectForTxType(txType)
		if !ok {
			t.Errorf("%s: no subject mapping", txType)
			continue
		}
		raw := ingestion.RawTx{Subject: prefix + "." + suffix, Data: []byte(`{}`)}
		if _, err := ingestion.ParseRawTx(raw, prefix); err != nil {
			// Empty payloads parse for every shape except cancels, which
			// validate the order hash.
			if txType != "cancel_order" && txType != "cancel_orders" {
				t.Errorf("%s -> %s: parse failed: %v", txType, suffix, err)
			}
		}
	}
}
