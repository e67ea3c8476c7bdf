package liquidity

import (
	"math/big"
	"testing"
)

func TestConstantProductPoolRoundTrip(t *testing.T) {
	pool := NewConstantProductPool(newMockState())

	units, err := pool.Deposit(big.NewInt(4_000), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// sqrt(4000*1000) = 2000
	if units.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("first mint: got %s, want 2000", units)
	}

	more, err := pool.Deposit(big.NewInt(2_000), big.NewInt(500))
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if more.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("proportional mint: got %s, want 1000", more)
	}

	assetOut, settlementOut, err := pool.Withdraw(big.NewInt(3_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if assetOut.Cmp(big.NewInt(6_000)) != 0 || settlementOut.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("withdraw: got %s/%s, want 6000/1500", assetOut, settlementOut)
	}

	assetReserve, settlementReserve, err := pool.Reserves()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if assetReserve.Sign() != 0 || settlementReserve.Sign() != 0 {
		t.Fatalf("reserves must drain to zero, got %s/%s", assetReserve, settlementReserve)
	}
}

func TestConstantProductPoolQuotesMatchMutations(t *testing.T) {
	pool := NewConstantProductPool(newMockState())

	quoted, err := pool.QuoteDeposit(big.NewInt(4_000), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("quote deposit: %v", err)
	}
	assetReserve, settlementReserve, err := pool.Reserves()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if assetReserve.Sign() != 0 || settlementReserve.Sign() != 0 {
		t.Fatalf("quoting must not move funds, got %s/%s", assetReserve, settlementReserve)
	}
	units, err := pool.Deposit(big.NewInt(4_000), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if quoted.Cmp(units) != 0 {
		t.Fatalf("quote diverged from mint: %s vs %s", quoted, units)
	}

	quotedAsset, quotedSettlement, err := pool.QuoteWithdraw(units)
	if err != nil {
		t.Fatalf("quote withdraw: %v", err)
	}
	assetOut, settlementOut, err := pool.Withdraw(units)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if quotedAsset.Cmp(assetOut) != 0 || quotedSettlement.Cmp(settlementOut) != 0 {
		t.Fatalf("quote diverged from withdraw: %s/%s vs %s/%s", quotedAsset, quotedSettlement, assetOut, settlementOut)
	}
}

func TestConstantProductPoolRejectsOverdraw(t *testing.T) {
	pool := NewConstantProductPool(newMockState())
	if _, err := pool.Deposit(big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := pool.Withdraw(big.NewInt(500)); err == nil {
		t.Fatalf("expected overdraw rejection")
	}
}
