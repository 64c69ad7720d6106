package idgen_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/intraday-trader/internal/idgen"
)

func TestNewPrefixed(t *testing.T) {
	id := idgen.New("risk")
	assert.Regexp(t, `^risk_[0-9a-f-]{36}$`, id)
}

func TestNewUnprefixed(t *testing.T) {
	id := idgen.New("")
	assert.Regexp(t, `^[0-9a-f-]{36}$`, id)
}

func TestPlanClientIDDeterministic(t *testing.T) {
	entry := decimal.RequireFromString("100.50")
	stop := decimal.RequireFromString("99.00")
	tp := decimal.RequireFromString("105.00")
	qty := decimal.RequireFromString("50")

	a := idgen.PlanClientID("NIFTY", "LONG", entry, stop, tp, qty, "orb", "sha123")
	b := idgen.PlanClientID("NIFTY", "LONG", entry, stop, tp, qty, "orb", "sha123")

	require.Equal(t, a, b, "same plan shape must yield the same fingerprint")
	assert.Len(t, a, 24)
}

func TestPlanClientIDVariesWithInputs(t *testing.T) {
	entry := decimal.RequireFromString("100.50")
	stop := decimal.RequireFromString("99.00")
	tp := decimal.RequireFromString("105.00")
	qty := decimal.RequireFromString("50")

	base := idgen.PlanClientID("NIFTY", "LONG", entry, stop, tp, qty, "orb", "sha123")
	differentSymbol := idgen.PlanClientID("BANKNIFTY", "LONG", entry, stop, tp, qty, "orb", "sha123")
	differentConfig := idgen.PlanClientID("NIFTY", "LONG", entry, stop, tp, qty, "orb", "sha999")

	assert.NotEqual(t, base, differentSymbol)
	assert.NotEqual(t, base, differentConfig)
}

func TestOrderClientID(t *testing.T) {
	plan := "abcdef0123456789abcdef01"

	assert.Equal(t, plan+":ENTRY", idgen.OrderClientID(plan, "ENTRY"))
	assert.Equal(t, plan+":STOP:r1", idgen.OrderClientID(plan, "STOP", "r1"))
	assert.Equal(t, plan+":TP", idgen.OrderClientID(plan, "TP", ""))
}
