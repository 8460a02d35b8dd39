package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT":      "BTCUSDT",
		" btcusdt ":     "BTCUSDT",
		"ETH/USDT:USDT": "ETHUSDT",
		"sol_usdc":      "SOLUSDC",
		"XYZABC":        "XYZABC",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestParse(t *testing.T) {
	s := Parse("ethbtc")
	assert.Equal(t, Symbol{Base: "ETH", Quote: "BTC"}, s)
	assert.Equal(t, "ETH/BTC", s.Pair())
	assert.True(t, IsValid("BNB/FDUSD"))
	assert.False(t, IsValid("USDT"))
}

func TestNormalizeListDedupes(t *testing.T) {
	got := NormalizeList([]string{"BTC/USDT", "btcusdt", "ETHUSDT", " "})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
	assert.Equal(t, "btcusdt", Stream("BTC/USDT"))
}
