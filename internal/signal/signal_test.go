package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesMetadata(t *testing.T) {
	meta := map[string]string{"price": "100"}
	s := New(" macd ", "btcusdt", DirectionLong, 0.7, time.Unix(10, 0), meta)
	meta["price"] = "1"

	assert.Equal(t, "macd", s.StrategyID)
	assert.Equal(t, "BTCUSDT", s.Symbol)
	assert.Equal(t, "100", s.Meta(MetaPrice))
}

func TestWithMetadataLeavesOriginalUntouched(t *testing.T) {
	s := New("macd", "BTCUSDT", DirectionLong, 1, time.Time{}, nil)
	scaled := s.WithMetadata(MetaSizeScale, "0.5")

	assert.Equal(t, "", s.Meta(MetaSizeScale))
	assert.Equal(t, "0.5", scaled.Meta(MetaSizeScale))

	closing := scaled.WithDirection(DirectionFlat)
	assert.Equal(t, DirectionLong, scaled.Direction)
	assert.Equal(t, DirectionFlat, closing.Direction)
	assert.False(t, closing.Opens())
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"long": DirectionLong, "BUY": DirectionLong,
		"short": DirectionShort, "sell": DirectionShort,
		"flat": DirectionFlat, "close": DirectionFlat,
	}
	for raw, want := range cases {
		got, err := ParseDirection(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("macd", "BTCUSDT", DirectionShort, 0, time.Time{}, nil).Validate())
	assert.ErrorIs(t, New("", "BTCUSDT", DirectionShort, 0, time.Time{}, nil).Validate(), ErrInvalidSignal)
	assert.ErrorIs(t, New("macd", "", DirectionShort, 0, time.Time{}, nil).Validate(), ErrInvalidSignal)
}

func TestDecisionHelpers(t *testing.T) {
	s := New("macd", "BTCUSDT", DirectionLong, 1, time.Time{}, nil)
	assert.True(t, Accept(s).Approved())
	assert.True(t, Transform(s).Approved())

	r := Reject(ReasonCooldown, "wait %s", time.Second)
	assert.True(t, r.Rejected())
	assert.False(t, r.Approved())
	assert.Equal(t, "wait 1s", r.Detail)
	r.Stage = "cooldown"
	assert.Contains(t, r.String(), "reject[cooldown] cooldown")
}
