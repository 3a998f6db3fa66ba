package decay

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegimeDecayHalfLifeTable(t *testing.T) {
	tests := []struct {
		regime   string
		halfLife float64
	}{
		{"risk_on", 120},
		{"risk_off", 40},
		{"transition", 20},
		{"shock", 10},
		{"unknown", 60},
	}

	for _, tt := range tests {
		t.Run(tt.regime, func(t *testing.T) {
			got := RegimeDecay(tt.halfLife, tt.regime, nil)
			want := math.Exp(-1)
			assert.InDelta(t, want, got, 1e-9)
		})
	}
}

func TestRegimeDecayZeroAgeIsOne(t *testing.T) {
	assert.Equal(t, 1.0, RegimeDecay(0, "risk_on", nil))
}

func TestRegimeDecayUnknownRegimeFallsBack(t *testing.T) {
	got := RegimeDecay(60, "lunar_cycle", nil)
	assert.InDelta(t, math.Exp(-1), got, 1e-9)
}

func TestRegimeDecayFlooredAtMinFloor(t *testing.T) {
	got := RegimeDecay(1e6, "shock", nil)
	assert.Equal(t, MinFloor, got)
}

func TestModelUntrackedAgentIsOne(t *testing.T) {
	m := NewModel()
	assert.Equal(t, 1.0, m.Value("ghost"))
}

func TestModelNegativeRewardsErode(t *testing.T) {
	m := NewModel()
	for i := 0; i < 5; i++ {
		m.Update("laggard", -1, 0)
	}
	v := m.Value("laggard")
	assert.Less(t, v, 1.0)
	assert.GreaterOrEqual(t, v, MinFloor)
}

func TestModelUncertaintyAcceleratesErosion(t *testing.T) {
	calm := NewModel()
	stressed := NewModel()
	for i := 0; i < 5; i++ {
		calm.Update("a", -1, 0)
		stressed.Update("a", -1, 1)
	}
	assert.Less(t, stressed.Value("a"), calm.Value("a"))
}

func TestModelPositiveRewardsRestore(t *testing.T) {
	m := NewModel()
	for i := 0; i < 20; i++ {
		m.Update("a", -1, 0.8)
	}
	eroded := m.Value("a")

	for i := 0; i < 30; i++ {
		m.Update("a", 1, 0)
	}
	assert.Greater(t, m.Value("a"), eroded)
}

func TestModelNeverLeavesBounds(t *testing.T) {
	m := NewModel()
	for i := 0; i < 200; i++ {
		m.Update("a", -5, 1)
	}
	assert.Equal(t, MinFloor, m.Value("a"))

	for i := 0; i < 500; i++ {
		m.Update("a", 5, 0)
	}
	assert.Equal(t, 1.0, m.Value("a"))
}

func TestCombinedIsProductBounded(t *testing.T) {
	m := NewModel()
	for i := 0; i < 10; i++ {
		m.Update("a", -1, 0.5)
	}

	combined := m.Combined("a", 40, "risk_off", nil)
	regime := RegimeDecay(40, "risk_off", nil)
	reward := m.Value("a")

	expected := regime * reward
	if expected < MinFloor {
		expected = MinFloor
	}
	assert.InDelta(t, expected, combined, 1e-9)
	assert.GreaterOrEqual(t, combined, MinFloor)
	assert.LessOrEqual(t, combined, 1.0)
}

func TestModelReset(t *testing.T) {
	m := NewModel()
	m.Update("a", -1, 1)
	m.Reset("a")
	assert.Equal(t, 1.0, m.Value("a"))
}
