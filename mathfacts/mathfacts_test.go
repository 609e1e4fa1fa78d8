package mathfacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPopulatesAllGrades(t *testing.T) {
	require.NoError(t, Load())
	for _, g := range []int{0, 1, 2, 3, 4, 5} {
		facts := FactsFor(g, "ALL")
		assert.NotEmptyf(t, facts, "grade %d should have facts", g)
	}
}

func TestFactsForEmptyTrackIsAll(t *testing.T) {
	require.NoError(t, Load())
	assert.Equal(t, FactsFor(3, "ALL"), FactsFor(3, ""))
}

func TestFactsForUnknownTrackIsEmpty(t *testing.T) {
	require.NoError(t, Load())
	assert.Empty(t, FactsFor(3, "NOT_A_TRACK"))
}

func TestCommutativeKeyIsOrderIndependent(t *testing.T) {
	a := Fact{Op: Add, A: 3, B: 7}
	b := Fact{Op: Add, A: 7, B: 3}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "3+7", a.Key())
}

func TestNonCommutativeKeyPreservesOrder(t *testing.T) {
	a := Fact{Op: Sub, A: 9, B: 4}
	b := Fact{Op: Sub, A: 4, B: 9}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, "9-4", a.Key())
	assert.Equal(t, "4-9", b.Key())
}

func TestDivisionFactsAreExact(t *testing.T) {
	require.NoError(t, Load())
	for _, f := range FactsFor(3, "DIV_TABLES") {
		require.NotZero(t, f.B)
		assert.Equal(t, 0, f.A%f.B, "division facts must not leave a remainder: %+v", f)
	}
}

func TestAnswerComputesEachOperation(t *testing.T) {
	assert.Equal(t, 10, Fact{Op: Add, A: 4, B: 6}.Answer())
	assert.Equal(t, 2, Fact{Op: Sub, A: 9, B: 7}.Answer())
	assert.Equal(t, 42, Fact{Op: Mul, A: 6, B: 7}.Answer())
	assert.Equal(t, 3, Fact{Op: Div, A: 12, B: 4}.Answer())
}

func TestSkipCountUsesFixedFactors(t *testing.T) {
	require.NoError(t, Load())
	for _, f := range FactsFor(2, "SKIP_COUNT") {
		assert.Contains(t, []int{2, 5, 10}, f.A)
	}
}
