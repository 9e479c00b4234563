package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDenseColumn(t *testing.T) {
	column := []interface{}{10.0, 20.0, 30.0}
	runs := Compress(column)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].Offset)
	assert.Equal(t, []interface{}{10.0, 20.0, 30.0}, runs[0].Values)
}

func TestCompressCarriesShortGaps(t *testing.T) {
	// Gaps of up to two nulls sit inside a run; the three-null stretch
	// splits it.
	column := []interface{}{
		"a", nil, nil, "b", // distance 3: same run
		nil, nil, nil,
		"c", // distance 4: new run
	}
	runs := Compress(column)
	require.Len(t, runs, 2)

	assert.Equal(t, 0, runs[0].Offset)
	assert.Equal(t, []interface{}{"a", nil, nil, "b"}, runs[0].Values)
	assert.Equal(t, 7, runs[1].Offset)
	assert.Equal(t, []interface{}{"c"}, runs[1].Values)
}

func TestCompressLeadingNulls(t *testing.T) {
	column := []interface{}{nil, nil, 5.0}
	runs := Compress(column)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Offset)
	assert.Equal(t, []interface{}{5.0}, runs[0].Values)
}

func TestCompressAllNull(t *testing.T) {
	assert.Empty(t, Compress([]interface{}{nil, nil, nil}))
	assert.Empty(t, Compress(nil))
}

func TestEncodeUsesDictionaryForRepetitiveColumn(t *testing.T) {
	// Two long values repeated over many cells: indexing clearly pays.
	column := make([]interface{}, 40)
	for i := range column {
		if i%2 == 0 {
			column[i] = "aaaaaaaaaaaaaaaa"
		} else {
			column[i] = "bbbbbbbbbbbbbbbb"
		}
	}

	runs, dict := Encode(column)
	require.NotNil(t, dict)
	assert.Equal(t, []interface{}{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}, dict)

	require.Len(t, runs, 1)
	assert.Equal(t, float64(0), runs[0].Values[0])
	assert.Equal(t, float64(1), runs[0].Values[1])

	restored, err := Decompress(runs, dict, len(column))
	require.NoError(t, err)
	assert.Equal(t, column, restored)
}

func TestEncodeSkipsDictionaryForDistinctValues(t *testing.T) {
	column := []interface{}{1.0, 2.0, 3.0, 4.0}
	runs, dict := Encode(column)
	assert.Nil(t, dict, "all-distinct column gains nothing from indexing")

	restored, err := Decompress(runs, nil, len(column))
	require.NoError(t, err)
	assert.Equal(t, column, restored)
}

func TestEncodeSkipsDictionaryWhenIndexCostsMore(t *testing.T) {
	// Unique count passes the half-length test, but single-digit raw
	// values are already smaller than dictionary indices plus keys.
	column := []interface{}{1.0, 1.0, 2.0, 2.0, 1.0, 2.0, 1.0, 1.0}
	_, dict := Encode(column)
	assert.Nil(t, dict)
}

func TestDictionaryOrder(t *testing.T) {
	long := strings.Repeat("x", 8)
	column := make([]interface{}, 0, 48)
	for i := 0; i < 12; i++ {
		column = append(column, long, true, 2222222.0, long+"y")
	}

	_, dict := Encode(column)
	require.NotNil(t, dict)
	// Type name first (boolean < number < string), then natural order.
	assert.Equal(t, []interface{}{true, 2222222.0, long, long + "y"}, dict)
}

func TestRoundTripSparseColumn(t *testing.T) {
	column := []interface{}{
		nil, "v", nil, nil, "v", nil, nil, nil, nil,
		"w", "v", nil, "v", nil, nil, nil, "w", nil,
	}
	runs, dict := Encode(column)
	restored, err := Decompress(runs, dict, len(column))
	require.NoError(t, err)
	assert.Equal(t, column, restored)
}

func TestDecompressBoundsChecks(t *testing.T) {
	_, err := Decompress([]Run{{Offset: 5, Values: []interface{}{1.0}}}, nil, 3)
	assert.Error(t, err, "run outside the column")

	_, err = Decompress([]Run{{Offset: 0, Values: []interface{}{9.0}}}, []interface{}{"only"}, 1)
	assert.Error(t, err, "index outside the dictionary")

	_, err = Decompress([]Run{{Offset: 0, Values: []interface{}{"x"}}}, []interface{}{"only"}, 1)
	assert.Error(t, err, "non-numeric dictionary cell")
}

func TestLessIsTotalOrder(t *testing.T) {
	values := []interface{}{"b", 2.0, false, "a", true, 1.0}
	SortValues(values)
	assert.Equal(t, []interface{}{false, true, 1.0, 2.0, "a", "b"}, values)
}
