package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNative(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"0.000000000000000001", "1"},
		{"2.25", "2250000000000000000"},
		{".5", "500000000000000000"},
		{"1000000", "1000000000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseNative(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.String(), tc.in)
	}
}

func TestParseNativeRejects(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.", "1.1234567890123456789", "abc", "1,5"} {
		_, err := ParseNative(in)
		assert.Error(t, err, in)
	}
}

func TestFormatNative(t *testing.T) {
	cases := []struct {
		wei  string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"500000000000000000", "0.5"},
		{"1", "0.000000000000000001"},
		{"2250000000000000000", "2.25"},
	}
	for _, tc := range cases {
		wei, ok := new(big.Int).SetString(tc.wei, 10)
		require.True(t, ok)
		assert.Equal(t, tc.want, FormatNative(wei), tc.wei)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1", "1", "123.456", "0.000000000000000042"} {
		wei, err := ParseNative(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatNative(wei), s)
	}
}

func TestParseGwei(t *testing.T) {
	got, err := ParseGwei("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000", got.String())

	got, err = ParseGwei("30")
	require.NoError(t, err)
	assert.Equal(t, "30000000000", got.String())

	_, err = ParseGwei("1.1234567891")
	assert.Error(t, err)
}

func TestFormatGwei(t *testing.T) {
	assert.Equal(t, "1.5", FormatGwei(big.NewInt(1_500_000_000)))
	assert.Equal(t, "0", FormatGwei(nil))
	assert.Equal(t, "30", FormatGwei(GweiToWei(30)))
}
