package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		a       Money
		b       Money
		want    Money
		wantErr bool
	}{
		{
			name: "same currency",
			a:    New(1050, EUR),
			b:    New(450, EUR),
			want: New(1500, EUR),
		},
		{
			name: "zero amount",
			a:    New(1050, EUR),
			b:    Zero(EUR),
			want: New(1050, EUR),
		},
		{
			name: "negative result",
			a:    New(100, GBP),
			b:    New(-250, GBP),
			want: New(-150, GBP),
		},
		{
			name:    "currency mismatch",
			a:       New(100, EUR),
			b:       New(100, USD),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Add(tt.b)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestSub(t *testing.T) {
	got, err := New(5000, EUR).Sub(New(4999, EUR))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AmountMinor)
	assert.False(t, got.IsZero())

	_, err = New(5000, EUR).Sub(New(1, JPY))
	require.Error(t, err)
}

func TestMustSubPanicsOnMismatch(t *testing.T) {
	assert.Panics(t, func() {
		New(100, EUR).MustSub(New(100, USD))
	})
}

func TestPredicates(t *testing.T) {
	assert.True(t, Zero(EUR).IsZero())
	assert.True(t, New(1, EUR).IsPositive())
	assert.True(t, New(-1, EUR).IsNegative())
	assert.False(t, New(1, EUR).IsZero())
}

func TestEqual(t *testing.T) {
	assert.True(t, New(100, EUR).Equal(New(100, EUR)))
	assert.False(t, New(100, EUR).Equal(New(100, USD)))
	assert.False(t, New(100, EUR).Equal(New(101, EUR)))
}

func TestCompare(t *testing.T) {
	c, err := New(100, EUR).Compare(New(200, EUR))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = New(200, EUR).Compare(New(200, EUR))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	_, err = New(100, EUR).Compare(New(100, GBP))
	require.Error(t, err)
}

func TestToMajor(t *testing.T) {
	assert.Equal(t, 10.50, New(1050, EUR).ToMajor())

	// JPY has no minor unit.
	assert.Equal(t, 1050.0, New(1050, JPY).ToMajor())
}

func TestString(t *testing.T) {
	assert.Equal(t, "10.50 EUR", New(1050, EUR).String())
	assert.Equal(t, "1050 JPY", New(1050, JPY).String())
}
