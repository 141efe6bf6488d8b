package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at time.Time
	id string
}

func itemKey(i item) (time.Time, string) { return i.at, i.id }

func TestCursor_StringParse(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC), ID: "6f1c2d9e-settle"}

	got, err := Parse(c.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.ID, got.ID)
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestParse_Rejects(t *testing.T) {
	for name, token := range map[string]string{
		"not base64":   "%%%",
		"no separator": "bm9zZXA", // "nosep"
		"empty id":     "MTIzLg",  // "123."
		"bad time":     "IS5hYg",  // "!.ab"
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursor_Before(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cursor{CreatedAt: base, ID: "m"}

	assert.True(t, c.Before(base.Add(-time.Second), "z"))
	assert.False(t, c.Before(base.Add(time.Second), "a"))
	assert.True(t, c.Before(base, "a"))
	assert.False(t, c.Before(base, "m"))
	assert.False(t, c.Before(base, "z"))
}

func TestPage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{at, "d"}, {at, "c"}, {at, "b"}, {at, "a"}}

	t.Run("more available", func(t *testing.T) {
		got, next := Page(items, 3, itemKey)
		assert.Len(t, got, 3)
		require.NotEmpty(t, next)
		c, err := Parse(next)
		require.NoError(t, err)
		assert.Equal(t, "b", c.ID)
	})

	t.Run("exact fit", func(t *testing.T) {
		got, next := Page(items[:3], 3, itemKey)
		assert.Len(t, got, 3)
		assert.Empty(t, next)
	})

	t.Run("short page", func(t *testing.T) {
		got, next := Page(items[:1], 3, itemKey)
		assert.Len(t, got, 1)
		assert.Empty(t, next)
	})
}
