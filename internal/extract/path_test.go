package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestLookup(t *testing.T) {
	payload := decode(t, `{"data":{"results":[{"id":1}],"meta":{"total":42}}}`)

	node, ok := Lookup(payload, "data.results")
	assert.True(t, ok)
	assert.Len(t, node, 1)

	_, ok = Lookup(payload, "data.missing")
	assert.False(t, ok)

	_, ok = Lookup(payload, "data.meta.total.deeper")
	assert.False(t, ok, "scalar in the middle of a path")

	root, ok := Lookup(payload, "")
	assert.True(t, ok)
	assert.Equal(t, payload, root)
}

func TestItemsAt(t *testing.T) {
	payload := decode(t, `{"data":{"results":[{"id":1},{"id":2},"junk"]}}`)
	items := ItemsAt(payload, "data.results")
	assert.Len(t, items, 2, "non-object elements dropped")

	single := decode(t, `{"opportunity":{"id":"x"}}`)
	items = ItemsAt(single, "opportunity")
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0]["id"])

	assert.Nil(t, ItemsAt(payload, "data.nope"))
	assert.Nil(t, ItemsAt(decode(t, `{"n":5}`), "n"))
}

func TestIntAt(t *testing.T) {
	payload := decode(t, `{"meta":{"total":42,"as_string":"17","bad":"x"}}`)

	n, ok := IntAt(payload, "meta.total")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	n, ok = IntAt(payload, "meta.as_string")
	assert.True(t, ok)
	assert.Equal(t, 17, n)

	_, ok = IntAt(payload, "meta.bad")
	assert.False(t, ok)
	_, ok = IntAt(payload, "meta.missing")
	assert.False(t, ok)
}

func TestStringAt(t *testing.T) {
	payload := decode(t, `{"id":"ABC-1","num":123,"empty":""}`)

	s, ok := StringAt(payload, "id")
	assert.True(t, ok)
	assert.Equal(t, "ABC-1", s)

	s, ok = StringAt(payload, "num")
	assert.True(t, ok, "numeric external ids coerce")
	assert.Equal(t, "123", s)

	_, ok = StringAt(payload, "empty")
	assert.False(t, ok)
}
