package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeFields_ScalarOverwrite(t *testing.T) {
	collected := map[string]interface{}{"quantity": float64(2), "color": "red"}
	MergeFields(collected, map[string]interface{}{"quantity": float64(5)})

	assert.Equal(t, float64(5), collected["quantity"])
	assert.Equal(t, "red", collected["color"])
}

func TestMergeFields_NilValuesIgnored(t *testing.T) {
	collected := map[string]interface{}{"color": "red"}
	MergeFields(collected, map[string]interface{}{"color": nil})

	assert.Equal(t, "red", collected["color"])
}

func TestMergeFields_ObjectArrayMergeByName(t *testing.T) {
	collected := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"name": "widgets", "quantity": float64(2)},
		},
	}
	MergeFields(collected, map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"name": "Widgets", "quantity": float64(3)},
			map[string]interface{}{"name": "bolts", "quantity": float64(1)},
		},
	})

	items, ok := collected["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]interface{})
	assert.Equal(t, "widgets", first["name"])
	assert.Equal(t, float64(3), first["quantity"])

	second := items[1].(map[string]interface{})
	assert.Equal(t, "bolts", second["name"])
}

func TestMergeFields_RemoveItems(t *testing.T) {
	collected := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"name": "widgets"},
			map[string]interface{}{"name": "bolts"},
		},
	}
	MergeFields(collected, map[string]interface{}{
		"items_remove": []interface{}{
			map[string]interface{}{"name": "widgets"},
		},
	})

	items, ok := collected["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "bolts", items[0].(map[string]interface{})["name"])
}

func TestMergeFields_PlainArrayOverwrites(t *testing.T) {
	collected := map[string]interface{}{
		"tags": []interface{}{"a", "b"},
	}
	MergeFields(collected, map[string]interface{}{
		"tags": []interface{}{"c"},
	})

	tags, ok := collected["tags"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"c"}, tags)
}

func TestMergeFields_MergeByTitleAndID(t *testing.T) {
	collected := map[string]interface{}{
		"docs": []interface{}{
			map[string]interface{}{"title": "intro", "pages": float64(3)},
		},
	}
	MergeFields(collected, map[string]interface{}{
		"docs": []interface{}{
			map[string]interface{}{"title": "intro", "pages": float64(7)},
		},
	})

	docs := collected["docs"].([]interface{})
	require.Len(t, docs, 1)
	assert.Equal(t, float64(7), docs[0].(map[string]interface{})["pages"])
}
