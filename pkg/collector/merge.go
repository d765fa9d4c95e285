package collector

import "strings"

// removeSuffix on a key requests deletion of matching items instead of a
// merge: {"items_remove": [{"name": "widgets"}]}.
const removeSuffix = "_remove"

// mergeKeys are the human keys used to match items in arrays of objects.
var mergeKeys = []string{"name", "title", "id"}

// MergeFields folds newly extracted fields into the collected data map.
//
// Rules: scalar fields overwrite; arrays of objects merge item-wise by a
// human key (matched items are field-wise merged, unmatched appended);
// plain arrays overwrite; a "<field>_remove" key drops matching items.
func MergeFields(collected, extracted map[string]interface{}) {
	for key, value := range extracted {
		if value == nil {
			continue
		}

		if strings.HasSuffix(key, removeSuffix) {
			target := strings.TrimSuffix(key, removeSuffix)
			collected[target] = removeItems(collected[target], value)
			continue
		}

		newItems, newIsObjects := asObjectArray(value)
		oldItems, oldIsObjects := asObjectArray(collected[key])
		if newIsObjects && oldIsObjects {
			collected[key] = mergeObjectArrays(oldItems, newItems)
			continue
		}

		collected[key] = value
	}
}

func asObjectArray(v interface{}) ([]map[string]interface{}, bool) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, false
	}
	out := make([]map[string]interface{}, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

func mergeObjectArrays(old, incoming []map[string]interface{}) []interface{} {
	merged := make([]map[string]interface{}, len(old))
	copy(merged, old)

	for _, item := range incoming {
		idx := findMatch(merged, item)
		if idx < 0 {
			merged = append(merged, item)
			continue
		}
		for k, v := range item {
			merged[idx][k] = v
		}
	}

	out := make([]interface{}, len(merged))
	for i, m := range merged {
		out[i] = m
	}
	return out
}

func removeItems(existing, removals interface{}) interface{} {
	items, ok := asObjectArray(existing)
	if !ok {
		return existing
	}
	toRemove, ok := asObjectArray(removals)
	if !ok {
		return existing
	}

	var kept []interface{}
	for _, item := range items {
		matched := false
		for _, rm := range toRemove {
			if sameKey(item, rm) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, item)
		}
	}
	return kept
}

func findMatch(items []map[string]interface{}, candidate map[string]interface{}) int {
	for i, item := range items {
		if sameKey(item, candidate) {
			return i
		}
	}
	return -1
}

// sameKey compares two objects on the first human key both carry.
func sameKey(a, b map[string]interface{}) bool {
	for _, key := range mergeKeys {
		av, aok := a[key].(string)
		bv, bok := b[key].(string)
		if aok && bok {
			return strings.EqualFold(strings.TrimSpace(av), strings.TrimSpace(bv))
		}
	}
	return false
}
