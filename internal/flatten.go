package internal

import "fmt"

// Flatten turns a decoded JSON payload into a single-level map usable as
// govaluate parameters. Nested keys are joined with ".", so
// {"repository": {"private": true}} yields "repository.private". Arrays are
// kept whole under their own key and under "key[]", each element is indexed as
// "key[i]", and "key.length" holds the element count.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		out[path+".length"] = float64(len(typed))
		for i, child := range typed {
			flattenInto(out, fmt.Sprintf("%s[%d]", path, i), child)
		}
	default:
		out[path] = value
	}
}
