package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// encodeParams flattens RPC parameters into a query string. Booleans become
// "true"/"false", maps and slices become compact JSON, everything else its
// string form.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, encodeValue(v))
	}
	return q.Encode()
}

func encodeValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case nil:
		return "null"
	case map[string]any, []any, []int, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
