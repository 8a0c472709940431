package cache

import "encoding/json"

// fallbackSizeEstimate is used when a value cannot be sized. The JSON-length
// heuristic carries no documented error bound, so the fallback is a
// conservative fixed estimate rather than a guess at precision.
const fallbackSizeEstimate = 512

// estimateSize approximates the in-memory footprint of a value by JSON
// encoding it. Estimation must never fail: encoding errors and panics
// (channels, cyclic values, misbehaving MarshalJSON) fall back to a fixed
// estimate.
func estimateSize(v any) (size int64) {
	defer func() {
		if recover() != nil {
			size = fallbackSizeEstimate
		}
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return fallbackSizeEstimate
	}
	return int64(len(data))
}
