package gofile

var (
	trafficKeys   = []string{"traffic", "monthlyTraffic", "bandwidth"}
	usedKeys      = []string{"used", "current", "value"}
	limitKeys     = []string{"limit", "max", "quota"}
	flatUsedKeys  = []string{"trafficUsed", "monthlyTrafficUsed"}
	flatLimitKeys = []string{"trafficLimit", "monthlyTrafficLimit"}
)

// ExtractUsage finds monthly traffic usage in an account info reply. Nested
// traffic objects win over the flat fields. ok is false when either number
// is missing.
func ExtractUsage(info map[string]any) (used, limit int64, ok bool) {
	data := info
	if d, isMap := info["data"].(map[string]any); isMap {
		data = d
	}
	for _, key := range trafficKeys {
		traffic, isMap := data[key].(map[string]any)
		if !isMap {
			continue
		}
		u, uok := firstNumber(traffic, usedKeys)
		l, lok := firstNumber(traffic, limitKeys)
		if uok && lok {
			return u, l, true
		}
		break
	}
	u, uok := firstNumber(data, flatUsedKeys)
	l, lok := firstNumber(data, flatLimitKeys)
	if uok && lok {
		return u, l, true
	}
	return 0, 0, false
}

func firstNumber(m map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		if n, ok := numberValue(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}
