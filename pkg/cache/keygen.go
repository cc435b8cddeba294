package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// keyPayload 的字段顺序固定，map 由 encoding/json 按键排序，保证同样的输入得到同样的字节
type keyPayload struct {
	Category string                 `json:"category"`
	Page     int                    `json:"page"`
	Filters  map[string]interface{} `json:"filters"`
}

// GenerateKey 由命名空间、页码和过滤条件生成确定性的缓存键。
// 字符串先做 NFC 归一化，再序列化并以 URL 安全的 base64 编码，结果以命名空间为前缀。
func GenerateKey(namespace string, page int, filters map[string]interface{}) string {
	namespace = norm.NFC.String(namespace)
	payload := keyPayload{
		Category: namespace,
		Page:     page,
		Filters:  normalizeFilters(filters),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// fmt 对 map 同样按键排序输出
		raw = []byte(norm.NFC.String(fmt.Sprintf("%s|%d|%v", namespace, page, filters)))
	}
	return namespace + "_" + base64.RawURLEncoding.EncodeToString(raw)
}

func normalizeFilters(filters map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(filters))
	for k, v := range filters {
		out[norm.NFC.String(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = norm.NFC.String(s)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]interface{}:
		return normalizeFilters(val)
	default:
		return v
	}
}
