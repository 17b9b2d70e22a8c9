//go:build darwin

package discovery

import "howett.net/plist"

func parsePlistStringArray(raw []byte, key string) ([]string, error) {
	var generic map[string]any
	if err := plist.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	items, _ := generic[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func parsePlistDiskInfoXML(raw []byte) (diskutilInfo, error) {
	var info diskutilInfo
	err := plist.Unmarshal(raw, &info)
	return info, err
}
