package repository

import "encoding/json"

func metadataToJSON(meta map[string]string) []byte {
	if len(meta) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(meta)
	return b
}

func metadataFromJSON(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
