package reorg

import "encoding/json"

func marshalArgs(args map[string]interface{}) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(args)
}
