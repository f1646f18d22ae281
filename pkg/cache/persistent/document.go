package persistent

import "encoding/json"

func encodeDocument(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

func decodeDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
