package jobdoc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCorruptPayload is returned when a share payload cannot be decoded.
var ErrCorruptPayload = errors.New("corrupt share payload")

// Encode serializes a document into URL-safe text for share links.
func Encode(doc Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. It also accepts standard base64, with or without
// padding, since links built by older clients used it and query strings turn
// '+' into spaces.
func Decode(payload string) (Document, error) {
	cleaned := strings.TrimSpace(payload)
	if cleaned == "" {
		return Document{}, fmt.Errorf("%w: empty payload", ErrCorruptPayload)
	}
	cleaned = strings.ReplaceAll(cleaned, " ", "+")

	raw, err := decodeBase64(cleaned)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Document{}, fmt.Errorf("%w: payload is not a JSON object", ErrCorruptPayload)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	doc.Normalize()
	return doc, nil
}

func decodeBase64(value string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(value)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
