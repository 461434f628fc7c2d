// Package qrimg normalizes the QR payloads returned by different gateway
// versions: a data URL, bare base64 PNG bytes, or the raw pairing-code
// string. The UI always receives PNG bytes.
package qrimg

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

// PNG converts whatever QR payload the gateway returned into PNG image bytes.
func PNG(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty QR payload")
	}

	if strings.HasPrefix(payload, "data:") {
		du, err := dataurl.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode QR data URL: %w", err)
		}
		return du.Data, nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil && bytes.HasPrefix(decoded, pngMagic) {
		return decoded, nil
	}

	// Older gateways hand back the raw pairing code; render it ourselves.
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render pairing code as QR: %w", err)
	}
	return png, nil
}

// RawCode reports whether the payload is a raw pairing-code string (as
// opposed to an already rendered image) and returns it if so.
func RawCode(payload string) (string, bool) {
	if payload == "" || strings.HasPrefix(payload, "data:") {
		return "", false
	}
	if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil && bytes.HasPrefix(decoded, pngMagic) {
		return "", false
	}
	return payload, true
}
