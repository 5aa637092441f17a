package wa

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// RenderQR encodes a pairing payload as a base64 PNG data URI, ready to be
// embedded or relayed to a consumer that shows it to the end user.
func RenderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
