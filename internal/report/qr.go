package report

import (
	"errors"
	"strings"
	"unicode"

	qrcode "github.com/skip2/go-qrcode"
)

// digestPayload is the QR text for a database digest: an algorithm prefix and
// the hex digits in upper case, which keeps the code in alphanumeric mode.
func digestPayload(digest string) string {
	hexDigits := strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if ('0' <= r && r <= '9') || ('A' <= r && r <= 'F') {
			return r
		}
		return -1
	}, digest)
	if hexDigits == "" {
		return ""
	}
	return "SHA256:" + hexDigits
}

// DigestToQR renders the database digest as a size x size PNG QR code.
func DigestToQR(digest string, size int) ([]byte, error) {
	payload := digestPayload(digest)
	if payload == "" {
		return nil, errors.New("database digest is empty")
	}
	if size <= 0 {
		size = 128
	}
	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return q.PNG(size)
}
