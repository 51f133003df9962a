package utils

import (
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// FixStringEncoding converts input to UTF-8. Text piped in from a terminal or
// file in a legacy encoding (Shift_JIS, EUC-JP, ...) is detected and decoded;
// valid UTF-8 is returned unchanged.
func FixStringEncoding(input []byte) (string, error) {
	if utf8.Valid(input) {
		return string(input), nil
	}
	e, _, _ := charset.DetermineEncoding(input, "text/plain")
	reader := transform.NewReader(bytes.NewReader(input), e.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// DecodeWithCharset decodes input labelled with an explicit charset name, as
// found in a Content-Type header. An empty or unknown label falls back to
// FixStringEncoding.
func DecodeWithCharset(input []byte, label string) (string, error) {
	if label == "" {
		return FixStringEncoding(input)
	}
	e, _ := charset.Lookup(label)
	if e == nil {
		return FixStringEncoding(input)
	}
	decoded, _, err := transform.Bytes(e.NewDecoder(), input)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
