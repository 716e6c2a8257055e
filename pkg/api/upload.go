package api

import (
	"bytes"
	"errors"
)

// MaxUploadBytes caps the raw image payload at 20 MiB.
const MaxUploadBytes int64 = 20 << 20

// multipartSlack is extra body allowance for multipart framing around the
// file part.
const multipartSlack int64 = 1 << 20

var (
	ErrUnsupportedType = errors.New("api: media type not in allowlist")
	ErrContentMismatch = errors.New("api: content does not match declared media type")
	ErrTooLarge        = errors.New("api: payload exceeds size cap")
)

// allowedTypes maps each accepted MIME type to the object-key extension.
var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// ExtensionFor returns the object-key extension for a declared MIME type.
func ExtensionFor(declaredMIME string) (string, bool) {
	ext, ok := allowedTypes[declaredMIME]
	return ext, ok
}

// ValidateUpload checks the payload against the declared MIME type: the type
// must be on the allowlist, the payload must fit the size cap, and the
// leading magic bytes must agree with the declaration. Content sniffing
// stops a renamed file from entering the pipeline as the wrong format.
func ValidateUpload(data []byte, declaredMIME string) error {
	if _, ok := allowedTypes[declaredMIME]; !ok {
		return ErrUnsupportedType
	}
	if int64(len(data)) > MaxUploadBytes {
		return ErrTooLarge
	}
	if !magicMatches(data, declaredMIME) {
		return ErrContentMismatch
	}
	return nil
}

// magicMatches verifies the payload's leading bytes against the declared
// type. Payloads shorter than 12 bytes cannot carry any of the accepted
// signatures and always mismatch.
func magicMatches(data []byte, declaredMIME string) bool {
	if len(data) < 12 {
		return false
	}
	switch declaredMIME {
	case "image/png":
		return bytes.HasPrefix(data, pngMagic)
	case "image/jpeg":
		return data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
	case "image/webp":
		return bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP"))
	default:
		return false
	}
}
