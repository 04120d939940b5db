package sniffer

import (
	"bytes"
	"errors"
)

// Format is a media type detected from byte content. File extensions and
// declared content types are never trusted.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWEBP Format = "webp"
)

var ErrUnknownFormat = errors.New("unknown media format")

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Detect sniffs the format from the leading bytes.
func Detect(data []byte) (Format, error) {
	switch {
	case isJPEG(data):
		return FormatJPEG, nil
	case isPNG(data):
		return FormatPNG, nil
	case isGIF(data):
		return FormatGIF, nil
	case isWEBP(data):
		return FormatWEBP, nil
	}
	return "", ErrUnknownFormat
}

// MIME maps a format to its content type.
func (f Format) MIME() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWEBP:
		return "image/webp"
	}
	return "application/octet-stream"
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	return len(head) >= len(pngSignature) && bytes.Equal(head[:len(pngSignature)], pngSignature)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}
