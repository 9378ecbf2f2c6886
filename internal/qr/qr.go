// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package qr generates QR code images in memory.
package qr

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

// ErrEmpty is returned when there is nothing to encode.
var ErrEmpty = errors.New("empty data")

const imageSize = 512 // px, comfortably scannable in a Telegram photo

// EncodePNG returns a PNG image of a QR code encoding data.
func EncodePNG(data string) ([]byte, error) {
	if data == "" {
		return nil, ErrEmpty
	}
	q, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	q.DisableBorder = false
	return q.PNG(imageSize)
}
