// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package imaging prepares customer photos for the diffusion service.
package imaging

import (
	"bytes"
	"fmt"

	disimaging "github.com/disintegration/imaging"
)

// EnsureMinSize upscales the image when its longer side is below minSize
// pixels. Diffusion output quality degrades sharply on small inputs, so
// undersized photos are enlarged before submission. Upscaled images are
// re-encoded as PNG; images already large enough pass through unchanged.
func EnsureMinSize(data []byte, minSize int) (out []byte, upscaled bool, err error) {
	img, err := disimaging.Decode(bytes.NewReader(data), disimaging.AutoOrientation(true))
	if err != nil {
		return nil, false, fmt.Errorf("decoding image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width >= minSize || height >= minSize {
		return data, false, nil
	}

	// Resize the longer side to minSize; a zero dimension preserves the
	// aspect ratio.
	if width >= height {
		img = disimaging.Resize(img, minSize, 0, disimaging.Lanczos)
	} else {
		img = disimaging.Resize(img, 0, minSize, disimaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := disimaging.Encode(&buf, img, disimaging.PNG); err != nil {
		return nil, false, fmt.Errorf("encoding upscaled image: %w", err)
	}
	return buf.Bytes(), true, nil
}

// Dimensions reports the pixel size of an encoded image.
func Dimensions(data []byte) (width, height int, err error) {
	img, err := disimaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decoding image: %w", err)
	}
	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}
