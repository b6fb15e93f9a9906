// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package imaging_test

import (
	"bytes"
	"image"
	"image/color"

	disimaging "github.com/disintegration/imaging"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/imaging"
)

// encodeTestImage produces JPEG bytes of the given size.
func encodeTestImage(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	Expect(disimaging.Encode(&buf, img, disimaging.JPEG, disimaging.JPEGQuality(90))).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("EnsureMinSize", func() {
	It("should upscale a 500x800 image so the longer side reaches 1200", func() {
		out, upscaled, err := imaging.EnsureMinSize(encodeTestImage(500, 800), 1200)
		Expect(err).NotTo(HaveOccurred())
		Expect(upscaled).To(BeTrue())

		width, height, err := imaging.Dimensions(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(Equal(1200))
		Expect(width).To(Equal(750))
	})

	It("should upscale along the width when it is the longer side", func() {
		out, upscaled, err := imaging.EnsureMinSize(encodeTestImage(800, 500), 1200)
		Expect(err).NotTo(HaveOccurred())
		Expect(upscaled).To(BeTrue())

		width, height, err := imaging.Dimensions(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(width).To(Equal(1200))
		Expect(height).To(Equal(750))
	})

	It("should pass large images through unchanged", func() {
		data := encodeTestImage(1600, 900)

		out, upscaled, err := imaging.EnsureMinSize(data, 1200)
		Expect(err).NotTo(HaveOccurred())
		Expect(upscaled).To(BeFalse())
		Expect(out).To(Equal(data))
	})

	It("should fail on garbage input", func() {
		_, _, err := imaging.EnsureMinSize([]byte("definitely not an image"), 1200)
		Expect(err).To(HaveOccurred())
	})
})
