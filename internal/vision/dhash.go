// internal/vision/dhash.go
package vision

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"
)

// DHash computes the 64-bit difference hash of an image: grayscale, resize
// to 9x8 with a box filter, then compare horizontal neighbors. Returns the
// hash as 16 hex chars.
func DHash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	gray := downsampleGray(img, 9, 8)
	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			hash <<= 1
			if gray[y][x] > gray[y][x+1] {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash), nil
}

// ContentHash is the exact-duplicate fingerprint of the raw bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// HammingDistance compares two hex-encoded 64-bit hashes. Unparseable or
// empty hashes are treated as maximally distant.
func HammingDistance(a, b string) int {
	left, errA := strconv.ParseUint(a, 16, 64)
	right, errB := strconv.ParseUint(b, 16, 64)
	if errA != nil || errB != nil {
		return 64
	}
	return bits.OnesCount64(left ^ right)
}

// downsampleGray box-filters the image into a w x h luminance grid.
func downsampleGray(img image.Image, w, h int) [][]float64 {
	b := img.Bounds()
	out := make([][]float64, h)
	for y := range out {
		out[y] = make([]float64, w)
	}
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return out
	}
	for y := 0; y < h; y++ {
		y0 := b.Min.Y + y*srcH/h
		y1 := b.Min.Y + (y+1)*srcH/h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < w; x++ {
			x0 := b.Min.X + x*srcW/w
			x1 := b.Min.X + (x+1)*srcW/w
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum float64
			var count int
			for sy := y0; sy < y1 && sy < b.Max.Y; sy++ {
				for sx := x0; sx < x1 && sx < b.Max.X; sx++ {
					r, g, bl, _ := img.At(sx, sy).RGBA()
					// Rec. 601 luma on 16-bit channel values.
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
					count++
				}
			}
			if count > 0 {
				out[y][x] = sum / float64(count)
			}
		}
	}
	return out
}
