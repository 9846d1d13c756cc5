package engine

// normalize maps 8-bit channel values into [-1, 1] as (x/255 - 0.5) * 2,
// keeping the interleaved HWC layout.
func normalize(src []byte, dst []float32) {
	n := min(len(src), len(dst))
	for i := 0; i < n; i++ {
		dst[i] = (float32(src[i])/255 - 0.5) * 2
	}
}
