package device

import (
	"image"
	"time"

	iface "SmartBin/interface"
)

// FromImage converts any image into a BGR frame.
func FromImage(img image.Image) iface.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			data = append(data, byte(bl>>8), byte(g>>8), byte(r>>8))
		}
	}
	return iface.Frame{Data: data, Width: w, Height: h, Timestamp: time.Now()}
}

// ToImage converts a BGR frame into an NRGBA image without touching the frame.
func ToImage(f *iface.Frame) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Data) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img
}
