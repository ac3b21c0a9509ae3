package receipt

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

//go:embed templates/receipt.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"alignClass": func(a Align) string {
		switch a {
		case AlignCenter:
			return "center"
		case AlignRight:
			return "right"
		}
		return "left"
	},
}

var receiptTemplate = template.Must(
	template.New("receipt.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/receipt.html"),
)

// RasterRenderer prints the receipt as a bitmap rendered by headless Chrome.
// Used for printers whose built-in fonts cannot show the menu's characters.
type RasterRenderer struct {
	// ExecPath overrides the Chrome binary; empty lets chromedp find it.
	ExecPath string
	// Width is the printable width in dots (576 for 80mm, 384 for 58mm).
	Width int
}

// HTML renders the receipt page that Chrome will screenshot.
func (r *RasterRenderer) HTML(rc Receipt) (string, error) {
	var buf bytes.Buffer
	data := struct {
		Width int
		Lines []Line
	}{Width: r.width(), Lines: rc.Lines}
	if err := receiptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// Render produces a complete ESC/POS raster job for the receipt.
func (r *RasterRenderer) Render(ctx context.Context, rc Receipt) ([]byte, error) {
	html, err := r.HTML(rc)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(r.width(), 800),
	)
	if r.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	cdpCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var pngBytes []byte
	err = chromedp.Run(cdpCtx,
		chromedp.Navigate("data:text/html,"+urlEncode(html)),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithCaptureBeyondViewport(true).
				Do(ctx)
			if err != nil {
				return err
			}
			pngBytes = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed generating image: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}
	return wrapRaster(ImageToRaster(ResizeToWidth(img, r.width()))), nil
}

func (r *RasterRenderer) width() int {
	if r.Width > 0 {
		return r.Width
	}
	return 576
}

func urlEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ImageToRaster converts an image to a 1-bit GS v 0 raster block. The width
// is truncated to a multiple of 8.
func ImageToRaster(img image.Image) []byte {
	bounds := img.Bounds()
	width := bounds.Dx() - bounds.Dx()%8
	height := bounds.Dy()

	rowBytes := width / 8
	raster := make([]byte, rowBytes*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if (r+g+b)/3 < 0x8000 {
				raster[y*rowBytes+x/8] |= 1 << (7 - x%8)
			}
		}
	}

	header := []byte{
		0x1D, 0x76, 0x30, 0x00,
		byte(rowBytes), byte(rowBytes >> 8),
		byte(height), byte(height >> 8),
	}
	return append(header, raster...)
}

// ResizeToWidth scales with nearest-neighbour sampling.
func ResizeToWidth(src image.Image, targetWidth int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || w == targetWidth {
		return src
	}
	scale := float64(targetWidth) / float64(w)
	newHeight := int(float64(h) * scale)

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, newHeight))
	for y := 0; y < newHeight; y++ {
		for x := 0; x < targetWidth; x++ {
			sx := bounds.Min.X + int(float64(x)/scale)
			sy := bounds.Min.Y + int(float64(y)/scale)
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
