package receipt

import (
	"context"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// Formatter produces the wire payloads for an order.
type Formatter struct {
	Options Options
	// Raster, when set, replaces the text job on the raw port.
	Raster *RasterRenderer
}

// Raw returns the ESC/POS job for the raw socket port.
func (f *Formatter) Raw(ctx context.Context, o model.Order) ([]byte, error) {
	r := Build(o, f.Options)
	if f.Raster != nil {
		return f.Raster.Render(ctx, r)
	}
	return EscPos(r), nil
}

// XML returns the ePOS-Print envelope for the HTTP control endpoint.
func (f *Formatter) XML(o model.Order) []byte {
	return EposXML(Build(o, f.Options))
}
