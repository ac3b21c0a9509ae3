package receipt

import "bytes"

// ESC/POS control sequences.
var (
	escInit      = []byte{0x1B, 0x40}       // ESC @
	escBoldOn    = []byte{0x1B, 0x45, 0x01} // ESC E 1
	escBoldOff   = []byte{0x1B, 0x45, 0x00} // ESC E 0
	escDoubleOn  = []byte{0x1D, 0x21, 0x11} // GS ! 0x11
	escDoubleOff = []byte{0x1D, 0x21, 0x00} // GS ! 0
	escFeed3     = []byte{0x1B, 0x64, 0x03} // ESC d 3
	escCut       = []byte{0x1D, 0x56, 0x41, 0x00}
)

func escAlign(a Align) []byte {
	return []byte{0x1B, 0x61, byte(a)} // ESC a n
}

// EscPos encodes the receipt as a raw ESC/POS job: init, styled lines,
// feed and partial cut.
func EscPos(r Receipt) []byte {
	var b bytes.Buffer
	b.Write(escInit)
	for _, l := range r.Lines {
		b.Write(escAlign(l.Align))
		if l.Bold {
			b.Write(escBoldOn)
		}
		if l.Double {
			b.Write(escDoubleOn)
		}
		b.WriteString(l.Text)
		b.WriteByte('\n')
		if l.Double {
			b.Write(escDoubleOff)
		}
		if l.Bold {
			b.Write(escBoldOff)
		}
	}
	b.Write(escAlign(AlignLeft))
	b.Write(escFeed3)
	b.Write(escCut)
	return b.Bytes()
}

// wrapRaster frames a GS v 0 bitmap as a complete job.
func wrapRaster(raster []byte) []byte {
	job := make([]byte, 0, len(raster)+16)
	job = append(job, escInit...)
	job = append(job, raster...)
	job = append(job, escFeed3...)
	job = append(job, escCut...)
	return job
}
