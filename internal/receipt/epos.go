package receipt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EposPath is the CGI endpoint of the ePOS-Print service on the printer.
const EposPath = "/cgi-bin/epos/service.cgi"

const (
	soapOpen  = `<?xml version="1.0" encoding="utf-8"?>` + "\n" + `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>`
	soapClose = `</s:Body></s:Envelope>`
	eposOpen  = `<epos-print xmlns="http://www.epson-pos.com/schemas/2011/03/epos-print">`
	eposClose = `</epos-print>`
)

var alignNames = map[Align]string{
	AlignLeft:   "left",
	AlignCenter: "center",
	AlignRight:  "right",
}

// EposXML encodes the receipt as an ePOS-Print SOAP envelope ending with a
// feed cut.
func EposXML(r Receipt) []byte {
	var b bytes.Buffer
	b.WriteString(soapOpen)
	b.WriteString(eposOpen)
	for _, l := range r.Lines {
		fmt.Fprintf(&b, `<text align="%s"/>`, alignNames[l.Align])
		fmt.Fprintf(&b, `<text em="%t"/>`, l.Bold)
		if l.Double {
			b.WriteString(`<text width="2" height="2"/>`)
		}
		b.WriteString("<text>")
		_ = xml.EscapeText(&b, []byte(l.Text))
		b.WriteString("&#10;</text>")
		if l.Double {
			b.WriteString(`<text width="1" height="1"/>`)
		}
	}
	b.WriteString(`<text align="left"/><text em="false"/>`)
	b.WriteString(`<feed line="3"/>`)
	b.WriteString(`<cut type="feed"/>`)
	b.WriteString(eposClose)
	b.WriteString(soapClose)
	return b.Bytes()
}

// EposResult is the printer's verdict on a submitted job.
type EposResult struct {
	Success bool
	Code    string
	Status  string
}

var ErrNoResponse = errors.New("epos: no response element")

// ParseEposResponse finds the <response> element in the printer's reply.
func ParseEposResponse(body io.Reader) (EposResult, error) {
	dec := xml.NewDecoder(body)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return EposResult{}, ErrNoResponse
		}
		if err != nil {
			return EposResult{}, fmt.Errorf("epos: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "response" {
			continue
		}
		var res EposResult
		for _, a := range start.Attr {
			switch a.Name.Local {
			case "success":
				res.Success = strings.EqualFold(a.Value, "true")
			case "code":
				res.Code = a.Value
			case "status":
				res.Status = a.Value
			}
		}
		return res, nil
	}
}
