// Package receipt lays out an order as printer-independent lines and encodes
// them for the wire formats the printers accept: ESC/POS bytes for the raw
// port and ePOS-Print XML for the HTTP control endpoint. Both encodings carry
// exactly the same lines.
package receipt

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

type Line struct {
	Text   string
	Align  Align
	Bold   bool
	Double bool
}

type Receipt struct {
	OrderID string
	Lines   []Line
}

type Options struct {
	Header string
	// Columns is the character width of a line in font A.
	Columns  int
	Location *time.Location
}

const (
	defaultColumns = 42
	// NoInstructions is printed when the order has no special instructions.
	// The block is never left out.
	NoInstructions = "NONE"
)

// Build lays out the receipt for an order.
func Build(o model.Order, opts Options) Receipt {
	cols := opts.Columns
	if cols <= 0 {
		cols = defaultColumns
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	sep := strings.Repeat("-", cols)

	r := Receipt{OrderID: o.ID}
	add := func(l Line) { r.Lines = append(r.Lines, l) }

	if opts.Header != "" {
		add(Line{Text: opts.Header, Align: AlignCenter, Bold: true})
	}
	add(Line{Text: "ORDER #" + o.DisplayNumber(), Align: AlignCenter, Bold: true, Double: true})
	add(Line{Text: formatDate(o.CreatedAt, loc), Align: AlignCenter})
	add(Line{Text: sep})
	add(Line{Text: "Customer: " + orDash(o.CustomerName)})
	add(Line{Text: "Phone: " + orDash(o.CustomerPhone)})
	add(Line{Text: sep})

	for _, item := range o.Items {
		left := fmt.Sprintf("%dx %s", item.Quantity, item.Name)
		add(Line{Text: columns(left, formatMoney(item.LineTotal()), cols)})
		for _, mod := range item.Modifiers {
			add(Line{Text: "   + " + mod})
		}
	}

	add(Line{Text: sep})
	add(Line{Text: columns("TOTAL", formatMoney(o.TotalAmount), cols), Bold: true})
	add(Line{Text: "Type: " + strings.ToUpper(orDash(string(o.FulfillmentType))), Bold: true})
	add(Line{Text: sep})
	add(Line{Text: "SPECIAL INSTRUCTIONS:", Bold: true})
	instructions := strings.TrimSpace(o.SpecialInstructions)
	if instructions == "" {
		instructions = NoInstructions
	}
	for _, l := range strings.Split(instructions, "\n") {
		add(Line{Text: strings.TrimRight(l, "\r ")})
	}
	return r
}

// Text renders the receipt as plain lines, used by logs and tests.
func (r Receipt) Text() string {
	var b strings.Builder
	for _, l := range r.Lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func formatDate(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("02/01/2006 15:04")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// columns right-aligns right against left within width, truncating left
// when both do not fit.
func columns(left, right string, width int) string {
	space := width - utf8.RuneCountInString(right) - 1
	if space < 1 {
		return left + " " + right
	}
	runes := []rune(left)
	if len(runes) > space {
		runes = runes[:space]
	}
	return string(runes) + strings.Repeat(" ", width-len(runes)-utf8.RuneCountInString(right)) + right
}
