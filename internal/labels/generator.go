// Package labels renders address labels with QR codes and keeps the log of
// print jobs that is shared with other clients.
package labels

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/xelth-com/eckaddr/internal/cache"
)

// Layout holds the sheet geometry for PDF generation, in millimetres
type Layout struct {
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	MarginTop  float64 `json:"marginTop"`
	MarginLeft float64 `json:"marginLeft"`
	GapX       float64 `json:"gapX"`
	GapY       float64 `json:"gapY"`
	// Copies repeats every label this many times.
	Copies int `json:"copies"`
}

// DefaultLayout is a 3x7 A4 sheet.
func DefaultLayout() Layout {
	return Layout{Cols: 3, Rows: 7, MarginTop: 10, MarginLeft: 8, GapX: 2, GapY: 2, Copies: 1}
}

func (l Layout) withDefaults() Layout {
	def := DefaultLayout()
	if l.Cols <= 0 {
		l.Cols = def.Cols
	}
	if l.Rows <= 0 {
		l.Rows = def.Rows
	}
	if l.Copies <= 0 {
		l.Copies = 1
	}
	return l
}

// Generator renders address labels.
type Generator struct {
	// Prefix is prepended to the QR payload, e.g. a scanner routing tag.
	Prefix string
}

// AddressLabels creates a PDF with one QR label per slot and copy. The QR
// payload is the address code; the text shows the code, the description
// and the current occupants.
func (g Generator) AddressLabels(slots []cache.Slot, layout Layout) ([]byte, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("no addresses to print")
	}
	cfg := layout.withDefaults()

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Arial", "B", 10)

	// A4 dimensions
	pageWidth, pageHeight := 210.0, 297.0

	totalGapX := float64(cfg.Cols-1) * cfg.GapX
	totalGapY := float64(cfg.Rows-1) * cfg.GapY
	availW := pageWidth - (cfg.MarginLeft * 2)
	availH := pageHeight - (cfg.MarginTop * 2)
	labelW := (availW - totalGapX) / float64(cfg.Cols)
	labelH := (availH - totalGapY) / float64(cfg.Rows)
	if labelW <= 0 || labelH <= 0 {
		return nil, fmt.Errorf("layout %dx%d does not fit on A4", cfg.Cols, cfg.Rows)
	}

	labelsPerPage := cfg.Cols * cfg.Rows
	images := make(map[string]string, len(slots))

	i := 0
	for _, slot := range slots {
		code := slot.Address.Code
		imgName, ok := images[code]
		if !ok {
			qrPng, err := qrcode.Encode(g.Prefix+code, qrcode.Medium, 256)
			if err != nil {
				return nil, fmt.Errorf("encode qr for %s: %w", code, err)
			}
			imgName = fmt.Sprintf("qr_%d", len(images))
			pdf.RegisterImageOptionsReader(imgName, gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}, bytes.NewReader(qrPng))
			images[code] = imgName
		}

		for range cfg.Copies {
			if i%labelsPerPage == 0 {
				pdf.AddPage()
			}
			indexOnPage := i % labelsPerPage
			col := indexOnPage % cfg.Cols
			row := indexOnPage / cfg.Cols

			x := cfg.MarginLeft + float64(col)*(labelW+cfg.GapX)
			y := cfg.MarginTop + float64(row)*(labelH+cfg.GapY)
			drawLabel(pdf, imgName, slot, x, y, labelW, labelH)
			i++
		}
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render labels: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawLabel(pdf *gofpdf.Fpdf, imgName string, slot cache.Slot, x, y, w, h float64) {
	// QR on the left, taking up most of the height
	qrSize := h * 0.8
	if qrSize > w*0.45 {
		qrSize = w * 0.45
	}
	pdf.ImageOptions(imgName, x+1, y+(h-qrSize)/2, qrSize, qrSize, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")

	textX := x + qrSize + 2
	textW := w - qrSize - 3

	pdf.SetXY(textX, y+h*0.2)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(textW, 5, slot.Address.Code, "", 2, "L", false, 0, "")

	pdf.SetFont("Arial", "", 7)
	if slot.Address.Description != "" {
		pdf.SetX(textX)
		pdf.CellFormat(textW, 4, pdf.UnicodeTranslatorFromDescriptor("")(slot.Address.Description), "", 2, "L", false, 0, "")
	}
	if len(slot.Allocations) > 0 {
		products := make([]string, 0, len(slot.Allocations))
		for _, a := range slot.Allocations {
			products = append(products, a.ProductCode)
		}
		pdf.SetX(textX)
		pdf.CellFormat(textW, 4, strings.Join(products, " / "), "", 2, "L", false, 0, "")
	}
}
