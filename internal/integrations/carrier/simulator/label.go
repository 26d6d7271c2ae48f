package simulator

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/integrations/carrier"
)

// renderLabel рисует этикетку A6: блок получателя, номер отправления,
// ссылка на заказ и предупреждение, что этикетка тестовая.
func renderLabel(details carrier.ShippingDetails, trackNumber string, now time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A6", "")
	pdf.SetMargins(8, 8, 8)
	pdf.AddPage()

	// Шапка.
	pdf.SetFillColor(102, 126, 234)
	pdf.Rect(0, 0, 105, 18, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Text(8, 9, "SIMSHOP LOGISTICS")
	pdf.SetFont("Helvetica", "", 8)
	pdf.Text(8, 14, "(etiqueta de prueba)")

	pdf.SetTextColor(0, 0, 0)
	pdf.SetY(24)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 5, "DESTINATARIO:", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, line := range []string{
		details.RecipientName,
		details.Street,
		fmt.Sprintf("%s %s", details.PostalCode, details.City),
		details.Province,
		details.Country,
		"Tel: " + details.Phone,
	} {
		pdf.CellFormat(0, 4.5, line, "", 1, "L", false, 0, "")
	}

	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 5, "NUMERO DE SEGUIMIENTO:", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 7, trackNumber, "", 1, "L", false, 0, "")

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 4, fmt.Sprintf("Pedido: #%s", details.OrderReference), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 4, fmt.Sprintf("Peso: %.1f kg", details.ParcelWeightKg), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 4, fmt.Sprintf("Fecha: %s", now.Format("02.01.2006")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 4, fmt.Sprintf("Entrega estimada: %s", now.Add(leadTime).Format("02.01.2006")), "", 1, "L", false, 0, "")

	pdf.Ln(3)
	pdf.SetTextColor(231, 76, 60)
	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(0, 4, "ETIQUETA DE PRUEBA", "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 4, "No valida para envio real.", "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "render label pdf")
	}
	return buf.Bytes(), nil
}
