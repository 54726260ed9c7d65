package ledgerx

import (
	"io"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
)

// WriteStatement renders a one-page PDF summary of acct as of asOf.
func WriteStatement(w io.Writer, acct Account, asOf time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Account statement "+strconv.FormatInt(acct.AccountNumber, 10), true)
	pdf.SetCreationDate(asOf)
	pdf.SetModificationDate(asOf)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Account statement", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, "As of "+asOf.UTC().Format(time.RFC1123), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Account number", strconv.FormatInt(acct.AccountNumber, 10)},
		{"Customer number", strconv.FormatInt(acct.CustomerNumber, 10)},
		{"Customer name", acct.CustomerName},
		{"Status", acct.Status.String()},
		{"Balance", acct.Balance.StringFixed(2)},
	}
	pdf.SetFont("Helvetica", "", 11)
	for _, r := range rows {
		pdf.CellFormat(50, 8, r[0], "1", 0, "L", false, 0, "")
		pdf.CellFormat(0, 8, r[1], "1", 1, "R", false, 0, "")
	}

	return pdf.Output(w)
}
