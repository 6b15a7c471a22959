package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/medbazaar/medbazaar/internal/invoice"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
)

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg SendEmailPayload) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs the message.
func (m LogMailer) Send(_ context.Context, msg SendEmailPayload) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}

// SMTPMailer sends plain text mail through an unauthenticated relay such as
// Mailpit or a local MTA.
type SMTPMailer struct {
	Addr string
	From string
}

// NewSMTPMailer builds a mailer for host:port.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Addr: net.JoinHostPort(host, strconv.Itoa(port)), From: from}
}

// Send delivers msg. The context is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, msg SendEmailPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	if err := smtp.SendMail(m.Addr, nil, m.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Notifier renders customer and vendor notifications with locale aware number
// formatting.
type Notifier struct {
	printer *message.Printer
}

// NewNotifier parses a BCP 47 locale such as "en-IN".
func NewNotifier(locale string) (*Notifier, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("notify locale %q: %w", locale, err)
	}
	return &Notifier{printer: message.NewPrinter(tag)}, nil
}

// Calendar dates on invoices are UTC midnight of the local day.
const mailDate = "02 Jan 2006"

// InvoiceMail renders the customer copy of a committed invoice.
func (n *Notifier) InvoiceMail(inv *invoice.Invoice) SendEmailPayload {
	p := n.printer
	var b strings.Builder
	b.WriteString(p.Sprintf("Dear %s,\n\n", inv.Customer.Name))
	b.WriteString(p.Sprintf("%s has issued invoice %s dated %s.\n\n", inv.Vendor.Name, inv.Number, inv.IssueDate.Format(mailDate)))
	for i, item := range inv.Items {
		b.WriteString(p.Sprintf("%d. %s x %d  %s\n", i+1, item.ProductName, item.Quantity, item.Amounts.Total.StringFixed(2)))
	}
	b.WriteString(p.Sprintf("\nTax: %s\n", inv.Totals.TotalTax.StringFixed(2)))
	if !inv.Totals.RoundOff.IsZero() {
		b.WriteString(p.Sprintf("Round off: %s\n", inv.Totals.RoundOff.StringFixed(2)))
	}
	b.WriteString(p.Sprintf("Amount payable: INR %s\n", inv.Totals.GrandTotal.StringFixed(2)))
	if inv.Terms.DueDate != nil {
		b.WriteString(p.Sprintf("Due by: %s\n", inv.Terms.DueDate.Format(mailDate)))
	}
	return SendEmailPayload{
		To:      inv.Customer.Email,
		Subject: p.Sprintf("Invoice %s from %s", inv.Number, inv.Vendor.Name),
		Body:    b.String(),
	}
}

// LowStockMail renders the vendor alert for a product running out.
func (n *Notifier) LowStockMail(vendor pharmacist.Snapshot, payload LowStockPayload) SendEmailPayload {
	p := n.printer
	return SendEmailPayload{
		To:      vendor.Email,
		Subject: p.Sprintf("Low stock: %s", payload.Name),
		Body:    p.Sprintf("%s has %d units left. Restock soon to keep accepting orders.\n", payload.Name, payload.Remaining),
	}
}
