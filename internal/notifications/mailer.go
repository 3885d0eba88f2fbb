package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// Message is a rendered HTML email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender relays mail through the configured SMTP host.
type SMTPSender struct {
	addr     string
	host     string
	from     string
	username string
	password string
	sendMail sendMailFunc
}

func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from address required")
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		from:     cfg.From,
		username: cfg.Username,
		password: cfg.Password,
		sendMail: smtp.SendMail,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("header values must not contain line breaks")
	}
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.from, msg.To, msg.Subject, msg.HTML)
	return s.sendMail(s.addr, auth, s.from, []string{msg.To}, []byte(raw))
}

// LogSender records messages instead of sending them when no relay is configured.
type LogSender struct {
	logg *logger.Logger
}

func NewLogSender(logg *logger.Logger) *LogSender {
	return &LogSender{logg: logg}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
	}), "smtp disabled, confirmation email not sent")
	return nil
}

// ConfirmationItem is one rendered order line.
type ConfirmationItem struct {
	Name      string
	ImageURL  string
	Variant   string
	Quantity  int
	UnitPrice string
	LineTotal string
}

// Confirmation is the data behind an order confirmation email.
type Confirmation struct {
	OrderNumber string
	Currency    string
	Items       []ConfirmationItem
	Subtotal    string
	Discount    string
	Shipping    string
	Total       string
	CouponCode  string
	ShipTo      []string
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<h1 style="font-size: 22px;">Thanks for your order</h1>
	<p>Order number <strong style="font-family: monospace;">{{.OrderNumber}}</strong></p>
	<table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
		<thead>
			<tr style="background: #f8f9fa;">
				<th style="padding: 10px; text-align: left;">Item</th>
				<th style="padding: 10px; text-align: center;">Qty</th>
				<th style="padding: 10px; text-align: right;">Price</th>
				<th style="padding: 10px; text-align: right;">Total</th>
			</tr>
		</thead>
		<tbody>
		{{- range .Items}}
			<tr>
				<td style="padding: 10px; border-bottom: 1px solid #eee;">
					{{- if .ImageURL}}<img src="{{.ImageURL}}" alt="" width="48" style="vertical-align: middle; margin-right: 8px;">{{end -}}
					{{.Name}}{{if .Variant}} <span style="color: #666;">({{.Variant}})</span>{{end}}
				</td>
				<td style="padding: 10px; border-bottom: 1px solid #eee; text-align: center;">{{.Quantity}}</td>
				<td style="padding: 10px; border-bottom: 1px solid #eee; text-align: right;">{{$.Currency}} {{.UnitPrice}}</td>
				<td style="padding: 10px; border-bottom: 1px solid #eee; text-align: right;">{{$.Currency}} {{.LineTotal}}</td>
			</tr>
		{{- end}}
		</tbody>
	</table>
	<table style="width: 100%; text-align: right;">
		<tr><td>Subtotal</td><td>{{.Currency}} {{.Subtotal}}</td></tr>
		{{- if .CouponCode}}
		<tr><td>Discount ({{.CouponCode}})</td><td>-{{.Currency}} {{.Discount}}</td></tr>
		{{- end}}
		<tr><td>Shipping</td><td>{{.Currency}} {{.Shipping}}</td></tr>
		<tr><td><strong>Total</strong></td><td><strong>{{.Currency}} {{.Total}}</strong></td></tr>
	</table>
	{{- if .ShipTo}}
	<h2 style="font-size: 16px;">Shipping to</h2>
	<p>{{range $i, $line := .ShipTo}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
	{{- end}}
</body>
</html>`))

// Render builds the confirmation email for the recipient.
func (c Confirmation) Render(to string) (Message, error) {
	var buf bytes.Buffer
	if err := confirmationTemplate.Execute(&buf, c); err != nil {
		return Message{}, fmt.Errorf("render confirmation: %w", err)
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Order confirmation %s", c.OrderNumber),
		HTML:    buf.String(),
	}, nil
}
