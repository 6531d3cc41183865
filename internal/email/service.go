// Package email sends purchase orders to suppliers over SMTP.
package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

// ErrNoRecipient is returned when the supplier has no email address.
var ErrNoRecipient = errors.New("supplier has no email address")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	Company  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a new email service
func NewService(config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger.With(zap.String("component", "email")),
	}
}

// Enabled reports whether SMTP is configured. Purchase orders can only be
// sent by EMAIL when it is.
func (s *Service) Enabled() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendPurchaseOrder mails the BC PDF to the supplier.
func (s *Service) SendPurchaseOrder(ctx context.Context, po store.PurchaseOrder, pdf []byte) error {
	if !s.Enabled() {
		return fmt.Errorf("email not configured")
	}
	to := strings.TrimSpace(po.SupplierEmail)
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := purchaseOrderData{
		Company:   s.companyName(),
		Supplier:  po.SupplierName,
		Reference: po.Reference,
	}
	if po.ExpectedDelivery != nil {
		data.Delivery = po.ExpectedDelivery.Format("02/01/2006")
	}
	body, err := renderTemplate(purchaseOrderTemplate, data)
	if err != nil {
		return fmt.Errorf("render purchase order email: %w", err)
	}
	subject := fmt.Sprintf("Bon de commande %s - %s", po.Reference, s.companyName())
	msg, err := s.buildMessage([]string{to}, subject, body, attachment{
		Name:        po.Reference + ".pdf",
		ContentType: "application/pdf",
		Data:        pdf,
	})
	if err != nil {
		return err
	}
	if err := s.send(s.server, s.auth, s.config.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send purchase order %s: %w", po.Reference, err)
	}
	s.logger.Info("purchase order emailed", zap.String("reference", po.Reference), zap.String("to", to))
	return nil
}

func (s *Service) companyName() string {
	if s.config.Company != "" {
		return s.config.Company
	}
	return "Manchengo"
}

type attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// buildMessage writes a multipart/mixed message with an HTML body and the
// attachments base64 encoded.
func (s *Service) buildMessage(to []string, subject, htmlBody string, files ...attachment) ([]byte, error) {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	var msg bytes.Buffer
	mw := multipart.NewWriter(&msg)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&msg, "\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}

	for _, f := range files {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", f.ContentType, f.Name)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", f.Name)},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, f.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

// writeBase64Lines wraps the encoding at 76 characters as RFC 2045 requires.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}

type purchaseOrderData struct {
	Company   string
	Supplier  string
	Reference string
	Delivery  string
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const purchaseOrderTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Bon de commande {{.Reference}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f3b57; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.Company}}</h1>
    </div>

    <p>Bonjour {{.Supplier}},</p>

    <p>Veuillez trouver ci-joint notre bon de commande <strong>{{.Reference}}</strong>.</p>
    {{if .Delivery}}<p>Date de livraison souhaitée : {{.Delivery}}.</p>{{end}}

    <p>Merci de nous confirmer la prise en compte de cette commande.</p>

    <div class="footer">
        <p>Service approvisionnement, {{.Company}}</p>
    </div>
</body>
</html>`
