// Package notify e-mails contractor links over SMTP.
package notify

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends HTML mail through one SMTP relay.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTML sends an HTML message with a plain text alternative.
func (s *Service) SendHTML(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-estimator"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

type ContractorLinkData struct {
	CompanyName    string
	ContractorName string
	ClientName     string
	SiteAddress    string
	Categories     []string
	URL            string
}

// SendContractorLink mails a contractor the short link to their sections.
func (s *Service) SendContractorLink(to string, data ContractorLinkData) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("send contractor link: recipient is required")
	}
	if data.CompanyName == "" {
		data.CompanyName = "Estimator"
	}
	html, err := renderTemplate(contractorLinkTemplate, data)
	if err != nil {
		return fmt.Errorf("render contractor link template: %w", err)
	}
	subject := fmt.Sprintf("Pricing request: %s", firstNonBlank(data.ClientName, data.SiteAddress, "new job"))
	text := fmt.Sprintf("Hi %s,\n\nPlease price your sections of this job:\n%s\n", data.ContractorName, data.URL)
	return s.SendHTML([]string{to}, subject, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

const contractorLinkTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Pricing request from {{.CompanyName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #c0392b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #c0392b; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.CompanyName}}</h1>
    </div>

    <p>Hi {{.ContractorName}},</p>

    <p>You have been asked to price work for {{if .ClientName}}{{.ClientName}}{{else}}a new job{{end}}{{if .SiteAddress}} at {{.SiteAddress}}{{end}}.</p>
    {{if .Categories}}
    <p>Your sections:</p>
    <ul>{{range .Categories}}<li>{{.}}</li>{{end}}</ul>
    {{end}}
    <p>
        <a href="{{.URL}}" class="button">Open your sections</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.URL}}</p>
</body>
</html>`
