package registration

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// Notifier relays one confirmation message. It reports whether the message
// was handed to the relay and never returns an error.
type Notifier interface {
	Send(ctx context.Context, to, subject, htmlBody string) bool
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Configured reports whether host, credentials and sender are all present.
func (c SMTPConfig) Configured() bool {
	return strings.TrimSpace(c.Host) != "" &&
		strings.TrimSpace(c.Username) != "" &&
		c.Password != "" &&
		strings.TrimSpace(c.From) != ""
}

// SMTPNotifier opens one STARTTLS session per message.
type SMTPNotifier struct {
	config SMTPConfig
	logger Logger
}

func NewSMTPNotifier(config SMTPConfig, logger Logger) *SMTPNotifier {
	if config.Port <= 0 {
		config.Port = 587
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &SMTPNotifier{config: config, logger: loggerOrNop(logger)}
}

func (n *SMTPNotifier) Send(ctx context.Context, to, subject, htmlBody string) bool {
	if !n.config.Configured() {
		n.logger.Debug("mail relay not configured, skipping confirmation", "to", to)
		return false
	}
	if err := n.send(ctx, to, subject, htmlBody); err != nil {
		n.logger.Error("confirmation email failed", "to", to, "error", fmt.Errorf("%w: %v", ErrNotification, err))
		return false
	}
	n.logger.Info("confirmation email sent", "to", to)
	return true
}

func (n *SMTPNotifier) send(ctx context.Context, to, subject, htmlBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(n.config.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(strings.TrimSpace(to)); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	client, err := mail.NewClient(n.config.Host,
		mail.WithPort(n.config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.config.Username),
		mail.WithPassword(n.config.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(n.config.Timeout),
	)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()
	return client.DialAndSendWithContext(ctx, msg)
}

// ConfirmationRenderer builds the subject and HTML body of the confirmation
// sent after a successful registration.
type ConfirmationRenderer struct {
	EventName string
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #1f2933;">
  <h2>Registration confirmed</h2>
  <p>Hi {{.Name}},</p>
  <p>Your {{.Kind}} registration for <strong>{{.Event}}</strong> has been recorded.</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td>Registration Number</td><td>{{.RegNo}}</td></tr>
    {{- if .Division}}<tr><td>Division</td><td>{{.Division}}</td></tr>{{end}}
    {{- if .Department}}<tr><td>Department</td><td>{{.Department}}</td></tr>{{end}}
    {{- if .College}}<tr><td>College</td><td>{{.College}}</td></tr>{{end}}
    <tr><td>Year of Study</td><td>{{.YearOfStudy}}</td></tr>
    <tr><td>Receipt Number</td><td>{{.ReceiptNo}}</td></tr>
    <tr><td>Registered At</td><td>{{.Timestamp}}</td></tr>
  </table>
  <p>Keep this email as proof of registration.</p>
</body>
</html>
`))

func NewConfirmationRenderer(eventName string) *ConfirmationRenderer {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		eventName = "the event"
	}
	return &ConfirmationRenderer{EventName: eventName}
}

func (r *ConfirmationRenderer) Render(data PersistedData) (subject, body string, err error) {
	var buf bytes.Buffer
	err = confirmationTemplate.Execute(&buf, struct {
		Event       string
		Kind        string
		Name        string
		RegNo       string
		Division    string
		Department  string
		College     string
		YearOfStudy string
		ReceiptNo   string
		Timestamp   string
	}{
		Event:       r.EventName,
		Kind:        string(data.SheetType),
		Name:        data.Name,
		RegNo:       data.RegNo,
		Division:    data.Division,
		Department:  data.DeptName,
		College:     data.CollegeName,
		YearOfStudy: data.YearOfStudy,
		ReceiptNo:   data.ReceiptNo,
		Timestamp:   data.Timestamp,
	})
	if err != nil {
		return "", "", err
	}
	return "Registration confirmed: " + r.EventName, buf.String(), nil
}
