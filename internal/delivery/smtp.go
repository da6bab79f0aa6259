package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Default message sent by the /sendmail route.
const (
	DefaultSubject = "Test Email from RabbitMQ & Celery"
	DefaultBody    = "Hello, this is a test email from your messaging system!"
)

// SMTPConfig describes the relay used to send mail.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string // envelope and header sender, defaults to Username
	Subject     string
	ImplicitTLS bool // TLS from the first byte (port 465); otherwise STARTTLS when offered
	DialTimeout time.Duration
}

// SMTPClient delivers payloads as plain-text mail through one relay.
// Each Deliver call opens and closes its own connection.
type SMTPClient struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPClient creates an SMTP delivery client.
func NewSMTPClient(cfg SMTPConfig) *SMTPClient {
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SMTPClient{cfg: cfg, now: time.Now}
}

// Deliver sends payload as the body of a message to destination.
func (c *SMTPClient) Deliver(ctx context.Context, destination string, payload []byte) error {
	to, err := mail.ParseAddress(destination)
	if err != nil {
		return Permanent(fmt.Errorf("invalid destination %q: %w", destination, err))
	}
	from, err := mail.ParseAddress(c.cfg.From)
	if err != nil {
		return Permanent(fmt.Errorf("invalid sender %q: %w", c.cfg.From, err))
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return Transient(fmt.Errorf("dial relay: %w", err))
	}
	defer conn.Close()

	// net/smtp has no context support; the deadline and AfterFunc bound the conversation.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return classifySMTP("greeting", err)
	}
	defer client.Close()

	if !c.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
				return classifySMTP("starttls", err)
			}
		}
	}

	if c.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return classifyAuth(err)
			}
		}
	}

	if err := client.Mail(from.Address); err != nil {
		return classifySMTP("mail from", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return classifySMTP("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(c.buildMessage(from, to, payload)); err != nil {
		return classifySMTP("write body", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("end data", err)
	}

	// the relay already accepted the message, a failed QUIT changes nothing
	_ = client.Quit()
	return nil
}

func (c *SMTPClient) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	if c.cfg.ImplicitTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: c.cfg.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (c *SMTPClient) buildMessage(from, to *mail.Address, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", c.cfg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

// classifySMTP maps relay replies to failure classes: 5xx is permanent,
// 4xx and transport errors are transient.
// classifyAuth 認證失敗：沒有回應碼、也不是連線錯誤時，代表本地設定無法認證
// （例如 relay 不提供 TLS 時 PlainAuth 拒絕送出密碼），重試也不會成功
func classifyAuth(err error) error {
	var (
		tp *textproto.Error
		ne net.Error
	)
	if errors.As(err, &tp) || errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return classifySMTP("auth", err)
	}
	return Permanent(fmt.Errorf("smtp auth: %w", err))
}

func classifySMTP(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s: %w", stage, err)

	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 && tp.Code < 600 {
		return Permanent(wrapped)
	}
	return Transient(wrapped)
}
