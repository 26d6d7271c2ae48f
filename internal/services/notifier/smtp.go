package notifier

import (
	"context"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender отправляет письма через go-mail. Клиент создаётся на отправку:
// поток уведомлений небольшой, держать соединение незачем.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return errors.Wrap(err, "set from")
	}
	if err := msg.To(to); err != nil {
		return errors.Wrap(err, "set to")
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	} else {
		// Локальный релей (mailhog и т.п.) без TLS и аутентификации.
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(err, "smtp client")
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, "send mail")
	}
	return nil
}
