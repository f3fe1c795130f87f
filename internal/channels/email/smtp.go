package email

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net/textproto"

	"notify-dispatch/internal/common/config"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"gopkg.in/gomail.v2"
)

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPChannel sends HTML email through an SMTP relay.
type SMTPChannel struct {
	dialer Dialer
	from   string
	logger logger.Logger
}

// NewSMTPDialer builds a STARTTLS dialer (implicit TLS on port 465).
func NewSMTPDialer(cfg config.SMTPConfig) *gomail.Dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Port == 465
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return d
}

func NewSMTPChannel(dialer Dialer, from string, log logger.Logger) *SMTPChannel {
	return &SMTPChannel{
		dialer: dialer,
		from:   from,
		logger: log.WithFields(map[string]interface{}{"channel": models.ChannelEmail, "provider": "smtp"}),
	}
}

type dialResult struct {
	sc  gomail.SendCloser
	err error
}

// Send dials and then transmits. gomail has no context support, so ctx
// bounds each phase from the outside. A timeout while dialing is retryable
// because nothing was sent. A timeout after the dial is not: the relay may
// already have accepted the message.
func (c *SMTPChannel) Send(ctx context.Context, address, title, body string) error {
	to, err := parseAddress(address)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", title)
	m.SetBody("text/plain", plainText(body))
	m.AddAlternative("text/html", body)

	dialed := make(chan dialResult, 1)
	go func() {
		sc, err := c.dialer.Dial()
		dialed <- dialResult{sc: sc, err: err}
	}()

	var sc gomail.SendCloser
	select {
	case r := <-dialed:
		if r.err != nil {
			return errors.NewDeliveryError(string(models.ChannelEmail), !isPermanentSMTPError(r.err), r.err)
		}
		sc = r.sc
	case <-ctx.Done():
		go func() {
			if r := <-dialed; r.err == nil {
				_ = r.sc.Close()
			}
		}()
		return errors.NewDeliveryError(string(models.ChannelEmail), true, fmt.Errorf("smtp dial: %w", ctx.Err()))
	}

	sent := make(chan error, 1)
	go func() {
		err := sc.Send(c.from, []string{to}, m)
		if cerr := sc.Close(); cerr != nil && err == nil {
			c.logger.Debug("smtp quit failed after send", map[string]interface{}{"error": cerr.Error()})
		}
		sent <- err
	}()

	select {
	case err := <-sent:
		if err != nil {
			return errors.NewDeliveryError(string(models.ChannelEmail), !isPermanentSMTPError(err), err)
		}
		return nil
	case <-ctx.Done():
		return errors.NewDeliveryError(string(models.ChannelEmail), false, fmt.Errorf("smtp send outcome unknown: %w", ctx.Err()))
	}
}

// 5xx replies are permanent per RFC 5321.
func isPermanentSMTPError(err error) bool {
	var tpErr *textproto.Error
	return stderrors.As(err, &tpErr) && tpErr.Code >= 500
}
