package notifier

import (
	"fmt"

	"postbee-tracker/internal/config"

	gomail "gopkg.in/gomail.v2"
)

// Mailer 邮件发送接口
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer 基于SMTP(STARTTLS)的邮件发送实现
type SMTPMailer struct {
	dialer *gomail.Dialer
	sender string
}

// 确保SMTPMailer实现了Mailer接口
var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer 创建SMTP邮件发送器
func NewSMTPMailer(cfg *config.MailConfig) (*SMTPMailer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("邮件配置不能为空")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP服务器地址不能为空")
	}
	if cfg.Sender == "" {
		return nil, fmt.Errorf("默认发件人不能为空")
	}

	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		sender: cfg.Sender,
	}, nil
}

// Send 发送一封纯文本邮件。每次发送独立建连，发完即断。
func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.sender)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("发送邮件到 %s 失败: %w", to, err)
	}
	return nil
}
