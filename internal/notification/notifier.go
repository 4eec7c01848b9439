package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"text/template"
	"time"

	"backend/internal/config"
	"backend/pkg/httputil"
)

// Notifier 通知器接口
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// MultiNotifier 多通道通知器
type MultiNotifier struct {
	email     *EmailNotifier
	webhook   *WebhookNotifier
	websocket *WebSocketNotifier
}

// NewMultiNotifier 创建多通道通知器
func NewMultiNotifier(emailConfig *config.EmailConfig, webhookConfig *config.WebhookConfig, hub *WebSocketHub) *MultiNotifier {
	return &MultiNotifier{
		email:     NewEmailNotifier(emailConfig),
		webhook:   NewWebhookNotifier(webhookConfig),
		websocket: NewWebSocketNotifier(hub),
	}
}

// Send 按渠道路由通知
func (m *MultiNotifier) Send(ctx context.Context, n *Notification) error {
	var notifier Notifier

	switch n.Channel {
	case ChannelEmail:
		notifier = m.email
	case ChannelWebhook:
		notifier = m.webhook
	case ChannelWebSocket:
		notifier = m.websocket
	default:
		return fmt.Errorf("不支持的通知渠道: %s", n.Channel)
	}

	if notifier == nil {
		return fmt.Errorf("通知器未配置: %s", n.Channel)
	}

	return notifier.Send(ctx, n)
}

// EmailNotifier 邮件通知器
type EmailNotifier struct {
	config    *config.EmailConfig
	templates *template.Template
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(cfg *config.EmailConfig) *EmailNotifier {
	if cfg == nil || cfg.SMTPHost == "" {
		return nil
	}

	var templates *template.Template
	if cfg.TemplatePath != "" {
		templates, _ = template.ParseGlob(cfg.TemplatePath)
	}

	return &EmailNotifier{
		config:    cfg,
		templates: templates,
	}
}

// Send 发送邮件
func (e *EmailNotifier) Send(ctx context.Context, n *Notification) error {
	if e == nil || e.config == nil {
		return fmt.Errorf("邮件未配置")
	}
	if n.Target == "" {
		return fmt.Errorf("邮件通知缺少收件地址")
	}

	// 构建邮件内容
	var body bytes.Buffer

	// 如果有模板，使用类别对应的模板渲染
	if e.templates != nil {
		if tmpl := e.templates.Lookup(string(n.Category) + ".html"); tmpl != nil {
			if err := tmpl.Execute(&body, n.DataMap()); err != nil {
				return fmt.Errorf("渲染邮件模板失败: %w", err)
			}
		} else {
			body.WriteString(n.Body)
		}
	} else {
		body.WriteString(n.Body)
	}

	// 构建 MIME 邮件
	message := fmt.Sprintf(
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		e.config.FromName,
		e.config.From,
		n.Target,
		n.Subject,
		body.String(),
	)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)

	err := smtp.SendMail(
		addr,
		auth,
		e.config.From,
		[]string{n.Target},
		[]byte(message),
	)

	if err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}

	return nil
}

// WebhookNotifier Webhook 通知器
type WebhookNotifier struct {
	config *config.WebhookConfig
	client *httputil.Client
}

// NewWebhookNotifier 创建 Webhook 通知器，失败时带退避重试
func NewWebhookNotifier(cfg *config.WebhookConfig) *WebhookNotifier {
	if cfg == nil {
		cfg = &config.WebhookConfig{}
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	headers := map[string]string{
		"User-Agent": "ComplianceFlow-Notifier/1.0",
	}
	for key, value := range cfg.Headers {
		headers[key] = value
	}

	return &WebhookNotifier{
		config: cfg,
		client: httputil.NewClient(
			httputil.WithTimeout(timeout),
			httputil.WithHeaders(headers),
			httputil.WithRetries(2),
		),
	}
}

// Send 发送 Webhook
func (w *WebhookNotifier) Send(ctx context.Context, n *Notification) error {
	url := n.Target
	if url == "" {
		url = w.config.DefaultURL
	}
	if url == "" {
		return fmt.Errorf("Webhook URL 未配置")
	}

	payload := map[string]any{
		"category":  n.Category,
		"subject":   n.Subject,
		"body":      n.Body,
		"refType":   n.RefType,
		"refId":     n.RefID,
		"data":      n.DataMap(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := w.client.PostJSON(ctx, url, payload, nil); err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	return nil
}

// WebSocketNotifier WebSocket 通知器
type WebSocketNotifier struct {
	hub *WebSocketHub
}

// NewWebSocketNotifier 创建 WebSocket 通知器
func NewWebSocketNotifier(hub *WebSocketHub) *WebSocketNotifier {
	return &WebSocketNotifier{hub: hub}
}

// Send 发送 WebSocket 消息
func (ws *WebSocketNotifier) Send(ctx context.Context, n *Notification) error {
	if ws == nil || ws.hub == nil {
		return fmt.Errorf("WebSocket hub 未配置")
	}
	if n.RecipientID == "" {
		return fmt.Errorf("WebSocket 通知缺少接收用户")
	}
	payload := map[string]any{
		"id":        n.ID,
		"category":  n.Category,
		"subject":   n.Subject,
		"body":      n.Body,
		"refType":   n.RefType,
		"refId":     n.RefID,
		"data":      n.DataMap(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return ws.hub.SendToUser(n.RecipientID, payload)
}
