package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
)

const (
	// MailExchange receives email jobs; a mail worker outside this service
	// renders and sends them.
	MailExchange = "telehealth.mail"

	TemplateConfirmation = "appointment.confirmation"
	TemplateCancellation = "appointment.cancellation"
	TemplateReminder     = "appointment.reminder"
	TemplateDayReminder  = "appointment.day_reminder"
)

// EmailJob is the message body published for every email.
type EmailJob struct {
	Template      string    `json:"template"`
	To            string    `json:"to"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	AppointmentID string    `json:"appointmentId"`
	DateTime      time.Time `json:"dateTime"`
	Specialty     string    `json:"specialty"`
	Reason        string    `json:"reason,omitempty"`
	Status        string    `json:"status"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// QueueMailer turns mail requests into EmailJob messages.
type QueueMailer struct {
	publisher Publisher
}

func NewQueueMailer(p Publisher) *QueueMailer {
	return &QueueMailer{publisher: p}
}

func (m *QueueMailer) SendAppointmentConfirmation(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return m.send(ctx, TemplateConfirmation, appt, to)
}

func (m *QueueMailer) SendAppointmentCancellation(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return m.send(ctx, TemplateCancellation, appt, to)
}

func (m *QueueMailer) SendAppointmentReminder(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return m.send(ctx, TemplateReminder, appt, to)
}

func (m *QueueMailer) SendAppointmentDayReminder(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return m.send(ctx, TemplateDayReminder, appt, to)
}

func (m *QueueMailer) send(ctx context.Context, template string, appt appointment.Appointment, to appointment.User) error {
	if to.Email == "" {
		return fmt.Errorf("user %s has no email address", to.ID)
	}
	payload, err := json.Marshal(EmailJob{
		Template:      template,
		To:            to.Email,
		Name:          to.FullName(),
		Role:          string(to.Role),
		AppointmentID: appt.ID.String(),
		DateTime:      appt.DateTime.UTC(),
		Specialty:     appt.SpecialistCategory,
		Reason:        appt.Reason,
		Status:        string(appt.Status),
	})
	if err != nil {
		return fmt.Errorf("encode email job: %w", err)
	}
	return m.publisher.Publish(ctx, template, payload)
}

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
	mu       sync.Mutex
}

func NewRabbitMQPublisher(url string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		MailExchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("rabbitmq publisher connected", zap.String("exchange", MailExchange))

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: MailExchange,
		logger:   logger,
	}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.logger.Debug("email job published", zap.String("routing_key", routingKey), zap.Int("size", len(payload)))
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher stands in for RabbitMQ when no AMQP_URL is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.logger.Info("email job (not queued)", zap.String("routing_key", routingKey), zap.ByteString("payload", payload))
	return nil
}
