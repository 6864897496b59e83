// Package events публикует события жизненного цикла записей на курсы.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

const (
	// Exchange задаёт topic-обменник для событий записей.
	Exchange = "enrollment_events"

	RoutingKeyCompleted = "enrollment.completed"
	RoutingKeyRefunded  = "enrollment.refunded"
)

// EnrollmentEvent описывает событие перехода записи в новое состояние.
type EnrollmentEvent struct {
	EventID       uuid.UUID           `json:"eventId"`
	EnrollmentID  uuid.UUID           `json:"enrollmentId"`
	StudentID     uuid.UUID           `json:"studentId"`
	CourseID      uuid.UUID           `json:"courseId"`
	PaymentStatus model.PaymentStatus `json:"paymentStatus"`
	PaymentMethod string              `json:"paymentMethod"`
	Amount        int64               `json:"amount"`
	RefID         string              `json:"refId,omitempty"`
	OccurredAt    time.Time           `json:"occurredAt"`
}

// NewEnrollmentEvent строит событие по состоянию записи.
func NewEnrollmentEvent(e *model.Enrollment, at time.Time) EnrollmentEvent {
	return EnrollmentEvent{
		EventID:       uuid.New(),
		EnrollmentID:  e.ID,
		StudentID:     e.StudentID,
		CourseID:      e.CourseID,
		PaymentStatus: e.PaymentStatus,
		PaymentMethod: e.PaymentMethod,
		Amount:        e.PaymentAmount,
		RefID:         e.PaymentRefID,
		OccurredAt:    at.UTC(),
	}
}

// Publisher публикует события записей.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event EnrollmentEvent) error
	Close()
}

// NopPublisher используется, когда брокер не настроен: события только журналируются.
type NopPublisher struct {
	Logger *zap.Logger
}

// Publish журналирует пропущенное событие.
func (p *NopPublisher) Publish(ctx context.Context, routingKey string, event EnrollmentEvent) error {
	if p.Logger != nil {
		p.Logger.Debug("event publish skipped",
			zap.String("routing_key", routingKey),
			zap.String("enrollment_id", event.EnrollmentID.String()),
		)
	}
	return nil
}

// Close ничего не делает.
func (p *NopPublisher) Close() {}

// AMQPPublisher публикует события в RabbitMQ.
type AMQPPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher подключается к RabbitMQ и объявляет обменник событий.
func NewAMQPPublisher(amqpURL string, logger *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	p := &AMQPPublisher{conn: conn, logger: logger}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.channel = ch
	return nil
}

// Publish отправляет событие; при ошибке канала переоткрывает его и повторяет отправку один раз.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, event EnrollmentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID.String(),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, Exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel",
		zap.String("routing_key", routingKey),
		zap.Error(err),
	)
	if reopenErr := p.openChannel(); reopenErr != nil {
		return fmt.Errorf("publish %s: %w", routingKey, errors.Join(err, reopenErr))
	}
	if err := p.channel.PublishWithContext(ctx, Exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close закрывает канал и соединение с брокером.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
