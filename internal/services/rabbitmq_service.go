package services

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dispatch queue names. Text and media run through separate queues so their
// concurrency and rate limits are independent.
const (
	QueueDispatchText     = "dispatch_text"
	QueueDispatchTextDLQ  = "dispatch_text_dlq"
	QueueDispatchMedia    = "dispatch_media"
	QueueDispatchMediaDLQ = "dispatch_media_dlq"
)

type RabbitMQService struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// GetChannel returns the RabbitMQ channel (for use by other services)
func (s *RabbitMQService) GetChannel() *amqp.Channel {
	return s.channel
}

func NewRabbitMQService() (*RabbitMQService, error) {
	// Get RabbitMQ connection details from environment
	host := getEnv("RABBITMQ_HOST", "localhost")
	port := getEnv("RABBITMQ_PORT", "5672")
	user := getEnv("RABBITMQ_USER", "guest")
	pass := getEnv("RABBITMQ_PASS", "guest")

	url := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	service := &RabbitMQService{
		conn:    conn,
		channel: channel,
	}

	// Declare the dispatch queues and their DLQs up front
	for _, pair := range [][2]string{
		{QueueDispatchText, QueueDispatchTextDLQ},
		{QueueDispatchMedia, QueueDispatchMediaDLQ},
	} {
		if err := service.declareQueueWithDLQ(pair[0], pair[1]); err != nil {
			channel.Close()
			conn.Close()
			return nil, err
		}
	}

	log.Printf("RabbitMQ service initialized successfully")
	return service, nil
}

func (s *RabbitMQService) declareQueueWithDLQ(queueName, dlqName string) error {
	_, err := s.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	// Dead-lettered jobs are kept for inspection, then expire
	retentionHours := getEnvAsInt("DISPATCH_DLQ_RETENTION_HOURS", 24)
	_, err = s.channel.QueueDeclare(
		dlqName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-message-ttl": int32(retentionHours * 3600 * 1000),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlqName, err)
	}

	return nil
}

// Publish publishes a JSON message to the specified queue
func (s *RabbitMQService) Publish(queueName string, payload interface{}, headers amqp.Table) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.channel.Publish(
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers:      headers,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Close closes the RabbitMQ connection
func (s *RabbitMQService) Close() error {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Printf("Error closing channel: %v", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("Error closing connection: %v", err)
		}
	}
	return nil
}

// getEnv gets environment variable with fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
