package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowzap/flowzap-backend/internal/gateway"
	"github.com/flowzap/flowzap-backend/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// TextDispatchJob is one outbound text send
type TextDispatchJob struct {
	Phone       string                    `json:"phone"`
	Message     string                    `json:"message"`
	Credentials models.GatewayCredentials `json:"credentials"`
	ExecutionID string                    `json:"executionId,omitempty"`
}

// MediaDispatchJob is one outbound media send
type MediaDispatchJob struct {
	Phone       string                    `json:"phone"`
	MediaType   string                    `json:"mediaType"`
	URL         string                    `json:"url"`
	Caption     string                    `json:"caption"`
	Credentials models.GatewayCredentials `json:"credentials"`
	ExecutionID string                    `json:"executionId,omitempty"`
}

// Dispatcher is the engine's only path for outbound sends. Node handlers
// enqueue and move on; network latency and gateway failures stay out of the
// flow interpretation loop.
type Dispatcher interface {
	EnqueueText(job TextDispatchJob) error
	EnqueueMedia(job MediaDispatchJob) error
}

const (
	dispatchMaxRetries   = 3
	dispatchRetryBaseSec = 10
)

// DispatchService runs the outbound send queues over RabbitMQ. Each queue has
// its own worker, prefetch-based concurrency cap, rate limiter, retry budget
// and DLQ.
type DispatchService struct {
	rabbitMQ      *RabbitMQService
	sender        gateway.WhatsAppSender
	textLimiter   *rate.Limiter
	mediaLimiter  *rate.Limiter
	textStopChan  chan bool
	mediaStopChan chan bool
}

func NewDispatchService(rabbitMQ *RabbitMQService, sender gateway.WhatsAppSender) *DispatchService {
	// Send rates stay conservative: the gateway bans numbers that blast
	textPerMin := getEnvAsInt("DISPATCH_TEXT_PER_MINUTE", 30)
	mediaPerMin := getEnvAsInt("DISPATCH_MEDIA_PER_MINUTE", 10)

	return &DispatchService{
		rabbitMQ:      rabbitMQ,
		sender:        sender,
		textLimiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(textPerMin)), 5),
		mediaLimiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(mediaPerMin)), 2),
		textStopChan:  make(chan bool),
		mediaStopChan: make(chan bool),
	}
}

// EnqueueText queues a text send
func (s *DispatchService) EnqueueText(job TextDispatchJob) error {
	if job.Credentials.InstanceID == "" || job.Credentials.APIKey == "" {
		return fmt.Errorf("missing gateway credentials for organization")
	}
	return s.rabbitMQ.Publish(QueueDispatchText, job, nil)
}

// EnqueueMedia queues a media send
func (s *DispatchService) EnqueueMedia(job MediaDispatchJob) error {
	if job.Credentials.InstanceID == "" || job.Credentials.APIKey == "" {
		return fmt.Errorf("missing gateway credentials for organization")
	}
	return s.rabbitMQ.Publish(QueueDispatchMedia, job, nil)
}

// StartWorkers starts the text and media consumers
func (s *DispatchService) StartWorkers() error {
	if err := s.startWorker(QueueDispatchText, s.textStopChan, s.handleTextMessage); err != nil {
		return err
	}
	return s.startWorker(QueueDispatchMedia, s.mediaStopChan, s.handleMediaMessage)
}

// StopWorkers stops both consumers
func (s *DispatchService) StopWorkers() {
	logrus.Info("[DispatchWorker] Stopping...")
	close(s.textStopChan)
	close(s.mediaStopChan)
}

func (s *DispatchService) startWorker(queueName string, stopChan chan bool, handle func([]byte) error) error {
	// Prefetch caps how many sends are in flight per queue
	err := s.rabbitMQ.channel.Qos(getEnvAsInt("DISPATCH_CONCURRENCY", 3), 0, false)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := s.rabbitMQ.channel.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack off: manual ack so failures can retry
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logrus.Infof("[DispatchWorker] Started, consuming from queue: %s", queueName)

	go func() {
		for {
			select {
			case <-stopChan:
				logrus.Infof("[DispatchWorker] %s worker stopped", queueName)
				return
			case msg, ok := <-msgs:
				if !ok {
					logrus.Warn("RabbitMQ channel closed")
					return
				}
				// Each delivery acks or nacks on its own; unacked deliveries
				// count against the prefetch window, so at most that many
				// sends run at once
				go s.processDelivery(queueName, msg, handle)
			}
		}
	}()

	return nil
}

func (s *DispatchService) processDelivery(queueName string, msg amqp.Delivery, handle func([]byte) error) {
	err := handle(msg.Body)
	if err == nil {
		msg.Ack(false)
		return
	}

	logrus.Errorf("Failed to process dispatch message on %s: %v", queueName, err)

	retryCount := retryCountFrom(msg.Headers)

	if retryCount >= dispatchMaxRetries {
		// Retry budget exhausted, let the nack route it to the DLQ. The
		// failure stays recorded there; it never reopens the execution.
		logrus.Errorf("Dispatch failed after %d retries, moving to DLQ", retryCount)
		msg.Nack(false, false)
		return
	}

	retryCount++
	logrus.Warnf("Dispatch failed, retry %d/%d after delay", retryCount, dispatchMaxRetries)
	msg.Nack(false, false)

	// Republish with backoff and the bumped retry count
	body := append([]byte(nil), msg.Body...)
	go func() {
		time.Sleep(RetryDelay(retryCount))
		err := s.rabbitMQ.Publish(queueName, json.RawMessage(body), amqp.Table{
			"x-retry-count": retryCount,
		})
		if err != nil {
			logrus.Errorf("Failed to republish dispatch message: %v", err)
		}
	}()
}

// retryCountFrom reads the x-retry-count header. Brokers hand the value back
// as different integer widths depending on how it was published.
func retryCountFrom(headers amqp.Table) int {
	retryHeader, ok := headers["x-retry-count"]
	if !ok {
		return 0
	}
	switch count := retryHeader.(type) {
	case int:
		return count
	case int32:
		return int(count)
	case int64:
		return int(count)
	default:
		return 0
	}
}

// RetryDelay returns the backoff before the given retry attempt: 10s, 20s, 30s
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(retryCount) * dispatchRetryBaseSec * time.Second
}

func (s *DispatchService) handleTextMessage(body []byte) error {
	var job TextDispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("invalid text job payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.textLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	return s.sender.SendText(ctx, job.Credentials, job.Phone, job.Message)
}

func (s *DispatchService) handleMediaMessage(body []byte) error {
	var job MediaDispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("invalid media job payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.mediaLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	return s.sender.SendMedia(ctx, job.Credentials, job.Phone, job.MediaType, job.URL, job.Caption)
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, fmt.Sprintf("%d", defaultValue))
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return defaultValue
	}
	if value <= 0 {
		return defaultValue
	}
	return value
}
