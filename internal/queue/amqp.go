package queue

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"
)

// AMQPQueue publishes send jobs to a durable RabbitMQ queue.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects and declares the durable send-job queue with priority
// support.
func DialAMQP(url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if _, err := DeclareSendJobQueue(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPQueue{conn: conn, ch: ch}, nil
}

// DeclareSendJobQueue declares the shared queue; publisher and worker both
// call it so either side can start first.
func DeclareSendJobQueue(ch *amqp.Channel) (amqp.Queue, error) {
	return ch.QueueDeclare(
		SendJobQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(10)},
	)
}

func (q *AMQPQueue) PublishSendJobs(jobs []SendJob) error {
	for _, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return err
		}

		err = q.ch.Publish(
			"",
			SendJobQueue,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    job.JobID,
				Priority:     job.Priority,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish job %s: %w", job.JobID, err)
		}
	}
	log.Printf("📬 %d send jobs published to %s", len(jobs), SendJobQueue)
	return nil
}

func (q *AMQPQueue) Close() {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}

var _ Publisher = (*AMQPQueue)(nil)
