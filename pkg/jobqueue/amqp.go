package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/warptools/sciflo/pkg/logging"
)

// AMQPQueue publishes jobs to a RabbitMQ queue and collects replies
// on an exclusive reply queue, matched by correlation id.
type AMQPQueue struct {
	conn      *amqp.Connection
	sendCh    *amqp.Channel
	replyName string

	mu      sync.Mutex
	results map[string]Result
	closed  chan struct{}
}

// DialAMQP connects and starts consuming replies.
func DialAMQP(ctx context.Context, address string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	sendCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	recvCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	q, err := recvCh.QueueDeclare(
		"",    // name chosen by the server
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	deliveries, err := recvCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	aq := &AMQPQueue{
		conn:      conn,
		sendCh:    sendCh,
		replyName: q.Name,
		results:   map[string]Result{},
		closed:    make(chan struct{}),
	}
	go aq.collect(ctx, deliveries)
	return aq, nil
}

func (q *AMQPQueue) collect(ctx context.Context, deliveries <-chan amqp.Delivery) {
	log := logging.Ctx(ctx)
	defer close(q.closed)
	for m := range deliveries {
		var r Result
		if err := json.Unmarshal(m.Body, &r); err != nil {
			log.Info(LOG_TAG, "dropping unreadable reply for task %s: %s", m.CorrelationId, err)
			continue
		}
		r.TaskID = m.CorrelationId
		q.mu.Lock()
		q.results[r.TaskID] = r
		q.mu.Unlock()
	}
}

func (q *AMQPQueue) Submit(ctx context.Context, queue string, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	id := uuid.NewString()
	msg := amqp.Publishing{
		CorrelationId: id,
		ContentType:   "application/json",
		ReplyTo:       q.replyName,
		DeliveryMode:  amqp.Persistent,
		Priority:      uint8(clampPriority(p.Context.Priority)),
		Body:          body,
	}
	err = q.sendCh.Publish(
		"",    // exchange
		queue, // routing-key
		false, // mandatory
		false, // immediate
		msg)
	if err != nil {
		return "", fmt.Errorf("publishing job to %s: %w", queue, err)
	}
	return id, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return p
}

func (q *AMQPQueue) Results(ctx context.Context, taskIDs []string) (map[string]Result, error) {
	select {
	case <-q.closed:
		return nil, fmt.Errorf("reply channel closed")
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Result, len(taskIDs))
	for _, id := range taskIDs {
		if r, ok := q.results[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

// ServeAMQP consumes jobs from queue and answers each on its reply-to queue
// until ctx is done or the connection drops.
func ServeAMQP(ctx context.Context, address string, queue string) error {
	log := logging.Ctx(ctx)
	conn, err := amqp.Dial(address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	log.Info(LOG_TAG, "serving jobs from %s", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var p Payload
			var res Result
			if err := json.Unmarshal(m.Body, &p); err != nil {
				res = Result{TaskID: m.CorrelationId, Error: "unreadable job: " + err.Error()}
			} else {
				log.Debug(LOG_TAG, "running job %s (%s)", m.CorrelationId, p.Handler)
				res = runPayload(ctx, m.CorrelationId, p)
			}
			body, err := json.Marshal(res)
			if err != nil {
				body, _ = json.Marshal(Result{TaskID: m.CorrelationId, Error: "unserializable result: " + err.Error()})
			}
			if m.ReplyTo != "" {
				err = ch.Publish("", m.ReplyTo, false, false, amqp.Publishing{
					CorrelationId: m.CorrelationId,
					ContentType:   "application/json",
					Body:          body,
				})
				if err != nil {
					log.Info(LOG_TAG, "replying to job %s: %s", m.CorrelationId, err)
				}
			}
			m.Ack(false)
		}
	}
}
