package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	// SubjectRunAccepted is published once a CI run has been parsed and
	// answered.
	SubjectRunAccepted = "guppybot.ci.run.accepted"
	// SubjectTaskStart is published when a worker picks up a task.
	SubjectTaskStart = "guppybot.ci.task.start"
	// SubjectTaskData carries console output chunks.
	SubjectTaskData = "guppybot.ci.task.data"
	// SubjectTaskDone is published when a task finishes.
	SubjectTaskDone = "guppybot.ci.task.done"
)

// RunAccepted mirrors the reply sent to the registry for a new run.
type RunAccepted struct {
	RunID       string    `json:"run_id"`
	RepoURL     string    `json:"repo_url"`
	Ref         string    `json:"ref,omitempty"`
	Commit      string    `json:"commit"`
	TaskCount   int       `json:"task_count"`
	FailedEarly bool      `json:"failed_early"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskEvent is shared by the start, data and done subjects.
type TaskEvent struct {
	RunID     string    `json:"run_id"`
	TaskNr    uint64    `json:"task_nr"`
	TaskName  string    `json:"task_name,omitempty"`
	PartNr    uint64    `json:"part_nr,omitempty"`
	Data      string    `json:"data,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("guppybot"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", natsURL).Msg("connected to NATS server")
	return nc, nil
}

// Publisher mirrors CI events onto NATS. A nil Publisher drops
// everything, so callers need not check whether mirroring is enabled.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewPublisher(nc *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, log: log}
}

func (p *Publisher) publish(subject string, v any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
		return err
	}
	return nil
}

func (p *Publisher) RunAccepted(ev RunAccepted) error {
	return p.publish(SubjectRunAccepted, ev)
}

func (p *Publisher) TaskStarted(ev TaskEvent) error {
	return p.publish(SubjectTaskStart, ev)
}

func (p *Publisher) TaskData(ev TaskEvent) error {
	return p.publish(SubjectTaskData, ev)
}

func (p *Publisher) TaskDone(ev TaskEvent) error {
	return p.publish(SubjectTaskDone, ev)
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.nc.Drain()
}
