package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestPublisherMirrorsTaskEvents(t *testing.T) {
	ns := runServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 8)
	_, err = sub.ChanSubscribe("guppybot.ci.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	nc, err := Connect(ns.ClientURL(), zerolog.Nop())
	require.NoError(t, err)
	p := NewPublisher(nc, zerolog.Nop())

	require.NoError(t, p.TaskStarted(TaskEvent{RunID: "r1", TaskNr: 1, TaskName: "build"}))
	require.NoError(t, p.TaskDone(TaskEvent{RunID: "r1", TaskNr: 1, Failed: true}))
	require.NoError(t, p.Close())

	got := func() (*nats.Msg, TaskEvent) {
		select {
		case m := <-msgs:
			var ev TaskEvent
			require.NoError(t, json.Unmarshal(m.Data, &ev))
			return m, ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return nil, TaskEvent{}
		}
	}

	m, ev := got()
	assert.Equal(t, SubjectTaskStart, m.Subject)
	assert.Equal(t, "build", ev.TaskName)

	m, ev = got()
	assert.Equal(t, SubjectTaskDone, m.Subject)
	assert.True(t, ev.Failed)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.RunAccepted(RunAccepted{RunID: "r"}))
	assert.NoError(t, p.TaskData(TaskEvent{}))
	assert.NoError(t, p.Close())
}
