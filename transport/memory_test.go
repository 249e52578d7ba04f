package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectTopicMapping(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{"dossier/42/edit", "dossier.42.edit"},
		{"filter-presets", "filter-presets"},
		{"/participant/p1/filter-presets/", "participant.p1.filter-presets"},
		{"dossier/*/cursor", "dossier.*.cursor"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.subject, Subject(tt.topic))
		})
	}
	assert.Equal(t, "dossier/42/edit", Topic("dossier.42.edit"))
}

func TestMemoryChannel_DeliversToMatchingSubscribers(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	a := broker.NewChannel()
	b := broker.NewChannel()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	var mu sync.Mutex
	var got []string
	record := func(prefix string) Handler {
		return func(m Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, prefix+":"+m.Topic+":"+string(m.Payload))
		}
	}

	_, err := b.Subscribe("dossier/1/edit", record("exact"))
	require.NoError(t, err)
	_, err = b.Subscribe("dossier/*/edit", record("pattern"))
	require.NoError(t, err)
	_, err = b.Subscribe("dossier/2/edit", record("other"))
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, "dossier/1/edit", []byte(`"x"`)))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{
		`exact:dossier/1/edit:"x"`,
		`pattern:dossier/1/edit:"x"`,
	}, got)
	assert.Len(t, broker.Sent("dossier/1/edit"), 1)
}

func TestMemoryChannel_EchoesToSender(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	a := broker.NewChannel()
	require.NoError(t, a.Connect(ctx))

	count := 0
	_, err := a.Subscribe("t", func(Message) { count++ })
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, "t", []byte(`1`)))
	assert.Equal(t, 1, count)
}

func TestMemoryChannel_NotConnected(t *testing.T) {
	ctx := context.Background()
	ch := NewBroker().NewChannel()

	_, err := ch.Subscribe("t", func(Message) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, ch.Send(ctx, "t", nil), ErrNotConnected)
}

func TestMemoryChannel_ConnectIdempotentAndFailure(t *testing.T) {
	ctx := context.Background()
	ch := NewBroker().NewChannel()

	ch.FailNextConnect(errors.New("refused"))
	err := ch.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.False(t, ch.IsConnected())

	require.NoError(t, ch.Connect(ctx))
	require.NoError(t, ch.Connect(ctx))
	assert.True(t, ch.IsConnected())
}

func TestMemoryChannel_UnsubscribeAndDisconnect(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	ch := broker.NewChannel()
	require.NoError(t, ch.Connect(ctx))

	var states []bool
	ch.NotifyStatus(func(c bool) { states = append(states, c) })

	count := 0
	sub, err := ch.Subscribe("t", func(Message) { count++ })
	require.NoError(t, err)
	assert.Equal(t, "t", sub.Topic())
	assert.Equal(t, 1, ch.Subscriptions())

	require.NoError(t, sub.Unsubscribe())
	broker.Publish("t", []byte(`1`))
	assert.Equal(t, 0, count)

	_, err = ch.Subscribe("t", func(Message) { count++ })
	require.NoError(t, err)
	require.NoError(t, ch.Disconnect(ctx))
	assert.Equal(t, 0, ch.Subscriptions())
	broker.Publish("t", []byte(`1`))
	assert.Equal(t, 0, count)

	assert.Equal(t, []bool{false}, states)
}

func TestMemoryChannel_InvalidPattern(t *testing.T) {
	ch := NewBroker().NewChannel()
	require.NoError(t, ch.Connect(context.Background()))
	_, err := ch.Subscribe("dossier/[/edit", func(Message) {})
	assert.Error(t, err)
}
