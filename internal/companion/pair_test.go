package companion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairTransportRoundTrip(t *testing.T) {
	a, b := NewPair()
	b.SetHandler(func(msg Message) Message {
		return Message{Kind: KindReply, Status: StatusSuccess}
	})

	reply, err := a.Request(context.Background(), Message{Kind: KindRequest, Request: RequestFavorites})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, reply.Status)
}

func TestPairTransportLinkDownSeversBothEnds(t *testing.T) {
	a, b := NewPair()
	b.SetHandler(func(Message) Message { return Message{Kind: KindReply, Status: StatusSuccess} })
	a.SetHandler(func(Message) Message { return Message{Kind: KindReply, Status: StatusSuccess} })

	a.SetReachable(false)
	assert.False(t, a.Reachable())
	assert.False(t, b.Reachable())

	_, err := a.Request(context.Background(), Message{Kind: KindRequest, Request: RequestFavorites})
	require.ErrorIs(t, err, ErrPairUnreachable)
	require.ErrorIs(t, b.Push(Message{Kind: KindPush}), ErrPairUnreachable)

	b.SetReachable(true)
	assert.True(t, a.Reachable())

	_, err = a.Request(context.Background(), Message{Kind: KindRequest, Request: RequestFavorites})
	require.NoError(t, err)
}

func TestPairTransportClosedEndUnreachable(t *testing.T) {
	a, b := NewPair()
	require.NoError(t, b.Close())
	assert.False(t, a.Reachable())
}
