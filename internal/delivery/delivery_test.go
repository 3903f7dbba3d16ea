package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/delivery"
	"github.com/Tyrowin/pairchat/internal/fanout"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/store"
	"github.com/Tyrowin/pairchat/internal/store/storetest"
)

type fakeChannel struct {
	id  string
	err error

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Push(_ context.Context, payload []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, payload)
	return nil
}

func (c *fakeChannel) events(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, f := range c.frames {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

type env struct {
	store       *store.Store
	ledger      *chat.Ledger
	registry    *registry.Registry
	coordinator *delivery.Coordinator
	alice       auth.Identity
	bob         auth.Identity
	mallory     auth.Identity
}

func newEnv(t *testing.T) env {
	t.Helper()
	log := logger.NewNop()
	s := storetest.New(t)
	reg := registry.New(log)
	resolver := chat.NewResolver(s, log)
	ledger := chat.NewLedger(s, log)
	identity := func(name string) auth.Identity {
		u := storetest.User(t, s, name)
		return auth.Identity{UserID: u.ID, Username: u.Username}
	}
	return env{
		store:       s,
		ledger:      ledger,
		registry:    reg,
		coordinator: delivery.NewCoordinator(resolver, ledger, reg, fanout.NewLocal(reg, time.Second, log), log),
		alice:       identity("alice"),
		bob:         identity("bob"),
		mallory:     identity("mallory"),
	}
}

func jsonFrame(sender, chatID, recipient int64, body string) []byte {
	raw, _ := json.Marshal(delivery.Frame{SenderID: sender, ChatID: chatID, RecipientID: recipient, Body: body})
	return raw
}

func TestFirstContactResolvesAndDelivers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)

	aliceCh := &fakeChannel{id: "alice-1"}
	bobCh := &fakeChannel{id: "bob-1"}
	alice := e.coordinator.Open(e.alice, aliceCh)
	e.coordinator.Open(e.bob, bobCh)
	req.Equal(delivery.StateOpen, alice.State())
	req.Equal(e.alice, alice.Identity())

	msg, err := alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "hi bob"))
	req.NoError(err)
	req.EqualValues(1, msg.Seq)
	req.Equal(msg.ChatID, alice.LastChat())

	events := bobCh.events(t)
	req.Len(events, 1)
	req.Equal(delivery.EventMessage, events[0]["event"])
	req.Equal("hi bob", events[0]["body"])
	req.Equal("alice", events[0]["sender_username"])
	req.EqualValues(msg.ChatID, events[0]["chat_id"])
	req.EqualValues(e.alice.UserID, events[0]["sender_id"])
	req.Empty(aliceCh.events(t))

	// A reply with the chat id lands in the same chat.
	bob := e.coordinator.Open(e.bob, &fakeChannel{id: "bob-2"})
	reply, err := bob.HandleFrame(ctx, jsonFrame(e.bob.UserID, msg.ChatID, 0, "hi alice"))
	req.NoError(err)
	req.Equal(msg.ChatID, reply.ChatID)
	req.EqualValues(2, reply.Seq)
	req.Len(aliceCh.events(t), 1)
}

func TestLegacyFrame(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	alice := e.coordinator.Open(e.alice, &fakeChannel{id: "alice"})

	raw := fmt.Sprintf("%d_0_%d_see_you_at_noon", e.alice.UserID, e.bob.UserID)
	_, err := alice.HandleFrame(context.Background(), []byte(raw))
	req.NoError(err)
	req.Equal("see_you_at_noon", bobCh.events(t)[0]["body"])
}

func TestSpoofedAndBadFramesAreDropped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	mallory := e.coordinator.Open(e.mallory, &fakeChannel{id: "mallory"})

	_, err := mallory.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "it's alice, honest"))
	req.ErrorIs(err, delivery.ErrSpoofedSender)

	_, err = mallory.HandleFrame(ctx, []byte("garbage"))
	req.ErrorIs(err, apperr.ErrInvalid)

	_, err = mallory.HandleFrame(ctx, jsonFrame(e.mallory.UserID, 0, e.mallory.UserID, "me, myself"))
	req.ErrorIs(err, apperr.ErrInvalid)

	req.Empty(bobCh.events(t))
	req.Equal(delivery.StateOpen, mallory.State())

	// The session keeps working after dropped frames.
	_, err = mallory.HandleFrame(ctx, jsonFrame(e.mallory.UserID, 0, e.bob.UserID, "hello"))
	req.NoError(err)
	req.Len(bobCh.events(t), 1)
}

func TestNonParticipantCannotPostIntoChat(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)
	alice := e.coordinator.Open(e.alice, &fakeChannel{id: "alice"})
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)

	msg, err := alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "private"))
	req.NoError(err)

	mallory := e.coordinator.Open(e.mallory, &fakeChannel{id: "mallory"})
	_, err = mallory.HandleFrame(ctx, jsonFrame(e.mallory.UserID, msg.ChatID, 0, "intrusion"))
	req.ErrorIs(err, apperr.ErrForbidden)
	req.Len(bobCh.events(t), 1)
}

func TestOfflineRecipientFindsHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)

	msg, err := e.coordinator.Send(ctx, e.alice, delivery.SendRequest{RecipientID: e.bob.UserID, Body: "while you were out"})
	req.NoError(err)

	page, err := e.ledger.Page(ctx, msg.ChatID, e.bob.UserID, 0, 10, chat.OrderAsc)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal("while you were out", page.Messages[0].Content)

	unread, err := e.ledger.UnreadCount(ctx, msg.ChatID, e.bob.UserID)
	req.NoError(err)
	req.EqualValues(1, unread)

	_, err = e.coordinator.Send(ctx, e.alice, delivery.SendRequest{Body: "to whom?"})
	req.ErrorIs(err, apperr.ErrInvalid)
}

// failMessageInserts makes the next n inserts into messages fail with a
// driver-level error and reports how many inserts were attempted.
func failMessageInserts(t *testing.T, s *store.Store) (fail func(n int32), attempts *atomic.Int32) {
	t.Helper()
	var remaining atomic.Int32
	attempts = &atomic.Int32{}
	err := s.DB().Callback().Create().Before("gorm:create").Register("test:fail_messages", func(db *gorm.DB) {
		if db.Statement.Table != "messages" {
			return
		}
		attempts.Add(1)
		if remaining.Load() > 0 {
			remaining.Add(-1)
			_ = db.AddError(errors.New("connection reset by peer"))
		}
	})
	require.NoError(t, err)
	return func(n int32) { remaining.Store(n) }, attempts
}

func TestSendRetriesTransientAppendOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)
	fail, attempts := failMessageInserts(t, e.store)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	alice := e.coordinator.Open(e.alice, &fakeChannel{id: "alice"})

	fail(1)
	msg, err := alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "second time lucky"))
	req.NoError(err)
	req.EqualValues(1, msg.Seq)
	req.EqualValues(2, attempts.Load())
	req.Len(bobCh.events(t), 1)

	attempts.Store(0)
	fail(2)
	_, err = alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, msg.ChatID, 0, "unlucky twice"))
	req.ErrorIs(err, apperr.ErrTransient)
	req.EqualValues(2, attempts.Load())
	req.Equal(delivery.StateOpen, alice.State())
	req.Len(bobCh.events(t), 1)

	page, err := e.ledger.Page(ctx, msg.ChatID, e.bob.UserID, 0, 10, chat.OrderAsc)
	req.NoError(err)
	req.EqualValues(1, page.TotalCount)

	// The failed attempts rolled back, so the next seq follows on.
	next, err := alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, msg.ChatID, 0, "back to normal"))
	req.NoError(err)
	req.EqualValues(2, next.Seq)
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	broken := &fakeChannel{id: "bob-broken", err: errors.New("write: broken pipe")}
	healthy := &fakeChannel{id: "bob-healthy"}
	e.coordinator.Open(e.bob, broken)
	e.coordinator.Open(e.bob, healthy)

	_, err := e.coordinator.Send(context.Background(), e.alice, delivery.SendRequest{RecipientID: e.bob.UserID, Body: "anyone?"})
	req.NoError(err)
	req.Len(healthy.events(t), 1)
}

func TestCloseNotifiesCounterpartOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	alice := e.coordinator.Open(e.alice, &fakeChannel{id: "alice"})

	msg, err := alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "bye soon"))
	req.NoError(err)

	alice.Close(ctx)
	alice.Close(ctx)
	req.Equal(delivery.StateTerminal, alice.State())
	req.False(e.registry.Connected(e.alice.UserID))

	events := bobCh.events(t)
	req.Len(events, 2)
	req.Equal(delivery.EventParticipantLeft, events[1]["event"])
	req.EqualValues(msg.ChatID, events[1]["chat_id"])
	req.Equal("alice", events[1]["username"])

	_, err = alice.HandleFrame(ctx, jsonFrame(e.alice.UserID, msg.ChatID, 0, "ghost"))
	req.ErrorIs(err, delivery.ErrSessionClosed)
}

func TestCloseNotifiesEvenWithOtherSocketOpen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	phone := e.coordinator.Open(e.alice, &fakeChannel{id: "alice-phone"})
	e.coordinator.Open(e.alice, &fakeChannel{id: "alice-laptop"})

	msg, err := phone.HandleFrame(ctx, jsonFrame(e.alice.UserID, 0, e.bob.UserID, "switching devices"))
	req.NoError(err)

	phone.Close(ctx)
	req.True(e.registry.Connected(e.alice.UserID))

	events := bobCh.events(t)
	req.Len(events, 2)
	req.Equal(delivery.EventMessage, events[0]["event"])
	req.Equal(delivery.EventParticipantLeft, events[1]["event"])
	req.EqualValues(msg.ChatID, events[1]["chat_id"])
	req.EqualValues(e.alice.UserID, events[1]["user_id"])
}

func TestCloseWithoutChatSendsNothing(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	bobCh := &fakeChannel{id: "bob"}
	e.coordinator.Open(e.bob, bobCh)
	alice := e.coordinator.Open(e.alice, &fakeChannel{id: "alice"})

	alice.Close(context.Background())
	req.Empty(bobCh.events(t))
	req.Equal(registry.Stats{
		ConnectedUsers:   []int64{e.bob.UserID},
		UserConnections:  map[int64]int{e.bob.UserID: 1},
		TotalConnections: 1,
	}, e.registry.Snapshot())
}
