package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpoint/qpmsg/internal/client/models"
)

const (
	me   int64 = 1
	una  int64 = 2
	bo   int64 = 3
	carl int64 = 4
)

type fixture struct {
	store  *fakeStore
	agg    *Aggregator
	thread *Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore(me)
	agg := NewAggregator(store, nil, nil)
	return &fixture{store: store, agg: agg, thread: NewThread(store, agg, agg, nil, nil)}
}

func fiveMessages() []models.Message {
	return []models.Message{
		msg(1, una, me, 1, "m1"),
		msg(2, me, una, 2, "m2"),
		msg(3, una, me, 3, "m3"),
		msg(4, una, me, 4, "m4"),
		msg(5, una, me, 5, "m5"),
	}
}

func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.setConvs(conv(una, "una", 2, "m5", 5))
	f.store.threads[una] = fiveMessages()
	require.NoError(t, f.agg.Load(ctx))

	c, _ := f.agg.Lookup(una)
	require.NoError(t, f.thread.Select(ctx, c))

	assert.Equal(t, Ready, f.thread.State())
	assert.Len(t, f.thread.Messages(), 5)
	c, _ = f.agg.Lookup(una)
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, 1, f.store.markCount(una))

	sent, err := f.thread.Send(ctx, "hello", models.TypeText, "")
	require.NoError(t, err)
	require.True(t, sent.HasID())
	assert.Equal(t, int64(101), *sent.ID)

	msgs := f.thread.Messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "hello", msgs[5].Content)
	assert.Equal(t, int64(101), *msgs[5].ID)
}

func TestSelectWithoutUnreadSkipsMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.threads[una] = fiveMessages()

	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "m5", 5)))
	assert.Zero(t, f.store.markCount(una))
}

func TestLiveReceiveWhileThreadOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.setConvs(conv(una, "una", 0, "m5", 5))
	f.store.threads[una] = fiveMessages()
	require.NoError(t, f.agg.Load(ctx))
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "m5", 5)))
	_, err := f.thread.Send(ctx, "hello", models.TypeText, "")
	require.NoError(t, err)

	pushed := msg(102, una, me, 200, "hi back")
	f.store.setConvs(conv(una, "una", 1, "hi back", 200))
	assert.True(t, f.thread.OnPush(pushed))
	require.NoError(t, f.agg.OnPush(ctx, pushed))

	msgs := f.thread.Messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, "hi back", msgs[6].Content)
	c, _ := f.agg.Lookup(una)
	assert.Equal(t, "hi back", c.LastMessagePreview)
}

func TestLiveReceiveWhileThreadClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.setConvs(conv(una, "una", 0, "m5", 5), conv(bo, "bo", 0, "yo", 1))
	f.store.threads[bo] = []models.Message{msg(9, bo, me, 1, "yo")}
	require.NoError(t, f.agg.Load(ctx))
	require.NoError(t, f.thread.Select(ctx, conv(bo, "bo", 0, "yo", 1)))

	pushed := msg(50, una, me, 60, "ping")
	f.store.setConvs(conv(una, "una", 1, "ping", 60), conv(bo, "bo", 0, "yo", 1))
	assert.False(t, f.thread.OnPush(pushed))
	require.NoError(t, f.agg.OnPush(ctx, pushed))

	assert.Equal(t, []string{"yo"}, contents(f.thread.Messages()))
	c, _ := f.agg.Lookup(una)
	assert.Equal(t, 1, c.UnreadCount)
}

func TestThreadIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.thread.Select(ctx, conv(bo, "bo", 0, "", 0)))

	for i, sender := range []int64{una, carl, me} {
		assert.False(t, f.thread.OnPush(msg(int64(200+i), sender, me, 10+i, "not for bo")))
	}
	assert.Empty(t, f.thread.Messages())
}

func TestPushIgnoredWhenUnselected(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.thread.OnPush(msg(1, una, me, 1, "x")))
	assert.Equal(t, Unselected, f.thread.State())
}

func TestMixedSendsAndPushesKeepStoreOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "", 0)))

	// acks are stamped at minute 100, 101, ...
	_, err := f.thread.Send(ctx, "s1", models.TypeText, "")
	require.NoError(t, err)
	f.thread.OnPush(msg(300, una, me, 102, "p2"))
	// delivered late, stamped before p2
	f.thread.OnPush(msg(301, una, me, 100, "p1"))
	_, err = f.thread.Send(ctx, "s3", models.TypeText, "")
	require.NoError(t, err)

	msgs := f.thread.Messages()
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "out of order at %d", i)
	}
	assert.Equal(t, []string{"s1", "p1", "s3", "p2"}, contents(msgs))
}

func TestDuplicateIDAppendedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "", 0)))

	m := msg(77, una, me, 10, "once")
	f.thread.OnPush(m)
	f.thread.OnPush(m)
	assert.Len(t, f.thread.Messages(), 1)

	// an echo of our own acknowledged send carries the same id
	sent, err := f.thread.Send(ctx, "mine", models.TypeText, "")
	require.NoError(t, err)
	echo := sent
	echo.SenderID = una
	f.thread.OnPush(echo)
	assert.Len(t, f.thread.Messages(), 2)
}

func TestSupersededSelectionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.threads[bo] = []models.Message{msg(20, bo, me, 1, "from bo")}

	releaseA := make(chan struct{})
	enteredA := make(chan struct{})
	f.store.fetchFn = func(ctx context.Context, other int64) ([]models.Message, error) {
		if other == una {
			close(enteredA)
			<-releaseA
			return []models.Message{msg(10, una, me, 1, "from una")}, nil
		}
		return []models.Message{msg(20, bo, me, 1, "from bo")}, nil
	}

	doneA := make(chan error)
	go func() { doneA <- f.thread.Select(ctx, conv(una, "una", 0, "", 0)) }()
	<-enteredA

	require.NoError(t, f.thread.Select(ctx, conv(bo, "bo", 0, "", 0)))
	close(releaseA)
	require.NoError(t, <-doneA)

	sel, ok := f.thread.Selected()
	require.True(t, ok)
	assert.Equal(t, bo, sel.OtherUserID)
	assert.Equal(t, []string{"from bo"}, contents(f.thread.Messages()))
	assert.Equal(t, Ready, f.thread.State())
}

func TestPushDuringLoadingIsMergedAfterHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	f.store.fetchFn = func(ctx context.Context, other int64) ([]models.Message, error) {
		close(entered)
		<-release
		// history already contains message 4, which was also pushed
		return []models.Message{msg(3, una, me, 3, "h3"), msg(4, una, me, 4, "h4")}, nil
	}

	done := make(chan error)
	go func() { done <- f.thread.Select(ctx, conv(una, "una", 0, "", 0)) }()
	<-entered

	assert.Equal(t, Loading, f.thread.State())
	assert.True(t, f.thread.OnPush(msg(4, una, me, 4, "h4")))
	assert.True(t, f.thread.OnPush(msg(5, una, me, 5, "p5")))
	assert.Empty(t, f.thread.Messages())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"h3", "h4", "p5"}, contents(f.thread.Messages()))
}

func TestSelectFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.threads[una] = fiveMessages()

	boom := errors.New("unreachable")
	f.store.fetchFn = func(ctx context.Context, other int64) ([]models.Message, error) { return nil, boom }

	err := f.thread.Select(ctx, conv(una, "una", 0, "", 0))
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "thread", ferr.Op)
	assert.Equal(t, Failed, f.thread.State())
	assert.Error(t, f.thread.Err())

	f.store.mu.Lock()
	f.store.fetchFn = nil
	f.store.mu.Unlock()
	require.NoError(t, f.thread.Retry(ctx))
	assert.Equal(t, Ready, f.thread.State())
	assert.NoError(t, f.thread.Err())
	assert.Len(t, f.thread.Messages(), 5)
}

func TestRetryWithoutSelection(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.thread.Retry(context.Background()), ErrNoSelection)
}

func TestMarkReadFailureDoesNotBlockHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.setConvs(conv(una, "una", 2, "m5", 5))
	f.store.threads[una] = fiveMessages()
	require.NoError(t, f.agg.Load(ctx))

	boom := errors.New("mark failed")
	f.store.markFn = func(ctx context.Context, other int64) error { return boom }

	err := f.thread.Select(ctx, conv(una, "una", 2, "m5", 5))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Ready, f.thread.State())
	assert.Len(t, f.thread.Messages(), 5)
	c, _ := f.agg.Lookup(una)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestSendFailureLeavesThreadUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.threads[una] = fiveMessages()
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "", 0)))

	boom := errors.New("503")
	f.store.sendFn = func(ctx context.Context, req models.SendRequest) (models.Message, error) {
		return models.Message{}, boom
	}

	_, err := f.thread.Send(ctx, "lost", models.TypeText, "")
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, f.thread.Messages(), 5)
	assert.Equal(t, Ready, f.thread.State())
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.thread.Send(ctx, "hi", models.TypeText, "")
	assert.ErrorIs(t, err, ErrNoSelection)

	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "", 0)))

	_, err = f.thread.Send(ctx, "   ", models.TypeText, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.thread.Send(ctx, "", models.TypeImage, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.thread.Send(ctx, "caption", models.TypeText, "img://1")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, f.store.sendCount())

	sent, err := f.thread.Send(ctx, "", models.TypeImage, "img://1")
	require.NoError(t, err)
	assert.Equal(t, models.TypeImage, sent.Type)
}

func TestSendAckNotAppendedAfterSelectionChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.threads[bo] = []models.Message{msg(20, bo, me, 1, "from bo")}
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "", 0)))

	release := make(chan struct{})
	entered := make(chan struct{})
	f.store.sendFn = func(ctx context.Context, req models.SendRequest) (models.Message, error) {
		close(entered)
		<-release
		return msg(500, me, req.ReceiverID, 300, req.Content), nil
	}

	done := make(chan error)
	go func() {
		_, err := f.thread.Send(ctx, "to una", models.TypeText, "")
		done <- err
	}()
	<-entered

	require.NoError(t, f.thread.Select(ctx, conv(bo, "bo", 0, "", 0)))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"from bo"}, contents(f.thread.Messages()))
}

func TestSendRefreshesConversationList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.setConvs(conv(una, "una", 0, "old", 1))
	require.NoError(t, f.agg.Load(ctx))
	require.NoError(t, f.thread.Select(ctx, conv(una, "una", 0, "old", 1)))

	f.store.setConvs(conv(una, "una", 0, "new", 100))
	_, err := f.thread.Send(ctx, "new", models.TypeText, "")
	require.NoError(t, err)

	c, _ := f.agg.Lookup(una)
	assert.Equal(t, "new", c.LastMessagePreview)
}
