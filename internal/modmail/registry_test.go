package modmail

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (e *testEngine) restartedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := e.newRegistry(t)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestValidateAllClosesCachedThreadWithDeletedChannel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	require.NoError(t, e.platform.DeleteChannel(ctx, channelID, "gone"))

	require.NoError(t, e.registry.ValidateAll(ctx, false))
	e.registry.Wait()

	assert.Equal(t, 0, e.registry.Len())
	assert.Equal(t, ThreadClosed, th.State())
	entry, err := e.logs.GetEntryByChannel(ctx, channelID)
	require.NoError(t, err)
	assert.False(t, entry.Open)
	require.NotNil(t, entry.Closer)
	assert.Equal(t, e.platform.BotUser().ID, entry.Closer.ID)
	assert.Equal(t, deletedChannelNote, entry.CloseMessage)
	assert.Empty(t, embedsMatching(e.platform.DMMessages(e.recipient.ID), withTitle("Thread Closed")))
}

func TestValidateAllFinalizesUncachedLogWithDeletedChannel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bot := e.platform.BotUser()
	entry, err := e.logs.CreateEntry(ctx, NewLogEntry{
		Recipient: e.recipient,
		Creator:   e.recipient,
		ChannelID: "900000000000009999",
		GuildID:   testGuildID,
		BotID:     bot.ID,
	})
	require.NoError(t, err)
	foreign, err := e.logs.CreateEntry(ctx, NewLogEntry{
		Recipient: e.recipient,
		ChannelID: "900000000000009998",
		GuildID:   testGuildID,
		BotID:     "700000000000000001",
	})
	require.NoError(t, err)

	require.NoError(t, e.registry.ValidateAll(ctx, false))

	closed, err := e.logs.GetEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.False(t, closed.Open)
	assert.Equal(t, deletedChannelNote, closed.CloseMessage)
	require.NotNil(t, closed.Closer)
	assert.Equal(t, bot.ID, closed.Closer.ID)

	untouched, err := e.logs.GetEntry(ctx, foreign.Key)
	require.NoError(t, err)
	assert.True(t, untouched.Open)
}

func TestValidateAllRepairsFromGenesisUnlessSkipped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	require.NoError(t, e.platform.EditChannelTopic(ctx, channelID, ""))

	r := e.restartedRegistry(t)
	require.NoError(t, r.ValidateAll(ctx, true))
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.ValidateAll(ctx, false))
	require.Equal(t, 1, r.Len())
	repaired := r.Find(ctx, e.recipient.ID)
	require.NotNil(t, repaired)
	assert.Equal(t, channelID, repaired.ChannelID())
	assert.Equal(t, th.LogKey(), repaired.LogKey())

	ch, err := e.platform.GetChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, TopicTag(e.platform.BotUser().ID, e.recipient.ID), ch.Topic)
}

func TestRepairFallsBackToLogStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	require.NoError(t, e.platform.DeleteMessage(ctx, channelID, th.GenesisMessageID()))
	require.NoError(t, e.platform.EditChannelTopic(ctx, channelID, ""))
	ch, err := e.platform.GetChannel(ctx, channelID)
	require.NoError(t, err)

	r := e.restartedRegistry(t)
	repaired := r.Repair(ctx, ch)
	require.NotNil(t, repaired)
	assert.Equal(t, e.recipient.ID, repaired.ID())
	assert.True(t, repaired.Ready())
}

func TestRepairWithoutAnyTraceFails(t *testing.T) {
	e := newTestEngine(t)
	ch := e.platform.AddChannel(Channel{GuildID: testGuildID, CategoryID: e.category.ID, Name: "general"})
	assert.Nil(t, e.registry.Repair(context.Background(), ch))
}

func TestPopulateCacheAdoptsTaggedChannels(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	e.platform.AddChannel(Channel{GuildID: testGuildID, Name: "general", Topic: "chat"})

	r := e.restartedRegistry(t)
	require.NoError(t, r.PopulateCache(ctx))
	require.Equal(t, 1, r.Len())
	adopted := r.Threads()[0]
	assert.Equal(t, e.recipient.ID, adopted.ID())
	assert.Equal(t, th.ChannelID(), adopted.ChannelID())
	assert.Equal(t, th.LogKey(), adopted.LogKey())
}

func TestFindByChannelRestoresTopic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	require.NoError(t, e.platform.EditChannelTopic(ctx, th.ChannelID(), "someone edited this"))
	ch, err := e.platform.GetChannel(ctx, th.ChannelID())
	require.NoError(t, err)

	found := e.registry.FindByChannel(ctx, ch)
	require.Same(t, th, found)
	ch, err = e.platform.GetChannel(ctx, th.ChannelID())
	require.NoError(t, err)
	assert.Equal(t, TopicTag(e.platform.BotUser().ID, e.recipient.ID), ch.Topic)

	other := e.platform.AddChannel(Channel{GuildID: testGuildID, Name: "general"})
	assert.Nil(t, e.registry.FindByChannel(ctx, other))
}

func TestFindRecoversThreadFromTopic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)

	r := e.restartedRegistry(t)
	found := r.Find(ctx, e.recipient.ID)
	require.NotNil(t, found)
	assert.Equal(t, th.ChannelID(), found.ChannelID())
	assert.Nil(t, r.Find(ctx, "999999999999999999"))
}

func TestFindClosesThreadWhoseChannelVanished(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	require.NoError(t, e.platform.DeleteChannel(ctx, th.ChannelID(), "gone"))

	assert.Nil(t, e.registry.Find(ctx, e.recipient.ID))
	assert.Equal(t, 0, e.registry.Len())
	assert.Equal(t, ThreadClosed, th.State())
}

func TestHandleClosuresFiresElapsedClosure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	require.NoError(t, e.state.PutClosure(PendingClosure{
		ThreadID:      e.recipient.ID,
		FireAt:        time.Now().Add(-time.Minute).UTC(),
		CloserID:      e.staff.ID,
		DeleteChannel: true,
		Message:       "Closed while the bot was offline.",
	}))

	r := e.restartedRegistry(t)
	r.HandleClosures(ctx)
	r.Wait()

	assert.False(t, e.platform.HasChannel(channelID))
	assert.Empty(t, e.state.Closures())
	assert.Len(t, embedsMatching(e.platform.DMMessages(e.recipient.ID), withDescription("Closed while the bot was offline.")), 1)
	entry, err := e.logs.GetEntryByChannel(ctx, channelID)
	require.NoError(t, err)
	require.NotNil(t, entry.Closer)
	assert.Equal(t, e.staff.ID, entry.Closer.ID)
}

func TestHandleClosuresDropsUnknownThreads(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.state.PutClosure(PendingClosure{
		ThreadID: "999999999999999999",
		FireAt:   time.Now().Add(time.Hour).UTC(),
	}))

	e.registry.HandleClosures(context.Background())
	assert.Empty(t, e.state.Closures())
}

func TestHandleClosuresRearmsFutureClosure(t *testing.T) {
	e := newTestEngine(t)
	th := e.openThread(t, e.recipient)
	fireAt := time.Now().Add(time.Hour).UTC()
	require.NoError(t, e.state.PutClosure(PendingClosure{
		ThreadID: e.recipient.ID,
		FireAt:   fireAt,
		CloserID: e.staff.ID,
	}))

	r := e.restartedRegistry(t)
	r.HandleClosures(context.Background())

	rearmed := r.Find(context.Background(), e.recipient.ID)
	require.NotNil(t, rearmed)
	assert.Equal(t, ThreadClosing, rearmed.State())
	assert.True(t, e.platform.HasChannel(th.ChannelID()))
	pending := r.Scheduler().Pending()
	require.Len(t, pending, 1)
	assert.WithinDuration(t, fireAt, pending[0].FireAt, 5*time.Second)
}

func TestMigrateNoteTypesRetypesLegacyNotes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	bot := e.platform.BotUser()

	rendered := e.platform.Post(Message{
		ChannelID: th.ChannelID(),
		GuildID:   testGuildID,
		Author:    bot,
		Embeds:    []Embed{{Description: "legacy", Author: &EmbedAuthor{Name: "Persistent Note (bob)"}}},
	})
	plain := e.platform.Post(Message{
		ChannelID: th.ChannelID(),
		GuildID:   testGuildID,
		Author:    bot,
		Embeds:    []Embed{{Description: "system"}},
	})
	for _, id := range []string{rendered.ID, plain.ID} {
		require.NoError(t, e.logs.AppendMessage(ctx, th.ChannelID(), ThreadMessage{
			MessageID: id,
			Type:      MessageTypeSystem,
			Content:   "legacy",
		}))
	}

	migrated, err := e.registry.MigrateNoteTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	payload, err := e.logs.GetMessagePayload(ctx, th.ChannelID(), rendered.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageTypePersistentNote, payload.Type)
	payload, err = e.logs.GetMessagePayload(ctx, th.ChannelID(), plain.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSystem, payload.Type)
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron("*/5 * * * *"))
	require.ErrorIs(t, ValidateCron("every five minutes"), ErrInvalidInput)
}

func TestReconcileLoopStopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.registry.RunReconcileLoop(ctx, "* * * * *", true) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}

func TestSchedulerArmFiresAndForgets(t *testing.T) {
	state, err := NewRuntimeStore(nil, zap.NewNop())
	require.NoError(t, err)
	s := NewScheduler(state, zap.NewNop())

	var fired atomic.Int32
	s.Arm(PendingClosure{ThreadID: "1", FireAt: time.Now().Add(-time.Second)}, func(PendingClosure) { fired.Add(1) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Pending())
}

func TestSchedulerDisarmDropsClosure(t *testing.T) {
	state, err := NewRuntimeStore(nil, zap.NewNop())
	require.NoError(t, err)
	s := NewScheduler(state, zap.NewNop())

	var fired atomic.Int32
	manual := s.Arm(PendingClosure{ThreadID: "1", FireAt: time.Now().Add(time.Hour)}, func(PendingClosure) { fired.Add(1) })
	s.Arm(PendingClosure{ThreadID: "1", FireAt: time.Now().Add(2 * time.Hour), IsAutoClose: true}, func(PendingClosure) { fired.Add(1) })
	require.Len(t, s.Pending(), 2)

	assert.True(t, s.Disarm(manual))
	assert.False(t, s.Disarm(manual))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsAutoClose)
	assert.Zero(t, fired.Load())
}

func TestFindIgnoresThreadClosedDuringChannelCheck(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	var closed atomic.Bool
	e.platform.GetChannelHook = func(id string) {
		if id == channelID && closed.CompareAndSwap(false, true) {
			require.NoError(t, th.Close(ctx, CloseRequest{Closer: e.staff}))
		}
	}

	assert.Nil(t, e.registry.Find(ctx, e.recipient.ID))
	assert.True(t, closed.Load())
	assert.Equal(t, ThreadClosed, th.State())
	_, err := e.platform.GetChannel(ctx, channelID)
	require.NoError(t, err)
}

func TestCreateReplacesThreadClosedDuringChannelCheck(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th := e.openThread(t, e.recipient)
	channelID := th.ChannelID()
	var closed atomic.Bool
	e.platform.GetChannelHook = func(id string) {
		if id == channelID && closed.CompareAndSwap(false, true) {
			require.NoError(t, th.Close(ctx, CloseRequest{Closer: e.staff}))
		}
	}

	fresh, err := e.registry.Create(ctx, CreateRequest{Recipient: e.recipient})
	require.NoError(t, err)
	require.True(t, closed.Load())
	assert.NotSame(t, th, fresh)
	require.NoError(t, fresh.WaitReady(ctx))
	e.registry.Wait()
	assert.NotEqual(t, channelID, fresh.ChannelID())
	assert.Same(t, fresh, e.registry.Find(ctx, e.recipient.ID))
}
