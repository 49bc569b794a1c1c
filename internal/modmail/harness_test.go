package modmail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/events"
)

const (
	testGuildID     = "100000000000000001"
	testRecipientID = "200000000000000001"
	testStaffID     = "300000000000000001"
)

type testEngine struct {
	platform   *MemoryPlatform
	logs       *InMemoryLogStore
	state      *RuntimeStore
	settings   *SettingsStore
	hub        *events.Hub
	confirmer  *ReactionConfirmer
	registry   *Registry
	dispatcher *Dispatcher
	category   Category
	recipient  User
	staff      User
}

func newTestEngine(t *testing.T, mutate ...func(*Settings)) *testEngine {
	t.Helper()
	platform := NewMemoryPlatform(User{})
	platform.AddGuild(Guild{ID: testGuildID, Name: "Test Guild"})
	category := platform.AddCategory(Category{GuildID: testGuildID, Name: "Modmail"})

	settings := DefaultSettings()
	settings.GuildID = testGuildID
	settings.MainCategoryID = category.ID
	for _, fn := range mutate {
		fn(&settings)
	}

	state, err := NewRuntimeStore(nil, zap.NewNop())
	require.NoError(t, err)
	e := &testEngine{
		platform:  platform,
		logs:      NewInMemoryLogStore(),
		state:     state,
		settings:  NewSettingsStore(settings),
		hub:       events.NewHub(),
		confirmer: NewReactionConfirmer(platform, zap.NewNop()),
		category:  category,
	}
	e.recipient = e.addMember(t, testRecipientID, "alice", nil)
	e.staff = e.addMember(t, testStaffID, "bob", []Role{{ID: "1", Name: "Moderator", Position: 1}})
	e.registry = e.newRegistry(t)
	e.dispatcher, err = NewDispatcher(DispatcherOptions{Registry: e.registry, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.dispatcher.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.registry.Shutdown(ctx)
		_ = e.hub.Close()
	})
	return e
}

// newRegistry builds a registry over the engine's platform, logs and state
// with an empty cache, as after a restart.
func (e *testEngine) newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOptions{
		Platform:     e.platform,
		Logs:         e.logs,
		State:        e.state,
		Settings:     e.settings,
		Publisher:    e.hub,
		Confirmer:    e.confirmer,
		Logger:       zap.NewNop(),
		ReadyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return r
}

func (e *testEngine) addMember(t *testing.T, id, name string, roles []Role) User {
	t.Helper()
	u := e.platform.AddUser(User{ID: id, Name: name, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)})
	e.platform.AddMember(Member{User: u, GuildID: testGuildID, Roles: roles})
	return u
}

func (e *testEngine) updateSettings(fn func(*Settings)) {
	s := e.settings.Load()
	fn(&s)
	e.settings.Store(s)
}

// openThread creates a thread for recipient and waits for setup to finish.
func (e *testEngine) openThread(t *testing.T, recipient User) *Thread {
	t.Helper()
	ctx := context.Background()
	th, err := e.registry.Create(ctx, CreateRequest{Recipient: recipient})
	require.NoError(t, err)
	require.NoError(t, th.WaitReady(ctx))
	e.registry.Wait()
	return th
}

func (e *testEngine) command(t *testing.T, cmd Command) CommandResult {
	t.Helper()
	if cmd.Author.ID == "" {
		cmd.Author = e.staff
	}
	res, err := e.dispatcher.Execute(context.Background(), cmd)
	require.NoError(t, err)
	e.registry.Wait()
	return res
}

func findMessage(msgs []Message, id string) *Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}

// embedsMatching returns the messages whose first embed satisfies match.
func embedsMatching(msgs []Message, match func(Embed) bool) []Message {
	var out []Message
	for _, m := range msgs {
		if len(m.Embeds) > 0 && match(m.Embeds[0]) {
			out = append(out, m)
		}
	}
	return out
}

func withTitle(title string) func(Embed) bool {
	return func(e Embed) bool { return e.Title == title }
}

func withDescription(substr string) func(Embed) bool {
	return func(e Embed) bool { return strings.Contains(e.Description, substr) }
}
