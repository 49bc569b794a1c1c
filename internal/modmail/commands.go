package modmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type CommandName string

const (
	CommandReply          CommandName = "reply"
	CommandAnonReply      CommandName = "areply"
	CommandPlainReply     CommandName = "preply"
	CommandPlainAnonReply CommandName = "pareply"
	CommandNote           CommandName = "note"
	CommandPersistentNote CommandName = "pnote"
	CommandClose          CommandName = "close"
	CommandCancelClose    CommandName = "close_cancel"
	CommandEdit           CommandName = "edit"
	CommandDelete         CommandName = "delete"
	CommandSubscribe      CommandName = "subscribe"
	CommandUnsubscribe    CommandName = "unsubscribe"
	CommandNotify         CommandName = "notify"
	CommandContact        CommandName = "contact"
)

// Command is an already parsed and authorized staff command. ChannelID is
// the thread channel it was issued in; contact uses RecipientID instead.
type Command struct {
	Name        CommandName   `json:"name"`
	Author      User          `json:"author"`
	ChannelID   string        `json:"channelId,omitempty"`
	Content     string        `json:"content,omitempty"`
	Message     *Message      `json:"message,omitempty"`
	MessageID   string        `json:"messageId,omitempty"`
	After       time.Duration `json:"after,omitempty"`
	Silent      bool          `json:"silent,omitempty"`
	Mention     string        `json:"mention,omitempty"`
	RecipientID string        `json:"recipientId,omitempty"`
	Category    string        `json:"category,omitempty"`
}

type CommandResult struct {
	ThreadID  string `json:"threadId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
	Changed   bool   `json:"changed,omitempty"`
}

// message is the invoking message with the command arguments as content.
func (c Command) message(now time.Time) Message {
	var msg Message
	if c.Message != nil {
		msg = *c.Message
	}
	if msg.Author.ID == "" {
		msg.Author = c.Author
	}
	if msg.ChannelID == "" {
		msg.ChannelID = c.ChannelID
	}
	if c.Content != "" {
		msg.Content = c.Content
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg
}

func (d *Dispatcher) threadForChannel(ctx context.Context, channelID string) (*Thread, error) {
	r := d.registry
	if channelID == "" {
		return nil, fmt.Errorf("%w: channelId is required", ErrInvalidInput)
	}
	ch, err := r.platform.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	t := r.FindByChannel(ctx, ch)
	if t == nil {
		return nil, fmt.Errorf("%w: no thread for channel %s", ErrNotFound, channelID)
	}
	return t, nil
}

// Execute runs a staff command against the thread it targets.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	r := d.registry
	if cmd.Author.ID == "" {
		cmd.Author = r.platform.BotUser()
	}
	if cmd.Name == CommandContact {
		return d.contact(ctx, cmd)
	}
	t, err := d.threadForChannel(ctx, cmd.ChannelID)
	if err != nil {
		return CommandResult{}, err
	}
	result := CommandResult{ThreadID: t.id, ChannelID: t.ChannelID()}
	msg := cmd.message(r.now().UTC())

	switch cmd.Name {
	case CommandReply, CommandAnonReply, CommandPlainReply, CommandPlainAnonReply:
		anonymous := cmd.Name == CommandAnonReply || cmd.Name == CommandPlainAnonReply
		plain := cmd.Name == CommandPlainReply || cmd.Name == CommandPlainAnonReply
		res, err := t.Reply(ctx, msg, anonymous, plain)
		if err != nil {
			return result, err
		}
		result.Delivered = res.Delivered
		result.MessageID = res.Channel.ID

	case CommandNote, CommandPersistentNote:
		sent, err := t.Note(ctx, msg, cmd.Name == CommandPersistentNote)
		if err != nil {
			return result, err
		}
		result.MessageID = sent.ID

	case CommandClose:
		req := CloseRequest{
			Closer:        cmd.Author,
			After:         cmd.After,
			Silent:        cmd.Silent,
			DeleteChannel: true,
			Message:       strings.TrimSpace(cmd.Content),
		}
		if err := t.Close(ctx, req); err != nil {
			return result, err
		}
		result.Changed = true
		if cmd.After > 0 {
			d.announceScheduledClose(ctx, t, cmd)
		}

	case CommandCancelClose:
		result.Changed = t.CancelClosure(false, true)
		settings := r.settings.Load()
		desc := "This thread has not already been scheduled to close."
		color := settings.ErrorColor
		if result.Changed {
			desc = "Scheduled close has been cancelled."
		}
		d.notice(ctx, ChannelDestination{ChannelID: t.ChannelID()}, Embed{Description: desc, Color: color})

	case CommandEdit:
		if err := t.EditMessage(ctx, cmd.Author, cmd.MessageID, cmd.Content); err != nil {
			return result, err
		}
		result.Changed = true
		result.MessageID = cmd.MessageID

	case CommandDelete:
		if err := t.DeleteMessage(ctx, MessageRef{ID: cmd.MessageID}, true); err != nil {
			return result, err
		}
		result.Changed = true
		result.MessageID = cmd.MessageID

	case CommandSubscribe, CommandUnsubscribe, CommandNotify:
		mention := cmd.Mention
		if mention == "" {
			mention = cmd.Author.Mention()
		}
		var changed bool
		switch cmd.Name {
		case CommandSubscribe:
			changed, err = t.Subscribe(mention)
		case CommandUnsubscribe:
			changed, err = t.Unsubscribe(mention)
		default:
			changed, err = t.Notify(mention)
		}
		if err != nil {
			return result, err
		}
		result.Changed = changed

	default:
		return result, fmt.Errorf("%w: unknown command %q", ErrInvalidInput, cmd.Name)
	}
	r.logger.Debug("command_executed", zap.String("command", string(cmd.Name)), zap.String("thread", t.id), zap.String("author", cmd.Author.ID))
	return result, nil
}

func (d *Dispatcher) announceScheduledClose(ctx context.Context, t *Thread, cmd Command) {
	settings := d.registry.settings.Load()
	now := d.registry.now().UTC()
	desc := fmt.Sprintf("This thread will close in %s.", HumanDuration(cmd.After))
	if cmd.Silent {
		desc = fmt.Sprintf("This thread will close silently in %s.", HumanDuration(cmd.After))
	}
	if msg := strings.TrimSpace(cmd.Content); msg != "" && !cmd.Silent {
		desc += "\n\n" + msg
	}
	embed := Embed{Title: "Scheduled close", Description: desc, Color: settings.ErrorColor, Timestamp: &now}
	embed.SetFooter("Closing will be cancelled if a thread message is sent.", "")
	d.notice(ctx, ChannelDestination{ChannelID: t.ChannelID()}, embed)
}

// contact opens a thread on behalf of staff.
func (d *Dispatcher) contact(ctx context.Context, cmd Command) (CommandResult, error) {
	r := d.registry
	if cmd.RecipientID == "" {
		return CommandResult{}, fmt.Errorf("%w: recipientId is required", ErrInvalidInput)
	}
	recipient, err := r.platform.GetUser(ctx, cmd.RecipientID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("lookup recipient %s: %w", cmd.RecipientID, err)
	}
	if recipient.Bot {
		return CommandResult{}, fmt.Errorf("%w: cannot contact a bot", ErrInvalidInput)
	}
	if existing := r.Find(ctx, recipient.ID); existing != nil && !existing.Cancelled() {
		return CommandResult{ThreadID: existing.id, ChannelID: existing.ChannelID()},
			fmt.Errorf("%w: a thread for %s already exists", ErrInvalidState, recipient.Tag())
	}
	creator := cmd.Author
	req := CreateRequest{Recipient: recipient, Creator: &creator, Category: cmd.Category, ManualTrigger: true}
	if cmd.Message != nil && cmd.Message.ID != "" {
		msg := *cmd.Message
		req.Message = &msg
	}
	t, err := r.Create(ctx, req)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{ThreadID: t.id, ChannelID: t.ChannelID(), Changed: true}, nil
}
