package modmail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/modmail/internal/events"
	"go.uber.org/zap"
)

const noteAvatarURL = "https://cdn.modmail.dev/assets/note.png"

var contentURLRe = regexp.MustCompile(`https?://[^\s<>()]+`)

type SendOptions struct {
	FromMod        bool
	Note           bool
	PersistentNote bool
	Anonymous      bool
	Plain          bool
	// ThreadCreation marks relays made while the thread is being set up.
	ThreadCreation bool
}

// ReplyResult holds both renderings of a staff reply. Delivered is false when
// the recipient could not be reached and an error notice was posted instead.
type ReplyResult struct {
	Delivered bool
	DM        Message
	Channel   Message
}

func isChannelDestination(dest Destination, channelID string) bool {
	d, ok := dest.(ChannelDestination)
	return ok && d.ChannelID == channelID
}

// modTag is the staff label shown in footers: the configured tag, or the
// author's top role in the main guild.
func (t *Thread) modTag(ctx context.Context, settings Settings, author User) string {
	if settings.ModTag != "" {
		return settings.ModTag
	}
	member, err := t.registry.platform.GetMember(ctx, settings.modmailGuild(), author.ID)
	if err != nil {
		return ""
	}
	return member.TopRole()
}

// cancelManualClose disarms a pending manual close and reports whether one
// was armed.
func (t *Thread) cancelManualClose() bool {
	t.mu.Lock()
	timer := t.closeTimer
	t.closeTimer = nil
	t.mu.Unlock()
	return t.registry.scheduler.Disarm(timer)
}

func (t *Thread) announceCloseCancelled(ctx context.Context) {
	r := t.registry
	ch, ok := t.Channel()
	if !ok {
		return
	}
	settings := r.settings.Load()
	embed := errorEmbed(settings.ErrorColor, "Scheduled close has been cancelled.")
	if _, err := r.platform.Send(ctx, ChannelDestination{ChannelID: ch.ID}, OutgoingMessage{Embed: embed}); err != nil {
		r.logger.Warn("close_cancel_notice_failed", zap.String("thread", t.id), zap.Error(err))
	}
}

// Send renders msg as an embed and delivers it to dest, or to the thread
// channel when dest is nil.
func (t *Thread) Send(ctx context.Context, msg Message, dest Destination, opts SendOptions) (Message, error) {
	r := t.registry
	if !opts.ThreadCreation {
		if !opts.Note {
			r.spawn(func(bg context.Context) {
				if err := t.RestartAutoClose(bg); err != nil {
					r.logger.Warn("auto_close_restart_failed", zap.String("thread", t.id), zap.Error(err))
				}
			})
		}
		if t.cancelManualClose() {
			r.spawn(t.announceCloseCancelled)
		}
	}
	if err := t.WaitReady(ctx); err != nil {
		return Message{}, err
	}
	ch, _ := t.Channel()
	if dest == nil {
		dest = ChannelDestination{ChannelID: ch.ID}
	}
	toChannel := isChannelDestination(dest, ch.ID)
	settings := r.settings.Load()
	author := msg.Author

	embed := Embed{Description: msg.Content}
	if settings.ShowTimestamp {
		ts := msg.CreatedAt
		if ts.IsZero() {
			ts = r.now().UTC()
		}
		embed.Timestamp = &ts
	}

	tag := ""
	if opts.FromMod {
		tag = t.modTag(ctx, settings, author)
	}
	switch {
	case opts.Note:
		prefix := ""
		if opts.PersistentNote {
			prefix = "Persistent "
		}
		embed.Author = &EmbedAuthor{Name: fmt.Sprintf("%sNote (%s)", prefix, author.Name), IconURL: noteAvatarURL}
	case opts.Anonymous && opts.FromMod && !toChannel:
		name := settings.AnonUsername
		if name == "" {
			name = tag
		}
		avatar := settings.AnonAvatarURL
		if avatar == "" {
			avatar = r.guildIcon(ctx)
		}
		embed.Author = &EmbedAuthor{Name: name, IconURL: avatar}
	default:
		embed.Author = &EmbedAuthor{Name: author.Tag(), IconURL: author.AvatarURL}
	}

	color := settings.RecipientColor
	switch {
	case opts.Note:
		color = settings.MainColor
	case opts.FromMod:
		color = settings.ModColor
	}

	images, files := splitAttachments(msg)
	followups := placeImages(&embed, images, color, embed.Timestamp)
	for i, f := range files {
		embed.AddField(fmt.Sprintf("File upload (%d)", i+1), fmt.Sprintf("[%s](%s)", f.Filename, f.URL), false)
	}

	embed.Color = color
	switch {
	case opts.FromMod && opts.Anonymous && toChannel:
		embed.SetFooter("Anonymous Reply", "")
	case opts.FromMod && !opts.Anonymous:
		embed.SetFooter(tag, "")
	case opts.FromMod:
		embed.SetFooter(settings.AnonTag, "")
	case opts.Note:
	default:
		embed.SetFooter("Message ID: "+msg.ID, "")
	}

	if (opts.FromMod || opts.Note) && !opts.ThreadCreation && toChannel && len(msg.Attachments) == 0 &&
		msg.ID != "" && msg.ChannelID != "" {
		if err := r.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			r.logger.Warn("command_message_delete_failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}
	if opts.FromMod && !toChannel && settings.DMDisabled == DMDisabledAllThreads {
		r.logger.Info("dm_disabled_staff_reply", zap.String("thread", t.id))
	}
	if err := r.platform.TriggerTyping(ctx, dest); err != nil && errors.Is(err, ErrPlatformNotFound) {
		return Message{}, fmt.Errorf("send to %s: %w", dest, err)
	}

	mentions := ""
	if !opts.FromMod && !opts.Note {
		list, err := r.state.TakeMentions(t.id)
		if err != nil {
			r.logger.Warn("mentions_persist_failed", zap.String("thread", t.id), zap.Error(err))
		}
		mentions = strings.Join(list, " ")
	}

	out := OutgoingMessage{Content: mentions, Embed: &embed}
	if opts.Plain {
		if opts.FromMod && !toChannel {
			text := "**"
			if footer := embed.FooterText(); footer != "" {
				text = "**(" + footer + ") "
			}
			text += embed.AuthorName() + ":** " + embed.Description
			out = OutgoingMessage{Content: text, Files: images}
		} else {
			embed.SetFooter("[PLAIN] "+embed.FooterText(), "")
		}
	}

	sent, err := r.platform.Send(ctx, dest, out)
	if err != nil {
		return Message{}, fmt.Errorf("send to %s: %w", dest, err)
	}
	for _, extra := range followups {
		extra := extra
		if _, err := r.platform.Send(ctx, dest, OutgoingMessage{Embed: &extra}); err != nil {
			r.logger.Warn("image_followup_failed", zap.String("thread", t.id), zap.Error(err))
		}
	}

	if !opts.FromMod && !opts.Note {
		payload := newThreadMessage(msg, msg.ID, []string{sent.ID, msg.ID}, MessageTypeNormal, false)
		r.spawn(func(bg context.Context) {
			if err := r.logs.AppendMessage(bg, ch.ID, payload); err != nil {
				r.logger.Warn("log_append_failed", zap.String("thread", t.id), zap.String("message", msg.ID), zap.Error(err))
			}
		})
		r.metrics.MessageRelayed("recipient")
	}
	return sent, nil
}

func splitAttachments(msg Message) (images, files []Attachment) {
	for _, a := range msg.Attachments {
		if a.IsImage() {
			images = append(images, a)
		} else {
			files = append(files, a)
		}
	}
	for _, u := range contentURLRe.FindAllString(msg.Content, -1) {
		if isImageURL(u) {
			images = append(images, Attachment{URL: u})
		}
	}
	return images, files
}

// placeImages embeds the first image inline and returns follow-up embeds for
// the rest. Uploaded files win over links found in the content.
func placeImages(embed *Embed, images []Attachment, color int, ts *time.Time) []Embed {
	prioritizeUploads := false
	for _, img := range images {
		if img.Filename != "" {
			prioritizeUploads = true
			break
		}
	}
	var followups []Embed
	embedded := false
	n := 1
	for _, img := range images {
		if !embedded && (!prioritizeUploads || img.Filename != "") {
			embed.ImageURL = img.URL
			if img.Filename != "" {
				embed.AddField("Image", fmt.Sprintf("[%s](%s)", img.Filename, img.URL), false)
			}
			embedded = true
			continue
		}
		extra := Embed{Color: color, ImageURL: img.URL, URL: img.URL, Title: img.Filename, Timestamp: ts}
		extra.SetFooter(fmt.Sprintf("Additional Image Upload (%d)", n), "")
		followups = append(followups, extra)
		n++
	}
	return followups
}

// Reply relays a staff message to the recipient and mirrors it in the thread
// channel. Delivery failures become an error notice in the channel.
func (t *Thread) Reply(ctx context.Context, msg Message, anonymous, plain bool) (ReplyResult, error) {
	r := t.registry
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return ReplyResult{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if err := t.WaitReady(ctx); err != nil {
		return ReplyResult{}, err
	}
	ch, _ := t.Channel()
	settings := r.settings.Load()
	noticeChannel := msg.ChannelID
	if noticeChannel == "" {
		noticeChannel = ch.ID
	}
	notify := func(description string) {
		embed := errorEmbed(settings.ErrorColor, description)
		if _, err := r.platform.Send(ctx, ChannelDestination{ChannelID: noticeChannel}, OutgoingMessage{Embed: embed}); err != nil {
			r.logger.Warn("reply_notice_failed", zap.String("thread", t.id), zap.Error(err))
		}
	}

	if !r.sharesGuild(ctx, t.id) {
		notify("Your message could not be delivered since the recipient shares no servers with the bot.")
		return ReplyResult{}, nil
	}

	opts := SendOptions{FromMod: true, Anonymous: anonymous, Plain: plain}
	dmMsg, err := t.Send(ctx, msg, UserDestination{UserID: t.id}, opts)
	if err != nil {
		if errors.Is(err, ErrThread) {
			return ReplyResult{}, err
		}
		r.logger.Warn("reply_delivery_failed", zap.String("thread", t.id), zap.Error(err))
		if errors.Is(err, ErrForbidden) {
			notify("Your message could not be delivered as the recipient is only accepting direct messages from friends, or the bot was blocked by the recipient.")
		} else {
			notify("Your message could not be delivered due to an unknown error.")
		}
		return ReplyResult{}, nil
	}
	chMsg, err := t.Send(ctx, msg, ChannelDestination{ChannelID: ch.ID}, opts)
	if err != nil {
		return ReplyResult{Delivered: true, DM: dmMsg}, err
	}

	typ := MessageTypeNormal
	if anonymous {
		typ = MessageTypeAnonymous
	}
	payload := newThreadMessage(msg, chMsg.ID, []string{chMsg.ID, dmMsg.ID}, typ, true)
	if err := r.logs.AppendMessage(ctx, ch.ID, payload); err != nil {
		r.logger.Error("log_append_failed", zap.String("thread", t.id), zap.String("message", chMsg.ID), zap.Error(err))
	}
	r.metrics.MessageRelayed("staff")

	ev := events.New(events.ThreadReply, t.id)
	ev.ChannelID = ch.ID
	ev.ActorID = msg.Author.ID
	ev.Data = map[string]any{"anonymous": anonymous, "plain": plain, "messageId": chMsg.ID}
	r.publish(ctx, ev)
	return ReplyResult{Delivered: true, DM: dmMsg, Channel: chMsg}, nil
}

// Note posts a staff-only message. Persistent notes are stored for the
// recipient and replayed into every future thread.
func (t *Thread) Note(ctx context.Context, msg Message, persistent bool) (Message, error) {
	r := t.registry
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return Message{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	sent, err := t.note(ctx, msg, persistent, false)
	if err != nil {
		return Message{}, err
	}
	if persistent {
		if _, err := r.logs.CreateNote(ctx, Note{
			RecipientID: t.id,
			Author:      logAuthorFrom(msg.Author, true),
			Message:     msg.Content,
			MessageID:   sent.ID,
		}); err != nil {
			return sent, fmt.Errorf("store persistent note: %w", err)
		}
	}
	return sent, nil
}

func (t *Thread) note(ctx context.Context, msg Message, persistent, replay bool) (Message, error) {
	r := t.registry
	sent, err := t.Send(ctx, msg, nil, SendOptions{Note: true, PersistentNote: persistent, ThreadCreation: replay})
	if err != nil {
		return Message{}, err
	}
	typ := MessageTypeNote
	if persistent {
		typ = MessageTypePersistentNote
	}
	payload := newThreadMessage(msg, sent.ID, []string{sent.ID}, typ, true)
	channelID := sent.ChannelID
	r.spawn(func(bg context.Context) {
		if err := r.logs.AppendMessage(bg, channelID, payload); err != nil {
			r.logger.Warn("log_append_failed", zap.String("thread", t.id), zap.String("message", sent.ID), zap.Error(err))
		}
	})
	r.metrics.MessageRelayed("note")
	return sent, nil
}

// EditMessage rewrites a staff reply or note on both sides. An empty
// messageID edits the latest staff reply.
func (t *Thread) EditMessage(ctx context.Context, author User, messageID, content string) error {
	r := t.registry
	lm, err := t.Resolve(ctx, MessageRef{ID: messageID}, LinkOptions{IncludeNotes: true})
	if err != nil {
		r.metrics.LinkFailure(linkKind(err))
		r.logger.Warn("message_edit_unresolved", zap.String("thread", t.id), zap.String("message", messageID), zap.Error(err))
		return err
	}
	settings := r.settings.Load()
	ch, _ := t.Channel()

	primary := lm.Message.Embeds[0].clone()
	primary.Description = content
	tasks := []func() error{
		func() error { return r.logs.EditMessage(ctx, lm.Message.ID, content) },
		func() error {
			_, err := r.platform.EditMessage(ctx, ch.ID, lm.Message.ID, MessageEdit{Embed: &primary})
			return err
		},
	}
	if linked := lm.Linked; linked != nil {
		if len(linked.Embeds) > 0 {
			counterpart := linked.Embeds[0].clone()
			counterpart.Description = content
			tasks = append(tasks, func() error {
				_, err := r.platform.EditMessage(ctx, linked.ChannelID, linked.ID, MessageEdit{Embed: &counterpart})
				return err
			})
		} else {
			text := plainReplyText(settings, lm.Payload.Type, t.modTag(ctx, settings, author), author, content)
			tasks = append(tasks, func() error {
				_, err := r.platform.EditMessage(ctx, linked.ChannelID, linked.ID, MessageEdit{Content: &text})
				return err
			})
		}
	}
	if lm.Payload.Type == MessageTypePersistentNote {
		tasks = append(tasks, func() error { return r.logs.EditNote(ctx, lm.Message.ID, content) })
	}
	return runConcurrently(tasks...)
}

func plainReplyText(settings Settings, typ MessageType, tag string, author User, content string) string {
	if typ == MessageTypeAnonymous {
		name := settings.AnonUsername
		if name == "" {
			name = tag
		}
		return fmt.Sprintf("**(%s) %s:** %s", settings.AnonTag, name, content)
	}
	return fmt.Sprintf("**(%s) %s:** %s", tag, author.Tag(), content)
}

// EditDMMessage mirrors an edit the recipient made in their DM.
func (t *Thread) EditDMMessage(ctx context.Context, msg Message, content string) error {
	r := t.registry
	lm, err := t.ResolveFromDM(ctx, msg, LinkOptions{})
	if err != nil {
		r.metrics.LinkFailure(linkKind(err))
		r.logger.Warn("dm_edit_unresolved", zap.String("thread", t.id), zap.String("message", msg.ID), zap.Error(err))
		return err
	}
	linked := lm.Linked
	if len(linked.Embeds) == 0 {
		return linkError(ErrMalformedThreadMessage, linked.ID)
	}
	embed := linked.Embeds[0].clone()
	embed.AddField("**Edited, former message:**", embed.Description, false)
	embed.Description = content
	return runConcurrently(
		func() error { return r.logs.EditMessage(ctx, msg.ID, content) },
		func() error {
			_, err := r.platform.EditMessage(ctx, linked.ChannelID, linked.ID, MessageEdit{Embed: &embed})
			return err
		},
	)
}

// DeleteMessage removes a thread message and its counterpart. A ref holding
// a Message mirrors a deletion that already happened in the thread channel;
// a ref by id (or the zero ref) deletes on staff request.
func (t *Thread) DeleteMessage(ctx context.Context, ref MessageRef, includeNotes bool) error {
	r := t.registry
	mirror := ref.Message != nil
	if mirror && t.marks.take(t.marks.deleted, ref.Message.ID) {
		return nil
	}
	lm, err := t.Resolve(ctx, ref, LinkOptions{IncludeNotes: includeNotes})
	if err != nil {
		if mirror {
			t.marks.take(t.marks.ignored, ref.Message.ID)
		}
		r.metrics.LinkFailure(linkKind(err))
		return err
	}
	var tasks []func() error
	if !mirror {
		t.marks.add(t.marks.deleted, lm.Message.ID)
		tasks = append(tasks, func() error { return r.platform.DeleteMessage(ctx, lm.Message.ChannelID, lm.Message.ID) })
		if lm.Payload.Type == MessageTypePersistentNote {
			tasks = append(tasks, func() error { return r.logs.DeleteNote(ctx, lm.Message.ID) })
		}
	}
	if linked := lm.Linked; linked != nil {
		tasks = append(tasks, func() error { return r.platform.DeleteMessage(ctx, linked.ChannelID, linked.ID) })
	}
	return runConcurrently(tasks...)
}

// MirrorDMDeletion marks the thread rendering of a DM the recipient deleted.
func (t *Thread) MirrorDMDeletion(ctx context.Context, msg Message) error {
	r := t.registry
	lm, err := t.ResolveFromDM(ctx, msg, LinkOptions{Deleted: true})
	if err != nil {
		return err
	}
	linked := lm.Linked
	if len(linked.Embeds) == 0 {
		return nil
	}
	embed := linked.Embeds[0].clone()
	footer := embed.FooterText() + " (deleted)"
	icon := ""
	if embed.Footer != nil {
		icon = embed.Footer.IconURL
	}
	embed.SetFooter(footer, icon)
	_, err = r.platform.EditMessage(ctx, linked.ChannelID, linked.ID, MessageEdit{Embed: &embed})
	return err
}

// MirrorReaction copies a reaction onto the counterpart rendering.
func (t *Thread) MirrorReaction(ctx context.Context, msg Message, emoji string, add, fromDM bool) error {
	r := t.registry
	var (
		lm  LinkedMessage
		err error
	)
	if fromDM {
		lm, err = t.ResolveFromDM(ctx, msg, LinkOptions{EitherDirection: true})
	} else {
		lm, err = t.Resolve(ctx, MessageRef{Message: &msg}, LinkOptions{EitherDirection: true, IncludeNotes: true})
	}
	if err != nil {
		return err
	}
	if lm.Linked == nil {
		return nil
	}
	if add {
		return r.platform.AddReaction(ctx, lm.Linked.ChannelID, lm.Linked.ID, emoji)
	}
	return r.platform.RemoveReaction(ctx, lm.Linked.ChannelID, lm.Linked.ID, emoji)
}

func linkKind(err error) string {
	var le *LinkMessageError
	if errors.As(err, &le) && le.Kind != nil {
		return strings.ReplaceAll(le.Kind.Error(), " ", "_")
	}
	return "error"
}

// runConcurrently runs every task and joins their errors.
func runConcurrently(tasks ...func() error) error {
	if len(tasks) == 0 {
		return nil
	}
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func() error) {
			defer wg.Done()
			errs[i] = task()
		}(i, task)
	}
	wg.Wait()
	return errors.Join(errs...)
}
