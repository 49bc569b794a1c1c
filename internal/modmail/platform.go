package modmail

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrForbidden        = errors.New("forbidden")
	ErrPlatformNotFound = errors.New("platform object not found")
	ErrCategoryFull     = errors.New("category full")
	ErrNameRejected     = errors.New("channel name rejected")
)

// PlatformError carries the status and code reported by the messaging
// platform. errors.Is maps it onto the platform sentinels.
type PlatformError struct {
	Status  int
	Code    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform error: status=%d message=%s", e.Status, e.Message)
}

func (e *PlatformError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Status == 403 || e.Code == "forbidden"
	case ErrPlatformNotFound:
		return e.Status == 404 || e.Code == "not_found"
	case ErrCategoryFull:
		return e.Code == "category_full"
	case ErrNameRejected:
		return e.Code == "name_rejected"
	default:
		return false
	}
}

// Destination is where a message goes. It is either a channel or a user's DM.
type Destination interface {
	destination()
	String() string
}

type ChannelDestination struct {
	ChannelID string
}

func (ChannelDestination) destination() {}

func (d ChannelDestination) String() string { return "channel:" + d.ChannelID }

type UserDestination struct {
	UserID string
}

func (UserDestination) destination() {}

func (d UserDestination) String() string { return "user:" + d.UserID }

type CreateChannelRequest struct {
	GuildID    string `json:"guildId"`
	Name       string `json:"name"`
	CategoryID string `json:"categoryId,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Private    bool   `json:"private,omitempty"`
}

type HistoryQuery struct {
	Limit       int  `json:"limit"`
	OldestFirst bool `json:"oldestFirst"`
}

type Platform interface {
	BotUser() User

	GetUser(ctx context.Context, userID string) (User, error)
	GetMember(ctx context.Context, guildID, userID string) (Member, error)
	MutualGuilds(ctx context.Context, userID string) ([]Guild, error)
	GetGuild(ctx context.Context, guildID string) (Guild, error)

	GetCategory(ctx context.Context, categoryID string) (Category, error)
	CloneCategory(ctx context.Context, categoryID, name string) (Category, error)

	CreateChannel(ctx context.Context, req CreateChannelRequest) (Channel, error)
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	TextChannels(ctx context.Context, guildID string) ([]Channel, error)
	EditChannelTopic(ctx context.Context, channelID, topic string) error
	DeleteChannel(ctx context.Context, channelID, reason string) error
	DMChannel(ctx context.Context, userID string) (Channel, error)

	Send(ctx context.Context, dest Destination, msg OutgoingMessage) (Message, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	History(ctx context.Context, channelID string, query HistoryQuery) ([]Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, edit MessageEdit) (Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	PinMessage(ctx context.Context, channelID, messageID string) error

	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error
	TriggerTyping(ctx context.Context, dest Destination) error
}
