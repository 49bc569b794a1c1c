package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/modmail"
)

type contactRequest struct {
	RecipientID string        `json:"recipientId"`
	Category    string        `json:"category,omitempty"`
	Author      *modmail.User `json:"author,omitempty"`
}

type replyRequest struct {
	Content     string               `json:"content"`
	Anonymous   bool                 `json:"anonymous,omitempty"`
	Plain       bool                 `json:"plain,omitempty"`
	Attachments []modmail.Attachment `json:"attachments,omitempty"`
	Author      *modmail.User        `json:"author,omitempty"`
}

type noteRequest struct {
	Content    string        `json:"content"`
	Persistent bool          `json:"persistent,omitempty"`
	Author     *modmail.User `json:"author,omitempty"`
}

type closeRequest struct {
	After   string        `json:"after,omitempty"`
	Silent  bool          `json:"silent,omitempty"`
	Message string        `json:"message,omitempty"`
	Author  *modmail.User `json:"author,omitempty"`
}

type subscriptionRequest struct {
	Action  string        `json:"action"`
	Mention string        `json:"mention,omitempty"`
	Author  *modmail.User `json:"author,omitempty"`
}

// commandAuthor is the staff member a command runs as. Without one the
// engine acts as the bot.
func commandAuthor(u *modmail.User) modmail.User {
	if u == nil {
		return modmail.User{}
	}
	return *u
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string, cmd modmail.Command, status int) {
	result, err := s.dispatcher.Execute(r.Context(), cmd)
	if err != nil {
		s.logger.Debug("command_failed",
			zap.String("command", string(cmd.Name)),
			zap.String("agent", claims.AgentName),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		writeEngineError(w, err, correlationID)
		return
	}
	s.logger.Info("command_accepted",
		zap.String("command", string(cmd.Name)),
		zap.String("thread", result.ThreadID),
		zap.String("agent", claims.AgentName),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, status, result)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request, correlationID string) {
	recipient := strings.TrimSpace(r.URL.Query().Get("recipient"))
	threads := s.registry.Threads()
	infos := make([]modmail.ThreadInfo, 0, len(threads))
	for _, t := range threads {
		if recipient != "" && t.Recipient().ID != recipient {
			continue
		}
		infos = append(infos, t.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads":       infos,
		"count":         len(infos),
		"correlationId": correlationID,
	})
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req contactRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "recipientId is required", correlationID)
		return
	}
	s.execute(w, r, claims, correlationID, modmail.Command{
		Name:        modmail.CommandContact,
		Author:      commandAuthor(req.Author),
		RecipientID: strings.TrimSpace(req.RecipientID),
		Category:    req.Category,
	}, http.StatusCreated)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, channelID string, claims tokenClaims, correlationID string) {
	var req replyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "content or attachments required", correlationID)
		return
	}
	name := modmail.CommandReply
	switch {
	case req.Anonymous && req.Plain:
		name = modmail.CommandPlainAnonReply
	case req.Anonymous:
		name = modmail.CommandAnonReply
	case req.Plain:
		name = modmail.CommandPlainReply
	}
	author := commandAuthor(req.Author)
	cmd := modmail.Command{
		Name:      name,
		Author:    author,
		ChannelID: channelID,
		Content:   req.Content,
	}
	if len(req.Attachments) > 0 {
		cmd.Message = &modmail.Message{ChannelID: channelID, Author: author, Attachments: req.Attachments}
	}
	s.execute(w, r, claims, correlationID, cmd, http.StatusOK)
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request, channelID string, claims tokenClaims, correlationID string) {
	var req noteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "content is required", correlationID)
		return
	}
	name := modmail.CommandNote
	if req.Persistent {
		name = modmail.CommandPersistentNote
	}
	s.execute(w, r, claims, correlationID, modmail.Command{
		Name:      name,
		Author:    commandAuthor(req.Author),
		ChannelID: channelID,
		Content:   req.Content,
	}, http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, channelID string, claims tokenClaims, correlationID string) {
	var req closeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	after, err := parseDelay(req.After)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid after: "+err.Error(), correlationID)
		return
	}
	status := http.StatusOK
	if after > 0 {
		status = http.StatusAccepted
	}
	s.execute(w, r, claims, correlationID, modmail.Command{
		Name:      modmail.CommandClose,
		Author:    commandAuthor(req.Author),
		ChannelID: channelID,
		Content:   req.Message,
		After:     after,
		Silent:    req.Silent,
	}, status)
}

func (s *Server) handleCancelClose(w http.ResponseWriter, r *http.Request, channelID string, claims tokenClaims, correlationID string) {
	s.execute(w, r, claims, correlationID, modmail.Command{
		Name:      modmail.CommandCancelClose,
		ChannelID: channelID,
	}, http.StatusOK)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, channelID string, claims tokenClaims, correlationID string) {
	var req subscriptionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var name modmail.CommandName
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "subscribe":
		name = modmail.CommandSubscribe
	case "unsubscribe":
		name = modmail.CommandUnsubscribe
	case "notify":
		name = modmail.CommandNotify
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "action must be subscribe, unsubscribe or notify", correlationID)
		return
	}
	author := commandAuthor(req.Author)
	if req.Mention == "" && author.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mention or author is required", correlationID)
		return
	}
	s.execute(w, r, claims, correlationID, modmail.Command{
		Name:      name,
		Author:    author,
		ChannelID: channelID,
		Mention:   req.Mention,
	}, http.StatusOK)
}
