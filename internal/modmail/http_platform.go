package modmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

type HTTPPlatformOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// RequestsPerSecond caps outbound calls; zero means 50/s with a burst of 10.
	RequestsPerSecond float64
	Burst             int
}

// HTTPPlatform talks to the gateway bridge that fronts the chat platform.
type HTTPPlatform struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter

	botMu sync.RWMutex
	bot   User
}

func NewHTTPPlatform(opts HTTPPlatformOptions) *HTTPPlatform {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	return &HTTPPlatform{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Identify fetches and caches the bot account. It must succeed before the
// platform is handed to a Registry.
func (c *HTTPPlatform) Identify(ctx context.Context) (User, error) {
	var bot User
	if err := c.do(ctx, http.MethodGet, "/v1/me", nil, &bot); err != nil {
		return User{}, err
	}
	bot.Bot = true
	c.botMu.Lock()
	c.bot = bot
	c.botMu.Unlock()
	return bot, nil
}

func (c *HTTPPlatform) BotUser() User {
	c.botMu.RLock()
	defer c.botMu.RUnlock()
	return c.bot
}

func (c *HTTPPlatform) GetUser(ctx context.Context, userID string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) GetMember(ctx context.Context, guildID, userID string) (Member, error) {
	var out Member
	err := c.do(ctx, http.MethodGet, "/v1/guilds/"+url.PathEscape(guildID)+"/members/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) MutualGuilds(ctx context.Context, userID string) ([]Guild, error) {
	var out struct {
		Guilds []Guild `json:"guilds"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/mutual-guilds", nil, &out)
	return out.Guilds, err
}

func (c *HTTPPlatform) GetGuild(ctx context.Context, guildID string) (Guild, error) {
	var out Guild
	err := c.do(ctx, http.MethodGet, "/v1/guilds/"+url.PathEscape(guildID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var out Category
	err := c.do(ctx, http.MethodGet, "/v1/categories/"+url.PathEscape(categoryID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) CloneCategory(ctx context.Context, categoryID, name string) (Category, error) {
	var out Category
	body := map[string]string{"name": name}
	err := c.do(ctx, http.MethodPost, "/v1/categories/"+url.PathEscape(categoryID)+"/clone", body, &out)
	return out, err
}

func (c *HTTPPlatform) CreateChannel(ctx context.Context, req CreateChannelRequest) (Channel, error) {
	var out Channel
	err := c.do(ctx, http.MethodPost, "/v1/channels", req, &out)
	return out, err
}

func (c *HTTPPlatform) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var out Channel
	err := c.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) TextChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var out struct {
		Channels []Channel `json:"channels"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/guilds/"+url.PathEscape(guildID)+"/channels?kind=text", nil, &out)
	return out.Channels, err
}

func (c *HTTPPlatform) EditChannelTopic(ctx context.Context, channelID, topic string) error {
	return c.do(ctx, http.MethodPatch, "/v1/channels/"+url.PathEscape(channelID), map[string]string{"topic": topic}, nil)
}

func (c *HTTPPlatform) DeleteChannel(ctx context.Context, channelID, reason string) error {
	path := "/v1/channels/" + url.PathEscape(channelID)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPPlatform) DMChannel(ctx context.Context, userID string) (Channel, error) {
	var out Channel
	err := c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/dm", nil, &out)
	return out, err
}

type destinationPayload struct {
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func encodeDestination(dest Destination) (destinationPayload, error) {
	switch d := dest.(type) {
	case ChannelDestination:
		return destinationPayload{ChannelID: d.ChannelID}, nil
	case UserDestination:
		return destinationPayload{UserID: d.UserID}, nil
	default:
		return destinationPayload{}, fmt.Errorf("%w: destination %v", ErrInvalidInput, dest)
	}
}

func (c *HTTPPlatform) Send(ctx context.Context, dest Destination, msg OutgoingMessage) (Message, error) {
	target, err := encodeDestination(dest)
	if err != nil {
		return Message{}, err
	}
	body := struct {
		Destination destinationPayload `json:"destination"`
		Message     OutgoingMessage    `json:"message"`
	}{target, msg}
	var out Message
	err = c.do(ctx, http.MethodPost, "/v1/messages", body, &out)
	return out, err
}

func messagePath(channelID, messageID string) string {
	return "/v1/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID)
}

func (c *HTTPPlatform) FetchMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodGet, messagePath(channelID, messageID), nil, &out)
	return out, err
}

func (c *HTTPPlatform) History(ctx context.Context, channelID string, query HistoryQuery) ([]Message, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.OldestFirst {
		values.Set("oldestFirst", "true")
	}
	path := "/v1/channels/" + url.PathEscape(channelID) + "/messages"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (c *HTTPPlatform) EditMessage(ctx context.Context, channelID, messageID string, edit MessageEdit) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPatch, messagePath(channelID, messageID), edit, &out)
	return out, err
}

func (c *HTTPPlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, messagePath(channelID, messageID), nil, nil)
}

func (c *HTTPPlatform) PinMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodPut, "/v1/channels/"+url.PathEscape(channelID)+"/pins/"+url.PathEscape(messageID), nil, nil)
}

func (c *HTTPPlatform) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPut, messagePath(channelID, messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

func (c *HTTPPlatform) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, messagePath(channelID, messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

func (c *HTTPPlatform) TriggerTyping(ctx context.Context, dest Destination) error {
	target, err := encodeDestination(dest)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/typing", map[string]destinationPayload{"destination": target}, nil)
}

func (c *HTTPPlatform) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("platform http client is nil")
	}
	token := ""
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(token)
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	correlationID := fmt.Sprintf("modmail_%d", time.Now().UnixNano())

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodePlatformError(resp.StatusCode, respBody)
	}
}

func decodePlatformError(status int, body []byte) error {
	perr := &PlatformError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			perr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			perr.Message = message
		}
	}
	return perr
}

func (c *HTTPPlatform) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
