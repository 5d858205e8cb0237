package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Publication is one channel post. Without an image it goes out as text.
type Publication struct {
	Caption  string
	ImageURL string
	Spoiler  bool
}

// Delivery confirms a post reached the channel.
type Delivery struct {
	MessageID int
}

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api %s: %d %s", e.Method, e.Code, e.Description)
}

// Client talks to the Bot HTTP API.
type Client struct {
	http     *http.Client
	baseURL  string
	channel  string
	adminIDs []int64
	cb       *gobreaker.CircuitBreaker
	logger   *log.Logger
}

func NewClient(cfg *config.Config, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bot-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// the API answering with a refusal is not an outage
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr) && apiErr.Code < 500
		},
	})
	return &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		baseURL:  strings.TrimRight(cfg.BotAPIURL, "/") + "/bot" + cfg.BotToken,
		channel:  cfg.ChannelID,
		adminIDs: cfg.AdminChatIDs,
		cb:       cb,
		logger:   logger,
	}
}

type message struct {
	MessageID int `json:"message_id"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendPublication posts p to the channel exactly once. A nil error means the
// API confirmed the message.
func (c *Client) SendPublication(ctx context.Context, p Publication) (Delivery, error) {
	var msg message
	var err error
	if p.ImageURL != "" {
		err = c.call(ctx, "sendPhoto", map[string]any{
			"chat_id":     c.channel,
			"photo":       p.ImageURL,
			"caption":     p.Caption,
			"parse_mode":  "HTML",
			"has_spoiler": p.Spoiler,
		}, &msg)
	} else {
		err = c.call(ctx, "sendMessage", map[string]any{
			"chat_id":    c.channel,
			"text":       p.Caption,
			"parse_mode": "HTML",
		}, &msg)
	}
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{MessageID: msg.MessageID}, nil
}

func (c *Client) NotifyBuyer(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

// RetractPrompt deletes the payment prompt message. Zero ids are a no-op.
func (c *Client) RetractPrompt(ctx context.Context, chatID int64, messageID int) error {
	if chatID == 0 || messageID == 0 {
		return nil
	}
	return c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

// AlertOperators sends text to every configured admin chat.
func (c *Client) AlertOperators(ctx context.Context, text string) error {
	if len(c.adminIDs) == 0 {
		c.logger.Warn("No operator chats configured, alert dropped", zap.String("alert", text))
		return nil
	}
	var errs []error
	for _, id := range c.adminIDs {
		if err := c.NotifyBuyer(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("alert %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	_, err = c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bot api %s: %w", method, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}

		var ar apiResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			return nil, &APIError{Method: method, Code: resp.StatusCode, Description: "malformed response"}
		}
		if !ar.OK {
			code := ar.ErrorCode
			if code == 0 {
				code = resp.StatusCode
			}
			return nil, &APIError{Method: method, Code: code, Description: ar.Description}
		}
		if out != nil && len(ar.Result) > 0 {
			if err := json.Unmarshal(ar.Result, out); err != nil {
				return nil, fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil, nil
	})
	return err
}
