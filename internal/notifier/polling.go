package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// CommandHandler executes one operator command (e.g. "/status") and returns
// the reply text.
type CommandHandler func(ctx context.Context, command string) string

// Poller long-polls the Telegram getUpdates API and forwards recognized
// commands to the handler. Replies go back to the chat the command came from.
type Poller struct {
	token   string
	client  *http.Client
	handler CommandHandler
	offset  int64
}

// NewPoller creates a command poller for the given bot token.
func NewPoller(token string, handler CommandHandler) *Poller {
	return &Poller{
		token: token,
		// Timeout must exceed the long-poll window.
		client:  &http.Client{Timeout: 40 * time.Second},
		handler: handler,
	}
}

// Run polls until ctx is cancelled. Poll errors back off and retry; the loop
// never exits on its own.
func (p *Poller) Run(ctx context.Context) {
	log.Println("[INFO] telegram command poller started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[INFO] telegram command poller stopped")
			return
		default:
		}

		updates, err := p.fetchUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[WARN] telegram getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			p.offset = u.UpdateID + 1
			text := strings.TrimSpace(u.Message.Text)
			if !strings.HasPrefix(text, "/") {
				continue
			}
			command := strings.Fields(text)[0]
			// Strip the @botname suffix used in group chats.
			if i := strings.Index(command, "@"); i > 0 {
				command = command[:i]
			}
			log.Printf("[INFO] telegram command %s from chat %d", command, u.Message.Chat.ID)
			reply := p.handler(ctx, command)
			if reply != "" {
				p.reply(ctx, u.Message.Chat.ID, reply)
			}
		}
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (p *Poller) fetchUpdates(ctx context.Context) ([]update, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?timeout=30&offset=%d",
		telegramAPI, p.token, p.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}

	var result struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram returned ok=false")
	}
	return result.Result, nil
}

func (p *Poller) reply(ctx context.Context, chatID int64, text string) {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPI, p.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[WARN] telegram reply failed: %v", err)
		return
	}
	resp.Body.Close()
}
