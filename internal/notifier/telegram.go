package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"PerpPilot/internal/config"
	"PerpPilot/internal/model"
	"PerpPilot/internal/store"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier routes events to Telegram chats by category. Messages are
// queued and sent by a background goroutine so trading never blocks on the
// Telegram API.
type TelegramNotifier struct {
	token  string
	chats  map[Channel]string
	client *http.Client

	queue  chan message
	done   chan struct{}
	cancel context.CancelFunc
}

type message struct {
	channel Channel
	text    string
}

// NewTelegramNotifier starts the dispatch goroutine. Channels without a
// configured chat fall back to the system chat.
func NewTelegramNotifier(cfg *config.Config) (*TelegramNotifier, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	transport := &http.Transport{}
	if cfg.Proxy != "" {
		if u, err := url.Parse(cfg.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &TelegramNotifier{
		token: cfg.Telegram.BotToken,
		chats: map[Channel]string{
			ChannelCritical:  cfg.Telegram.Chats.Critical,
			ChannelTrades:    cfg.Telegram.Chats.Trades,
			ChannelReport:    cfg.Telegram.Chats.Report,
			ChannelSystem:    cfg.Telegram.Chats.System,
			ChannelHeartbeat: cfg.Telegram.Chats.Heartbeat,
		},
		client: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		queue:  make(chan message, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go n.dispatch(ctx)
	return n, nil
}

func (n *TelegramNotifier) dispatch(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case msg := <-n.queue:
					n.sendWithRetry(context.Background(), msg)
				default:
					return
				}
			}
		case msg := <-n.queue:
			n.sendWithRetry(ctx, msg)
		}
	}
}

func (n *TelegramNotifier) enqueue(ch Channel, text string) {
	select {
	case n.queue <- message{channel: ch, text: text}:
	default:
		log.Printf("[WARN] telegram queue full, dropping %s message", ch)
	}
}

// sendWithRetry posts one message with exponential backoff, honoring ctx.
func (n *TelegramNotifier) sendWithRetry(ctx context.Context, msg message) {
	const maxRetries = 3

	chatID := n.chats[msg.channel]
	if chatID == "" {
		chatID = n.chats[ChannelSystem]
	}
	if chatID == "" {
		return
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := n.send(ctx, chatID, msg.text); err != nil {
			lastErr = err
			if i == maxRetries {
				break
			}
			backoff := time.Duration(1<<uint(i)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				continue
			}
		}
		return
	}
	log.Printf("[ERROR] telegram send to %s failed after %d attempts: %v",
		msg.channel, maxRetries+1, lastErr)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPI, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (n *TelegramNotifier) PositionOpened(p *model.Position) {
	n.enqueue(ChannelTrades, formatOpened(p))
}

func (n *TelegramNotifier) PositionClosed(t *store.TradeRecord) {
	n.enqueue(ChannelTrades, formatClosed(t))
}

func (n *TelegramNotifier) RiskWarning(symbol, msg string) {
	n.enqueue(ChannelCritical, fmt.Sprintf("⚠️ <b>Risk warning</b> [%s]\n%s", symbol, msg))
}

func (n *TelegramNotifier) SyncFinding(f model.SyncFinding) {
	n.enqueue(ChannelCritical, formatSyncFinding(f))
}

func (n *TelegramNotifier) ResetCompleted(positionsClosed, ordersCancelled int, equity float64) {
	n.enqueue(ChannelSystem, formatReset(positionsClosed, ordersCancelled, equity))
}

func (n *TelegramNotifier) SystemError(msg string) {
	n.enqueue(ChannelCritical, "🛑 <b>System error</b>\n"+msg)
}

func (n *TelegramNotifier) DailyReport(d *store.DailySummary) {
	n.enqueue(ChannelReport, formatDailyReport(d))
}

func (n *TelegramNotifier) Heartbeat(openPositions int, state model.RiskState) {
	n.enqueue(ChannelHeartbeat, formatHeartbeat(openPositions, state))
}

// Close stops the dispatcher after draining queued messages.
func (n *TelegramNotifier) Close() {
	n.cancel()
	select {
	case <-n.done:
	case <-time.After(15 * time.Second):
		log.Println("[WARN] telegram dispatcher did not drain in time")
	}
}
