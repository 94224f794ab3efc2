// Package app is the terminal chat pane: it follows one public channel and
// posts what is typed into it.
package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OpenAgentsInc/commander/internal/chat"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const DefaultPollInterval = 3 * time.Second

type (
	ChatService interface {
		GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
		SendMessage(ctx context.Context, secretKey, channelID, text string, reply *model.Reply) (*model.ChannelMessage, error)
		ListMessages(ctx context.Context, channelID string, opts chat.ListOptions) ([]*model.ChannelMessage, error)
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		chat         ChatService
		secretKey    string
		publicKey    string
		pollInterval time.Duration

		channel *model.Channel

		mu    sync.Mutex
		seen  map[string]bool
		since time.Time
	}
)

func NewApp(svc ChatService, secretKey, publicKey string, pollInterval time.Duration) *App {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &App{
		app:          tview.NewApplication(),
		chat:         svc,
		secretKey:    secretKey,
		publicKey:    publicKey,
		pollInterval: pollInterval,
		seen:         make(map[string]bool),
	}
}

// Open loads the channel the pane follows.
func (c *App) Open(ctx context.Context, channelID string) error {
	channel, err := c.chat.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	c.channel = channel
	return nil
}

// Run opens the channel and blocks until the pane is closed or ctx ends.
func (c *App) Run(ctx context.Context, channelID string) error {
	if err := c.Open(ctx, channelID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.follow(ctx)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	return c.renderUI()
}

// blocking function
func (c *App) renderUI() error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" #%s ", c.channel.Metadata.Name))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(context.Background(), msg); err != nil {
				c.app.QueueUpdateDraw(func() {
					fmt.Fprintf(c.chatbox, "[red]send failed:[-] %s\n", tview.Escape(err.Error()))
				})
				log.Error("send message failed", zap.Error(err))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) follow(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		msgs, err := c.Poll(ctx)
		if err != nil {
			log.Debug("poll channel failed", zap.String("channel", c.channel.ID), zap.Error(err))
		} else if len(msgs) > 0 {
			c.app.QueueUpdateDraw(func() {
				for _, m := range msgs {
					fmt.Fprintln(c.chatbox, c.Format(m))
				}
				c.chatbox.ScrollToEnd()
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll returns the channel messages not shown yet, oldest first. Messages
// hidden or muted by this user are left out.
func (c *App) Poll(ctx context.Context) ([]*model.ChannelMessage, error) {
	c.mu.Lock()
	since := c.since
	c.mu.Unlock()

	msgs, err := c.chat.ListMessages(ctx, c.channel.ID, chat.ListOptions{
		Since:  since,
		Viewer: c.publicKey,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var fresh []*model.ChannelMessage
	for _, m := range slices.Backward(msgs) {
		if c.seen[m.ID] {
			continue
		}
		c.seen[m.ID] = true
		// same-second messages may still arrive, so since is inclusive
		if m.CreatedAt.After(c.since) {
			c.since = m.CreatedAt
		}
		fresh = append(fresh, m)
	}
	return fresh, nil
}

func (c *App) SendMessage(ctx context.Context, text string) error {
	_, err := c.chat.SendMessage(ctx, c.secretKey, c.channel.ID, text, nil)
	return err
}

func (c *App) Format(m *model.ChannelMessage) string {
	who, color := short(m.Author), "green"
	if m.Author == c.publicKey {
		who, color = "You", "yellow"
	}
	return fmt.Sprintf("[%s]%s:[-] %s", color, who, tview.Escape(m.Content))
}

func short(pubkey string) string {
	if len(pubkey) <= 8 {
		return pubkey
	}
	return pubkey[:8]
}
