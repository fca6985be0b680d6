// Package telegram provides a Telegram bot channel for Forgeline.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/pkg/channel"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// Engine adds cancellation to what every channel needs.
type Engine interface {
	channel.Engine
	CancelRequest(ctx context.Context, requestID string) (*model.Request, error)
}

// chatState is what a chat remembers between messages.
type chatState struct {
	project     string
	lastRequest string
}

// Bot is the Telegram bot for Forgeline.
type Bot struct {
	api            *tgbotapi.BotAPI
	engine         Engine
	defaultProject string
	logger         zerolog.Logger

	chatMu sync.RWMutex
	chats  map[int64]*chatState
}

// NewBot creates a new Telegram bot.
func NewBot(token, defaultProject string, eng Engine, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	logger = logger.With().Str("channel", "telegram").Logger()
	logger.Info().Str("bot", api.Self.UserName).Msg("authorized")

	return &Bot{
		api:            api,
		engine:         eng,
		defaultProject: defaultProject,
		logger:         logger,
		chats:          make(map[int64]*chatState),
	}, nil
}

// Name returns the channel name.
func (b *Bot) Name() string { return "telegram" }

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Msg("listening for messages")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	chatID := msg.Chat.ID
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, msg.MessageID, text)
		return
	}
	b.handlePrompt(ctx, chatID, msg.MessageID, text)
}

// parseCommand splits "/cmd@bot args" into "/cmd" and "args".
func parseCommand(text string) (string, string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", ""
	}
	cmd := strings.ToLower(parts[0])
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(strings.TrimPrefix(text, parts[0]))
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, replyTo int, text string) {
	cmd, args := parseCommand(text)

	switch cmd {
	case "/start", "/help":
		b.sendHelp(chatID, replyTo)
	case "/project":
		if args == "" {
			b.sendReply(chatID, replyTo, fmt.Sprintf("Current project: `%s`", escapeMarkdown(b.projectFor(chatID))))
			return
		}
		b.setProject(chatID, strings.Fields(args)[0])
		b.sendReply(chatID, replyTo, fmt.Sprintf("✅ Now working on `%s`", escapeMarkdown(strings.Fields(args)[0])))
	case "/status":
		b.handleStatus(ctx, chatID, replyTo)
	case "/cancel":
		b.handleCancel(ctx, chatID, replyTo)
	case "/run":
		if args == "" {
			b.sendReply(chatID, replyTo, "Usage: `/run add a pricing page \\-\\-project my\\-site`")
			return
		}
		b.handlePrompt(ctx, chatID, replyTo, args)
	default:
		b.sendReply(chatID, replyTo, fmt.Sprintf("Unknown command `%s`\\. Try /help", escapeMarkdown(cmd)))
	}
}

func (b *Bot) handlePrompt(ctx context.Context, chatID int64, replyTo int, text string) {
	prompt, project := model.ParseProjectFlag(text, b.projectFor(chatID))
	if project == "" {
		b.sendReply(chatID, replyTo,
			"No project selected\\. Pick one with:\n"+
				"`/project my\\-site`\n\n"+
				"Or add `\\-\\-project` to your message:\n"+
				"`add a contact form \\-\\-project my\\-site`")
		return
	}
	if prompt == "" {
		b.sendReply(chatID, replyTo, escapeMarkdown(channel.Usage("")))
		return
	}
	b.setProject(chatID, project)
	b.sendChatAction(chatID)

	req, out, err := channel.Submit(ctx, b.engine, project, prompt, func(e *model.Event) {
		if e.Type == model.EventStepStart {
			b.sendChatAction(chatID)
		}
	})
	if err != nil {
		b.sendReply(chatID, replyTo, fmt.Sprintf("❌ Failed to submit: %s", escapeMarkdown(err.Error())))
		return
	}
	b.rememberRequest(chatID, req.ID)
	b.sendReply(chatID, replyTo,
		fmt.Sprintf("⚙ Working on `%s`\\.\\.\\. \\(request `%s`\\)", escapeMarkdown(project), escapeMarkdown(req.ID)))

	o := <-out
	icon := "✅"
	if !o.Succeeded() {
		icon = "❌"
	}
	b.sendReply(chatID, replyTo, icon+" "+escapeMarkdown(channel.Summary(o)))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64, replyTo int) {
	project := b.projectFor(chatID)
	if project == "" {
		b.sendReply(chatID, replyTo, "No project selected\\. Use /project")
		return
	}

	lines := []string{fmt.Sprintf("*Project* `%s`", escapeMarkdown(project))}
	head, err := b.engine.GetHead(ctx, project)
	switch {
	case errors.Is(err, store.ErrNotFound):
		lines = append(lines, "*Head:* none yet")
	case err != nil:
		b.sendReply(chatID, replyTo, "❌ Could not fetch project info\\.")
		return
	default:
		lines = append(lines, fmt.Sprintf("*Head:* v%d %s", head.Number, escapeMarkdown(head.Name)))
	}
	if sb, err := b.engine.SandboxStatus(ctx, project); err == nil {
		lines = append(lines, fmt.Sprintf("*Sandbox:* `%s`", escapeMarkdown(string(sb.Status))))
	}
	if id := b.lastRequest(chatID); id != "" {
		if req, err := b.engine.GetRequest(ctx, id); err == nil {
			lines = append(lines, fmt.Sprintf("*Last request:* `%s`", escapeMarkdown(string(req.Status))))
		}
	}
	b.sendReply(chatID, replyTo, strings.Join(lines, "\n"))
}

func (b *Bot) handleCancel(ctx context.Context, chatID int64, replyTo int) {
	id := b.lastRequest(chatID)
	if id == "" {
		b.sendReply(chatID, replyTo, "Nothing to cancel\\.")
		return
	}
	req, err := b.engine.CancelRequest(ctx, id)
	if err != nil {
		b.sendReply(chatID, replyTo, fmt.Sprintf("❌ %s", escapeMarkdown(err.Error())))
		return
	}
	b.sendReply(chatID, replyTo, fmt.Sprintf("Request `%s` is `%s`", escapeMarkdown(req.ID), escapeMarkdown(string(req.Status))))
}

// --- Helpers ---

func (b *Bot) projectFor(chatID int64) string {
	b.chatMu.RLock()
	defer b.chatMu.RUnlock()
	if st := b.chats[chatID]; st != nil && st.project != "" {
		return st.project
	}
	return b.defaultProject
}

func (b *Bot) setProject(chatID int64, project string) {
	b.chatMu.Lock()
	defer b.chatMu.Unlock()
	st := b.chats[chatID]
	if st == nil {
		st = &chatState{}
		b.chats[chatID] = st
	}
	if st.project != project {
		st.lastRequest = ""
	}
	st.project = project
}

func (b *Bot) rememberRequest(chatID int64, requestID string) {
	b.chatMu.Lock()
	defer b.chatMu.Unlock()
	if st := b.chats[chatID]; st != nil {
		st.lastRequest = requestID
	}
}

func (b *Bot) lastRequest(chatID int64) string {
	b.chatMu.RLock()
	defer b.chatMu.RUnlock()
	if st := b.chats[chatID]; st != nil {
		return st.lastRequest
	}
	return ""
}

func (b *Bot) sendHelp(chatID int64, replyTo int) {
	b.sendReply(chatID, replyTo, ""+
		"*Forgeline* builds and previews your project one request at a time\\.\n\n"+
		"Send a message describing a change:\n"+
		"`add a contact form \\-\\-project my\\-site`\n"+
		"Follow\\-ups go to the same project\\.\n\n"+
		"*Commands:*\n"+
		"/project \\<id\\> \\-\\- Switch project\n"+
		"/status \\-\\- Show head version and sandbox\n"+
		"/cancel \\-\\- Cancel the last request\n"+
		"/run \\<change\\> \\-\\- Submit a change\n"+
		"/help \\-\\- Show this message")
}

func (b *Bot) sendChatAction(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	b.api.Send(action)
}

func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = "MarkdownV2"

	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("sending message")
		msg.ParseMode = ""
		msg.Text = stripMarkdown(text)
		b.api.Send(msg)
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
		"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
		">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
		"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
		".", "\\.", "!", "\\!",
	)
	return replacer.Replace(s)
}

func stripMarkdown(s string) string {
	r := strings.NewReplacer(
		"\\\\", "\\",
		"\\*", "*", "\\_", "_", "\\[", "[", "\\]", "]",
		"\\(", "(", "\\)", ")", "\\~", "~", "\\`", "`",
		"\\>", ">", "\\#", "#", "\\+", "+", "\\-", "-",
		"\\=", "=", "\\|", "|", "\\{", "{", "\\}", "}",
		"\\.", ".", "\\!", "!",
	)
	return r.Replace(s)
}
