// Package slack provides a Slack bot channel for Forgeline using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jxucoder/forgeline/pkg/channel"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// Bot is the Slack Socket Mode bot for Forgeline.
type Bot struct {
	api            *slack.Client
	socketClient   *socketmode.Client
	engine         channel.Engine
	defaultProject string
	logger         zerolog.Logger
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken, defaultProject string, eng channel.Engine, logger zerolog.Logger) *Bot {
	logger = logger.With().Str("channel", "slack").Logger()
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(log.New(logger, "", 0)),
	)

	return &Bot{
		api:            api,
		socketClient:   socketClient,
		engine:         eng,
		defaultProject: defaultProject,
		logger:         logger,
	}
}

// Name returns the channel name.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	b.logger.Info().Msg("connecting via Socket Mode")
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug().Msg("connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info().Msg("connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn().Msg("connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		go b.handleMention(ctx, ev)
	}
}

// stripMention removes the leading "<@U123>" from a mention's text.
func stripMention(text string) string {
	if idx := strings.Index(text, ">"); idx >= 0 && strings.HasPrefix(strings.TrimSpace(text), "<@") {
		return strings.TrimSpace(text[idx+1:])
	}
	return strings.TrimSpace(text)
}

func (b *Bot) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	threadTS := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		threadTS = ev.ThreadTimeStamp
	}

	prompt, project := model.ParseProjectFlag(stripMention(ev.Text), b.defaultProject)
	if prompt == "" {
		b.postThread(ev.Channel, threadTS, channel.Usage("@forgeline"))
		return
	}
	if project == "" {
		b.postThread(ev.Channel, threadTS,
			"I couldn't determine which project to work on. Please specify:\n`@forgeline [change] --project <id>`")
		return
	}

	if strings.EqualFold(prompt, "status") {
		b.postStatus(ctx, ev.Channel, threadTS, project)
		return
	}

	req, out, err := channel.Submit(ctx, b.engine, project, prompt, func(e *model.Event) {
		if e.Type == model.EventSandbox && e.Detail["provisioned"] == true {
			b.postThread(ev.Channel, threadTS, ":package: Preview sandbox provisioned.")
		}
	})
	if err != nil {
		b.postThread(ev.Channel, threadTS, fmt.Sprintf(":x: Failed to submit request: %s", err))
		return
	}

	b.postThread(ev.Channel, threadTS,
		fmt.Sprintf(":rocket: *Queued for `%s`* (request `%s`)\n> %s", project, req.ID, model.Truncate(prompt, 200)))

	o := <-out
	b.postOutcome(ev.Channel, threadTS, project, o)
}

func (b *Bot) postStatus(ctx context.Context, channelID, threadTS, project string) {
	var lines []string
	head, err := b.engine.GetHead(ctx, project)
	switch {
	case errors.Is(err, store.ErrNotFound):
		lines = append(lines, fmt.Sprintf("Project `%s` has no versions yet.", project))
	case err != nil:
		b.postThread(channelID, threadTS, fmt.Sprintf(":x: %s", err))
		return
	default:
		lines = append(lines, fmt.Sprintf("Head of `%s`: version %d (%s)", project, head.Number, head.Name))
	}
	if sb, err := b.engine.SandboxStatus(ctx, project); err == nil {
		lines = append(lines, fmt.Sprintf("Sandbox: `%s`", sb.Status))
	}
	b.postThread(channelID, threadTS, strings.Join(lines, "\n"))
}

func (b *Bot) postOutcome(channelID, threadTS, project string, o *channel.Outcome) {
	if !o.Succeeded() {
		b.postThread(channelID, threadTS, ":x: "+channel.Summary(o))
		return
	}

	headerText := slack.NewTextBlockObject(slack.MarkdownType,
		":white_check_mark: "+channel.Summary(o), false, false)
	headerSection := slack.NewSectionBlock(headerText, nil, nil)

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Project `%s` | Request `%s`", project, o.Request.ID),
			false, false),
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	_, _, err := b.api.PostMessage(channelID,
		slack.MsgOptionBlocks(headerSection, slack.NewDividerBlock(), contextBlock),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Warn().Err(err).Msg("posting outcome blocks")
		b.postThread(channelID, threadTS, ":white_check_mark: "+channel.Summary(o))
	}
}

func (b *Bot) postThread(channelID, threadTS, text string) {
	_, _, err := b.api.PostMessage(channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Warn().Err(err).Str("slack_channel", channelID).Msg("posting message")
	}
}
