package telegram

import (
	"context"
	"fitcoachdev/engine"
	"fitcoachdev/logger"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Transcriber turns a voice note into text. Satisfied by deepgramapi.
type Transcriber interface {
	Transcribe(ctx context.Context, audioData []byte) (string, error)
}

type TelegramConnectProps struct {
	Logger      *logger.LogMiddleware
	Engine      *engine.Engine
	Transcriber Transcriber
	BotToken    string
	Debug       bool
}

type Telegram struct {
	logger      *logger.LogMiddleware
	bot         *tgbotapi.BotAPI
	engine      *engine.Engine
	transcriber Transcriber
	httpClient  *http.Client
}

func Connect(ctx context.Context, args TelegramConnectProps) *Telegram {
	tracer := otel.Tracer("telegram/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	if args.BotToken == "" {
		args.Logger.Logger(ctx).Fatal("Telegram bot token not set")
	}

	bot, err := tgbotapi.NewBotAPI(args.BotToken)
	if err != nil {
		args.Logger.Logger(ctx).Fatal("Failed to create Telegram bot", zap.Error(err))
	}
	bot.Debug = args.Debug

	span.SetAttributes(
		attribute.String("bot.username", bot.Self.UserName),
		attribute.Bool("bot.debug", args.Debug),
	)

	args.Logger.Logger(ctx).Info("Telegram bot connected successfully",
		zap.String("username", bot.Self.UserName),
		zap.Bool("debug", args.Debug),
	)

	return &Telegram{
		logger:      args.Logger,
		bot:         bot,
		engine:      args.Engine,
		transcriber: args.Transcriber,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
}

func (t *Telegram) Listen(ctx context.Context) {
	tracer := otel.Tracer("telegram/Listen")
	ctx, span := tracer.Start(ctx, "Listen")
	defer span.End()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)

	t.logger.Logger(ctx).Info("Starting Telegram bot message listener")

	for {
		select {
		case <-ctx.Done():
			t.logger.Logger(ctx).Info("Shutting down Telegram bot listener")
			return
		case update := <-updates:
			// Each update runs on its own goroutine; the engine
			// serializes per user internally.
			go t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tracer := otel.Tracer("telegram/handleUpdate")
	ctx, span := tracer.Start(ctx, "handleUpdate")
	defer span.End()

	switch {
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *Telegram) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	tracer := otel.Tracer("telegram/handleMessage")
	ctx, span := tracer.Start(ctx, "handleMessage")
	defer span.End()

	if message.From == nil {
		return
	}

	user := message.From
	span.SetAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("user.username", user.UserName),
	)

	t.logger.Logger(ctx).Info("Received message",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName),
	)

	ev := engine.Event{UserID: user.ID, Kind: engine.EventText, Payload: message.Text}

	switch {
	case message.Voice != nil || message.Audio != nil:
		text, err := t.transcribeVoice(ctx, message)
		if err != nil {
			t.logger.Logger(ctx).Error("Failed to transcribe voice note",
				zap.Int64("user_id", user.ID), zap.Error(err))
			t.sendPlain(ctx, message.Chat.ID, "I couldn't make out that voice note, please type it instead.")
			return
		}
		span.SetAttributes(attribute.String("message.type", "voice"))
		ev.Payload = text

	case message.IsCommand():
		if message.Command() == "save" {
			t.sendLastProgram(ctx, message.Chat.ID, user.ID)
			return
		}
		span.SetAttributes(attribute.String("message.type", "command"))
		ev.Kind = engine.EventCommand

	case message.Text != "":
		span.SetAttributes(attribute.String("message.type", "text"))

	default:
		return
	}

	replies := t.engine.HandleEvent(ctx, ev)
	t.deliver(ctx, message.Chat.ID, replies)
}

func (t *Telegram) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	tracer := otel.Tracer("telegram/handleCallbackQuery")
	ctx, span := tracer.Start(ctx, "handleCallbackQuery")
	defer span.End()

	if query.From == nil {
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", query.From.ID),
		attribute.String("callback.data", query.Data),
	)

	callback := tgbotapi.NewCallback(query.ID, "")
	t.bot.Send(callback)

	replies := t.engine.HandleEvent(ctx, engine.Event{
		UserID:  query.From.ID,
		Kind:    engine.EventSelection,
		Payload: query.Data,
	})
	if query.Message != nil {
		t.deliver(ctx, query.Message.Chat.ID, replies)
	}
}

// transcribeVoice downloads the voice file from Telegram and runs it
// through the speech-to-text service.
func (t *Telegram) transcribeVoice(ctx context.Context, message *tgbotapi.Message) (string, error) {
	if t.transcriber == nil {
		return "", fmt.Errorf("voice transcription not configured")
	}

	fileID := ""
	if message.Voice != nil {
		fileID = message.Voice.FileID
	} else if message.Audio != nil {
		fileID = message.Audio.FileID
	}

	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("could not resolve voice file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not download voice file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("voice file download returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return t.transcriber.Transcribe(ctx, audio)
}

// sendLastProgram exports the most recent program as a file attachment.
func (t *Telegram) sendLastProgram(ctx context.Context, chatID, userID int64) {
	program, ok, err := t.engine.LastProgram(userID)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to load last program",
			zap.Int64("user_id", userID), zap.Error(err))
		t.sendPlain(ctx, chatID, "Could not read your programs right now.")
		return
	}
	if !ok {
		t.sendPlain(ctx, chatID, "No programs yet. Generate one first!")
		return
	}

	name := fmt.Sprintf("program-%s.md", program.Timestamp.Format("2006-01-02"))
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  name,
		Bytes: []byte(program.Text),
	})
	doc.Caption = fmt.Sprintf("%s, %s", program.MuscleFocus, program.Style)
	if _, err := t.bot.Send(doc); err != nil {
		t.logger.Logger(ctx).Error("Failed to send program file",
			zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (t *Telegram) deliver(ctx context.Context, chatID int64, replies []engine.Reply) {
	for _, reply := range replies {
		msg := tgbotapi.NewMessage(chatID, reply.Text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if len(reply.Options) > 0 {
			msg.ReplyMarkup = replyKeyboard(reply.Options)
		}

		if _, err := t.bot.Send(msg); err != nil {
			// Model output is not always valid Telegram Markdown;
			// retry as plain text before giving up.
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				t.logger.Logger(ctx).Error("Failed to send reply",
					zap.Int64("chat_id", chatID), zap.Error(err))
			}
		}
	}
}

func replyKeyboard(options []string) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	for i := 0; i < len(options); i += 2 {
		row := []tgbotapi.KeyboardButton{tgbotapi.NewKeyboardButton(options[i])}
		if i+1 < len(options) {
			row = append(row, tgbotapi.NewKeyboardButton(options[i+1]))
		}
		rows = append(rows, row)
	}
	keyboard := tgbotapi.NewReplyKeyboard(rows...)
	keyboard.ResizeKeyboard = true
	keyboard.OneTimeKeyboard = true
	return keyboard
}

func (t *Telegram) sendPlain(ctx context.Context, chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Logger(ctx).Error("Failed to send message",
			zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
