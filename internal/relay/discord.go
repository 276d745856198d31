package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/config"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/shared"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	colorSuccess = 0x00CC66
	colorFailure = 0xCC3333
	colorTimeout = 0xFF9900
	colorInfo    = 0x3399FF
	colorError   = 0xCC3333

	discordRelayTimeout = 30 * time.Second
)

// DiscordSession abstracts the discordgo.Session methods used by DiscordBot,
// enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID string, guildID string, cmdID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	State() *discordgo.State
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandCreate(appID, guildID, cmd, options...)
}

func (r *realDiscordSession) ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error {
	return r.s.ApplicationCommandDelete(appID, guildID, cmdID, options...)
}

func (r *realDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

func (r *realDiscordSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, params, options...)
}

func (r *realDiscordSession) State() *discordgo.State {
	return r.s.State
}

// DiscordBot lets operators nudge the game servers from chat.
type DiscordBot struct {
	session     DiscordSession
	guildID     string
	nudgePass   string
	defaultMeta string
	logger      *zap.Logger
	dispatcher  *Dispatcher
	audit       *AuditLogger

	mu            sync.Mutex
	commandIDs    []string
	running       bool
	removeHandler func()
}

// NewDiscordBot creates a DiscordBot with a real discordgo session.
func NewDiscordBot(cfg config.DiscordConfig, dispatcher *Dispatcher, audit *AuditLogger, logger *zap.Logger) (*DiscordBot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return NewDiscordBotWithSession(&realDiscordSession{s: dg}, cfg, dispatcher, audit, logger), nil
}

// NewDiscordBotWithSession creates a DiscordBot with an injected session (for testing).
func NewDiscordBotWithSession(session DiscordSession, cfg config.DiscordConfig, dispatcher *Dispatcher, audit *AuditLogger, logger *zap.Logger) *DiscordBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordBot{
		session:     session,
		guildID:     cfg.GuildID,
		nudgePass:   cfg.NudgePass,
		defaultMeta: cfg.DefaultMeta,
		logger:      logger,
		dispatcher:  dispatcher,
		audit:       audit,
	}
}

func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "nudge",
			Description: "Send a message to the game servers",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "content",
					Description: "Message text",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "meta",
					Description: "Channel or server to address",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "ping",
					Description: "Ping the channel",
					Required:    false,
				},
			},
		},
		{
			Name:        "relays",
			Description: "Show recent commloop relays",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "category",
					Description: "Only show this category",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "limit",
					Description: "Number of entries (default 10)",
					Required:    false,
				},
			},
		},
	}
}

// Start opens the Discord session, registers commands, and sets up the interaction handler.
func (b *DiscordBot) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("discord bot is already running")
	}
	b.mu.Unlock()

	b.removeHandler = b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(i)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	appID := b.appID()
	var registeredIDs []string
	for _, cmd := range slashCommands() {
		registered, err := b.session.ApplicationCommandCreate(appID, b.guildID, cmd)
		if err != nil {
			b.logger.Warn("failed to register slash command",
				zap.String("command", cmd.Name),
				zap.Error(err),
			)
			continue
		}
		registeredIDs = append(registeredIDs, registered.ID)
		b.logger.Info("registered slash command", zap.String("command", cmd.Name))
	}

	b.mu.Lock()
	b.commandIDs = registeredIDs
	b.running = true
	b.mu.Unlock()

	return nil
}

// Stop deregisters commands and closes the Discord session.
func (b *DiscordBot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	ids := b.commandIDs
	b.commandIDs = nil
	b.mu.Unlock()

	appID := b.appID()
	for _, id := range ids {
		if err := b.session.ApplicationCommandDelete(appID, b.guildID, id); err != nil {
			b.logger.Warn("failed to delete slash command", zap.String("id", id), zap.Error(err))
		}
	}

	if b.removeHandler != nil {
		b.removeHandler()
	}

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	return nil
}

func (b *DiscordBot) appID() string {
	state := b.session.State()
	if state != nil && state.User != nil {
		return state.User.ID
	}
	return ""
}

// handleInteraction routes incoming interactions to the appropriate command handler.
func (b *DiscordBot) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in interaction handler",
				zap.Any("panic", r),
				zap.String("command", i.ApplicationCommandData().Name),
			)
			_, _ = b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{errorEmbed("Internal Error", "An unexpected error occurred. Please try again.")},
			})
		}
	}()

	data := i.ApplicationCommandData()
	cmdName := data.Name

	if err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Error("failed to acknowledge interaction", zap.String("command", cmdName), zap.Error(err))
		return
	}

	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	for _, opt := range data.Options {
		opts[opt.Name] = opt
	}

	var embed *discordgo.MessageEmbed
	switch cmdName {
	case "nudge":
		embed = b.handleNudge(i.Interaction, opts)
	case "relays":
		embed = b.handleRelays(opts)
	default:
		embed = errorEmbed("Unknown Command", fmt.Sprintf("Command `/%s` is not recognized.", cmdName))
	}

	if _, err := b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		b.logger.Error("failed to send followup", zap.String("command", cmdName), zap.Error(err))
	}
}

func (b *DiscordBot) handleNudge(interaction *discordgo.Interaction, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) *discordgo.MessageEmbed {
	if b.dispatcher == nil {
		return errorEmbed("Nudge Failed", "The commloop is not configured.")
	}
	contentOpt, ok := opts["content"]
	if !ok || strings.TrimSpace(contentOpt.StringValue()) == "" {
		return validationErrorEmbed("Missing required argument: `content`")
	}

	meta := b.defaultMeta
	if metaOpt, ok := opts["meta"]; ok && metaOpt.StringValue() != "" {
		meta = metaOpt.StringValue()
	}
	var ping *bool
	if pingOpt, ok := opts["ping"]; ok {
		ping = nudge.Bool(pingOpt.BoolValue())
	}

	msg := nudge.Normalize(nudge.ModernRequest{
		Category: nudge.CategoryGameNudge,
		Subtopic: meta,
		Secret:   b.nudgePass,
		Content:  fmt.Sprintf("%s: %s", interactionAuthor(interaction), contentOpt.StringValue()),
		Ping:     ping,
	})

	ctx, cancel := context.WithTimeout(context.Background(), discordRelayTimeout)
	defer cancel()
	ctx = shared.WithCorrelationID(ctx, uuid.NewString())

	err := b.dispatcher.Dispatch(ctx, SourceDiscord, msg, "discord:"+interaction.ChannelID)
	return relayResultEmbed(meta, err)
}

func (b *DiscordBot) handleRelays(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) *discordgo.MessageEmbed {
	if b.audit == nil {
		return errorEmbed("Relays", "The relay audit log is disabled.")
	}

	filter := RelayFilter{Limit: 10}
	if catOpt, ok := opts["category"]; ok {
		filter.Category = catOpt.StringValue()
	}
	if limitOpt, ok := opts["limit"]; ok {
		if v := int(limitOpt.IntValue()); v > 0 && v <= 25 {
			filter.Limit = v
		}
	}

	records, err := b.audit.QueryRelays(filter)
	if err != nil {
		b.logger.Error("failed to query relays for discord", zap.Error(err))
		return errorEmbed("Relays", "Could not read the relay log. Please try again later.")
	}
	if len(records) == 0 {
		return &discordgo.MessageEmbed{
			Title:       "Recent Relays",
			Description: "No relays recorded.",
			Color:       colorInfo,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(records))
	for _, rec := range records {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s/%s", rec.Category, valueOrDash(rec.Subtopic)),
			Value: fmt.Sprintf("%s via %s, %dms, %s", rec.Outcome, rec.Source, rec.DurationMs, rec.Timestamp.Format(time.RFC3339)),
		})
	}
	return &discordgo.MessageEmbed{
		Title:     "Recent Relays",
		Color:     colorInfo,
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func interactionAuthor(i *discordgo.Interaction) string {
	switch {
	case i.Member != nil && i.Member.Nick != "":
		return i.Member.Nick
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.Username
	case i.User != nil:
		return i.User.Username
	default:
		return "discord"
	}
}

// relayResultEmbed summarizes a relay outcome without leaking addresses.
func relayResultEmbed(meta string, err error) *discordgo.MessageEmbed {
	outcome := commloop.Classify(err)
	fields := []*discordgo.MessageEmbedField{
		{Name: "Meta", Value: valueOrDash(meta), Inline: true},
		{Name: "Outcome", Value: outcome, Inline: true},
	}

	if err == nil {
		return &discordgo.MessageEmbed{
			Title:       "Nudge Sent",
			Description: AcceptedMessage,
			Color:       colorSuccess,
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
	}

	color := colorFailure
	if errors.Is(err, context.DeadlineExceeded) {
		color = colorTimeout
	}
	return &discordgo.MessageEmbed{
		Title:       "Nudge Failed",
		Description: sanitizeError(err),
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// errorEmbed creates a red error embed with a safe message.
func errorEmbed(title, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func validationErrorEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Validation Error",
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// sanitizeError strips internal details from error messages.
func sanitizeError(err error) string {
	switch {
	case errors.Is(err, commloop.ErrTransport):
		return "The commloop could not be reached. Please try again later."
	case errors.Is(err, commloop.ErrAuthenticationFailed):
		return "The commloop rejected our credentials."
	case errors.Is(err, commloop.ErrInvalidMsg):
		return "The message is missing required fields."
	case errors.Is(err, commloop.ErrInvalidIdentity), errors.Is(err, commloop.ErrMalformedPayload):
		return "The commloop could not read the message."
	default:
		return "An error occurred while relaying the message."
	}
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
