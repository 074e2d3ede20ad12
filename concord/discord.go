package concord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

const customIDFormat = "%s:%s"

// ComponentInteraction is a button press routed to a subscriber. Value
// is the trailing segment of the component's custom ID.
type ComponentInteraction struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Username  string
	Value     string
}

// Messenger is the channel-messaging capability sessions and broadcast
// jobs call into. The Discord type implements it against the gateway;
// tests implement it in memory.
type Messenger interface {
	SendMessage(ctx context.Context, channelID string, content string) (string, error)
	SendEmbed(
		ctx context.Context,
		channelID string,
		embed *discordgo.MessageEmbed,
		components []discordgo.MessageComponent,
	) (string, error)
	EditMessage(ctx context.Context, channelID string, messageID string, content string) error
	DeleteMessage(ctx context.Context, channelID string, messageID string) error

	// SubscribeComponents routes button presses whose custom ID is
	// key:value to fn. The returned func removes the subscription;
	// sessions must call it when they end so no handler fires against
	// stale state.
	SubscribeComponents(key string, fn func(ComponentInteraction)) func()
}

// DiscordSessionHandler is the slice of discordgo.Session the bot
// uses, so tests can substitute a stub.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// Discord manages the gateway connection, implements Messenger, and
// routes interactions: slash commands to the command handler map,
// component presses to session subscriptions.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	connected          atomic.Bool
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	removeHandlerFuncs []func()

	mu                sync.Mutex
	componentHandlers map[string]func(ComponentInteraction)

	// commandHandler is invoked for slash command interactions; wired
	// up by Concord before connect.
	commandHandler func(s *discordgo.Session, i *discordgo.InteractionCreate)
}

func newDiscord(config *DiscordConfig, log *slog.Logger) *Discord {
	if log == nil {
		log = slog.Default()
	}
	return &Discord{
		config:            config,
		logger:            log.With(loggerNameKey, "discord"),
		componentHandlers: map[string]func(ComponentInteraction){},
	}
}

// newSession creates the underlying discordgo session.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = d.config.GatewayIntents
	session.SyncEvents = false
	session.StateEnabled = true
	return session, nil
}

// connect opens the gateway connection and installs event handlers.
func (d *Discord) connect() error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Connect) {
				d.metricConnects.Add(1)
				d.connected.Store(true)
				d.logger.Info("discord gateway connected")
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Disconnect) {
				d.metricDisconnects.Add(1)
				d.connected.Store(false)
				d.logger.Warn("discord gateway disconnected")
			},
		),
		d.session.AddHandler(
			func(s *discordgo.Session, i *discordgo.InteractionCreate) {
				d.handleInteraction(s, i)
			},
		),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// close removes handlers and closes the gateway connection.
func (d *Discord) close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// registerCommands overwrites the application's slash commands. With a
// guild ID set, registration is instant and guild-local; without one
// it's global (and slow to propagate).
func (d *Discord) registerCommands(commands []*discordgo.ApplicationCommand) error {
	_, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	d.logger.Info("registered slash commands", "count", len(commands))
	return nil
}

func (d *Discord) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if d.commandHandler != nil {
			d.commandHandler(s, i)
		}
	case discordgo.InteractionMessageComponent:
		d.handleComponent(s, i)
	default:
		d.logger.Debug("ignoring interaction", "type", i.Type.String())
	}
}

// handleComponent acks the button press and dispatches it to the
// subscription owning the custom ID prefix, if one is still live.
func (d *Discord) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	sep := strings.LastIndex(customID, ":")
	if sep < 0 {
		d.logger.Warn("component custom ID has no separator", "custom_id", customID)
		return
	}
	key, value := customID[:sep], customID[sep+1:]

	d.mu.Lock()
	fn, ok := d.componentHandlers[key]
	d.mu.Unlock()

	err := s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	)
	if err != nil {
		d.logger.Error("error acking component interaction", "error", err)
	}

	if !ok {
		// Stale button from an ended session.
		d.logger.Debug("no subscription for component", "custom_id", customID)
		return
	}

	user := interactionUser(i)
	if user == nil {
		return
	}
	fn(
		ComponentInteraction{
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
			MessageID: i.Message.ID,
			UserID:    user.ID,
			Username:  user.Username,
			Value:     value,
		},
	)
}

func (d *Discord) SubscribeComponents(key string, fn func(ComponentInteraction)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.componentHandlers[key] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.componentHandlers, key)
	}
}

func (d *Discord) SendMessage(ctx context.Context, channelID string, content string) (
	string,
	error,
) {
	if len(content) > discordMaxMessageLength {
		content = content[:discordMaxMessageLength]
	}
	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: content},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("error sending message to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

func (d *Discord) SendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("error sending embed to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

func (d *Discord) EditMessage(
	ctx context.Context,
	channelID string,
	messageID string,
	content string,
) error {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.SetContent(content)
	_, err := d.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error editing message %s: %w", messageID, err)
	}
	return nil
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID string, messageID string) error {
	err := d.session.ChannelMessageDelete(
		channelID,
		messageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error deleting message %s: %w", messageID, err)
	}
	return nil
}

// interactionUser returns the invoking user for guild or DM
// interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}
