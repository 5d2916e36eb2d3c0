package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		GlobalResolver = NewYtdlpResolver()
		GlobalNotifier = NewDiscordNotifier(client)
		Registry = NewSessionRegistry(ctx, SessionDeps{
			Resolver:   GlobalResolver,
			Transport:  &DiscordVoiceTransport{client: client},
			Controller: &DisgoStreamController{},
			Notifier:   GlobalNotifier,
			MaxQueueLength: func() int {
				if GlobalConfig != nil {
					return GlobalConfig.MaxQueueLength
				}
				return 0
			}(),
		}, func() time.Duration {
			if GlobalConfig != nil {
				return GlobalConfig.IdleTimeout
			}
			return DefaultIdleTimeout
		}())

		RegisterVoiceStateUpdateHandler(onBotVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Voice playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play audio from a URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Add a track to the queue without starting playback",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to queue",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback, clear the queue and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume a paused track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "list",
				Description: "Show the current track and pending queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleVoiceAutocomplete)
}

func intPtr(i int) *int { return &i }

// ===========================
// Command handlers
// ===========================

func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	sub := data.SubCommandName
	if sub == nil {
		return
	}

	guildID := event.GuildID()
	if guildID == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "This command only works in a server."})
		return
	}

	if Registry == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Voice system is still starting up."})
		return
	}

	_ = event.DeferCreateMessage(false)
	GlobalNotifier.SetTextChannel(*guildID, event.Channel().ID())

	ctx, cancel := context.WithTimeout(AppContext, 60*time.Second)
	defer cancel()

	var content string
	switch *sub {
	case "play", "queue":
		query, _ := data.OptString("query")
		channelID, ok := userVoiceChannel(event)
		if !ok {
			content = "You need to be in a voice channel first."
			break
		}
		kind := cmdPlay
		if *sub == "queue" {
			kind = cmdQueue
		}
		res := Registry.Dispatch(ctx, *guildID, command{
			kind:      kind,
			query:     query,
			requester: event.User().EffectiveName(),
			channelID: channelID,
		})
		content = formatPlayResult(res)
	case "skip":
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdSkip})
		if res.Err != nil {
			content = userError(res.Err)
		} else {
			content = "⏭️ Skipped: " + res.Track.String()
		}
	case "stop":
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdStop})
		if res.Err != nil {
			content = userError(res.Err)
		} else {
			content = "⏹️ Stopped playback and left the channel."
		}
	case "pause":
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdPause})
		switch {
		case res.Err != nil:
			content = userError(res.Err)
		case res.NoOp:
			content = "Nothing to pause."
		default:
			content = "⏸️ Paused: " + res.Track.String()
		}
	case "resume":
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdResume})
		switch {
		case res.Err != nil:
			content = userError(res.Err)
		case res.NoOp:
			content = "Nothing to resume."
		default:
			content = "▶️ Resumed: " + res.Track.String()
		}
	case "list":
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdList})
		if res.Err != nil {
			content = userError(res.Err)
		} else {
			content = formatQueueList(res)
		}
	case "volume":
		vol := data.Int("set")
		res := Registry.Dispatch(ctx, *guildID, command{kind: cmdSetVolume, volume: vol})
		if res.Err != nil {
			content = userError(res.Err)
		} else {
			content = fmt.Sprintf("🔊 Volume set to %d%%.", vol)
		}
	default:
		content = "Unknown subcommand."
	}

	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdateBuilder().
		SetContent(content).
		Build())
}

func userVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, bool) {
	if event.Member() == nil {
		return 0, false
	}
	voiceState, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || voiceState.ChannelID == nil {
		return 0, false
	}
	return *voiceState.ChannelID, true
}

func formatPlayResult(res CommandResult) string {
	if res.Err != nil {
		return userError(res.Err)
	}
	if res.Queued {
		return fmt.Sprintf("✅ Added to queue (#%d): %s", res.Position, res.Track.String())
	}
	return "🎶 Playing: " + res.Track.String()
}

func formatQueueList(res CommandResult) string {
	var sb strings.Builder
	if res.Current != nil {
		sb.WriteString("🎶 Now playing: " + res.Current.String() + "\n")
	} else {
		sb.WriteString("Nothing is playing.\n")
	}
	if len(res.Pending) == 0 {
		sb.WriteString("The queue is empty.")
		return sb.String()
	}
	sb.WriteString("Up next:\n")
	for i, t := range res.Pending {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("... and %d more", len(res.Pending)-i))
			break
		}
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, t.String()))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func userError(err error) string {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		return "Nothing is playing in this server."
	case errors.Is(err, ErrNothingPlaying):
		return "Nothing is playing."
	case errors.Is(err, ErrQueueFull):
		return "The queue is full."
	case errors.Is(err, ErrNoResults):
		return "No results found."
	case errors.Is(err, ErrSessionClosed):
		return "Playback was stopped."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, try again."
	default:
		return "Something went wrong: " + err.Error()
	}
}

func handleVoiceAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	if focused.Name != "query" {
		return
	}
	query := focused.String()
	if query == "" || GlobalResolver == nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	results := GlobalResolver.Search(query)
	var choices []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		val := r.URL
		if len(val) > 100 {
			val = r.Title
			if len(val) > 100 {
				val = val[:100]
			}
		}
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  r.Title,
			Value: val,
		})
	}
	_ = event.AutocompleteResult(choices)
}

// onBotVoiceStateUpdate tears the session down when the bot is disconnected
// from outside (kick, channel delete, gateway drop).
func onBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	if Registry == nil {
		return
	}
	if s := Registry.Get(event.VoiceState.GuildID); s != nil {
		LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
		s.NotifyConnLost()
	}
}

// ===========================
// Voice transport
// ===========================

// DiscordVoiceTransport joins voice channels through the disgo voice
// manager, retrying with backoff like any flaky UDP handshake deserves.
type DiscordVoiceTransport struct {
	client bot.Client
}

type discordVoiceConn struct {
	conn      voice.Conn
	channelID snowflake.ID
}

func (c *discordVoiceConn) ChannelID() snowflake.ID { return c.channelID }

func (c *discordVoiceConn) Close(ctx context.Context) { c.conn.Close(ctx) }

func (c *discordVoiceConn) SetOpusFrameProvider(provider voice.OpusFrameProvider) {
	c.conn.SetOpusFrameProvider(provider)
}

func (c *discordVoiceConn) SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error {
	return c.conn.SetSpeaking(ctx, flags)
}

func (t *DiscordVoiceTransport) Join(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error) {
	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	conn := t.client.VoiceManager.CreateConn(guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		conn.Close(ctx)
		return nil, lastErr
	}

	return &discordVoiceConn{conn: conn, channelID: channelID}, nil
}

// ===========================
// Notifier
// ===========================

// GlobalNotifier is the process-wide notifier, set during client startup.
var GlobalNotifier *DiscordNotifier

// DiscordNotifier posts session events to the text channel the guild last
// used a voice command in, rate limited per process.
type DiscordNotifier struct {
	client  bot.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	channels map[snowflake.ID]snowflake.ID
}

func NewDiscordNotifier(client bot.Client) *DiscordNotifier {
	return &DiscordNotifier{
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 4),
		channels: make(map[snowflake.ID]snowflake.ID),
	}
}

func (n *DiscordNotifier) SetTextChannel(guildID, channelID snowflake.ID) {
	n.mu.Lock()
	n.channels[guildID] = channelID
	n.mu.Unlock()
}

func (n *DiscordNotifier) Notify(guildID snowflake.ID, ev SessionEvent) {
	content := ""
	switch ev.Kind {
	case EventStartedTrack:
		content = "🎶 Now playing: " + ev.Track.String()
	case EventQueueExhausted:
		content = "Queue finished, leaving the channel."
	case EventError:
		if ev.Track.Title != "" {
			content = "⚠️ Playback failed for " + ev.Track.String()
		} else {
			content = "⚠️ Playback error."
		}
	default:
		// Command acknowledgements already cover the rest.
		return
	}

	n.mu.Lock()
	channelID, ok := n.channels[guildID]
	n.mu.Unlock()
	if !ok {
		return
	}

	if !n.limiter.Allow() {
		LogVoice("Notifier rate limited, dropping message for guild %s", guildID)
		return
	}

	safeGo(func() {
		_, err := n.client.Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
			SetContent(content).
			Build())
		if err != nil {
			LogVoice("Failed to post notification in guild %s: %v", guildID, err)
		}
	})
}
