package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
)

func init() {
	adminPerm := discord.PermissionAdministrator

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "bot",
		Description:              "Bot management utilities (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Display system and application statistics",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "console",
				Description: "View recent bot logs",
			},
		},
	}, handleBot)
}

func handleBot(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	sub := data.SubCommandName
	if sub == nil {
		return
	}

	switch *sub {
	case "stats":
		handleBotStats(event)
	case "console":
		handleBotConsole(event)
	}
}

func handleBotStats(event *events.ApplicationCommandInteractionCreate) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sessions := 0
	if Registry != nil {
		sessions = Registry.Count()
	}

	content := fmt.Sprintf(
		"**%s**\nUptime: %s\nGoroutines: %d\nHeap: %.1f MiB\nVoice sessions: %d\nPID: %d",
		GetProjectName(),
		time.Since(StartupTime).Round(time.Second),
		runtime.NumGoroutine(),
		float64(mem.HeapAlloc)/1024/1024,
		sessions,
		os.Getpid(),
	)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(true).
		Build())
}

func handleBotConsole(event *events.ApplicationCommandInteractionCreate) {
	path := GetLogPath()
	if path == "" {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("File logging is disabled.").
			SetEphemeral(true).
			Build())
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("Failed to read log file: "+err.Error()).
			SetEphemeral(true).
			Build())
		return
	}

	// Last ~1800 chars keeps the message under Discord's limit with the fence.
	text := string(data)
	if len(text) > 1800 {
		text = text[len(text)-1800:]
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	if strings.TrimSpace(text) == "" {
		text = "(log is empty)"
	}

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent("```\n"+text+"\n```").
		SetEphemeral(true).
		Build())
}
