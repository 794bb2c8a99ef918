package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/omit"
)

// ===========================
// Bot Management
// ===========================

const (
	MsgBotRebootCommanded   = "Reboot commanded by user %s (%s)"
	MsgBotShutdownCommanded = "Shutdown commanded by user %s (%s)"
	MsgBotRebooting         = "**Rebooting...**"
	MsgBotShuttingDown      = "**Shutting down...**"
	MsgBotStatusEnabled     = "Status rotation enabled!"
	MsgBotStatusDisabled    = "Status rotation disabled!"
	MsgBotStatusPinned      = "Status has been pinned to **%s**."
	MsgBotStatusInvalid     = "Invalid status selection."
	MsgBotOwnerOnly         = "This action is restricted to the bot owner."
	MsgStatusRotatorStop    = "Shutting down Status Rotator..."
	MsgStatusClearFail      = "Failed to clear status: %v"
	MsgStatusUpdateFail     = "Update failed: %v"
	MsgStatusRotated        = "Status rotated to: \"%s\" (Next rotate in %v)"
	MsgStatusRotatedNow     = "Status rotated to: \"%s\""
)

func init() {
	adminPerm := discord.PermissionAdministrator

	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogBot, func(ctx context.Context) (bool, func(), func()) { return StartStatusRotator(ctx, client) })
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "bot",
		Description:              "Bot management utilities (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reboot",
				Description: "Restart the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shutdown",
				Description: "Shut down the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Display system and application statistics",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "ephemeral",
						Description: "Whether the message should be ephemeral (default: true)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "status",
				Description: "Configure bot status visibility",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "select",
						Description:  "Select a specific status to pin or enable/disable rotation",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
		},
	}, handleBot)

	RegisterAutocompleteHandler("bot", handleBotAutocomplete)
}

// ===========================
// Globals & Constants
// ===========================

const (
	StatsAnsiReset    = "\u001b[0m"
	StatsAnsiPink     = "\u001b[35m"
	StatsAnsiPinkBold = "\u001b[35;1m"

	StatusDisableAll = "Disable All Status"
	StatusEnableAll  = "Enable All Status"
)

var (
	StartTime       = time.Now().UTC()
	statusMap       map[string]func(context.Context, bot.Client) string
	statusKeys      []string
	lastStatusText  string
	statusMu        sync.RWMutex
	configKeyStatus = "status_visible"
	configKeyPin    = "status_pinned"
)

// ===========================
// Status Rotator Logic
// ===========================

func GetRotationInterval() time.Duration {
	return time.Duration(15+rand.Intn(46)) * time.Second
}

func StartStatusRotator(ctx context.Context, client bot.Client) (bool, func(), func()) {
	statusMap = map[string]func(context.Context, bot.Client) string{
		"Now Playing": GetNowPlayingStatus,
		"Uptime":      GetUptimeStatus,
		"Latency":     GetLatencyStatus,
	}

	statusKeys = []string{StatusDisableAll, StatusEnableAll}
	for k := range statusMap {
		statusKeys = append(statusKeys, k)
	}

	next := GetRotationInterval()
	updateStatus(ctx, client, next)

	return true, func() {
			for {
				select {
				case <-time.After(next):
					next = GetRotationInterval()
					updateStatus(ctx, client, next)
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			LogBot(MsgStatusRotatorStop)
		}
}

func updateStatus(ctx context.Context, client bot.Client, nextInterval time.Duration) {
	visibleStr, err := GetBotConfig(ctx, configKeyStatus)
	if err != nil || visibleStr == "false" {
		err := client.SetPresence(ctx, gateway.WithOnlineStatus(discord.OnlineStatusOnline), gateway.WithPlayingActivity(""))
		if err != nil {
			LogBot(MsgStatusClearFail, err)
		}
		return
	}

	pinnedStatus, _ := GetBotConfig(ctx, configKeyPin)
	if pinnedStatus != "" {
		if gen, ok := statusMap[pinnedStatus]; ok {
			text := gen(ctx, client)
			if text != "" {
				client.SetPresence(ctx,
					gateway.WithOnlineStatus(discord.OnlineStatusOnline),
					gateway.WithStreamingActivity(text, GlobalConfig.StreamingURL),
				)
				return
			}
		}
	}

	var availableStatuses []string
	for _, gen := range statusMap {
		if text := gen(ctx, client); text != "" {
			availableStatuses = append(availableStatuses, text)
		}
	}

	if len(availableStatuses) == 0 {
		availableStatuses = append(availableStatuses, GetUptimeStatus(ctx, client))
	}

	statusMu.RLock()
	last := lastStatusText
	statusMu.RUnlock()

	var finalChoices []string
	for _, s := range availableStatuses {
		if s != last {
			finalChoices = append(finalChoices, s)
		}
	}

	var selectedStatus string
	if len(finalChoices) > 0 {
		selectedStatus = finalChoices[rand.Intn(len(finalChoices))]
	} else {
		selectedStatus = availableStatuses[0]
	}

	statusMu.Lock()
	lastStatusText = selectedStatus
	statusMu.Unlock()

	err = client.SetPresence(ctx,
		gateway.WithOnlineStatus(discord.OnlineStatusOnline),
		gateway.WithStreamingActivity(selectedStatus, GlobalConfig.StreamingURL),
	)

	if err != nil {
		LogBot(MsgStatusUpdateFail, err)
	} else if nextInterval > 0 {
		LogBot(MsgStatusRotated, selectedStatus, nextInterval)
	} else {
		LogBot(MsgStatusRotatedNow, selectedStatus)
	}
}

// GetNowPlayingStatus shows one of the tracks currently playing.
func GetNowPlayingStatus(ctx context.Context, client bot.Client) string {
	playing := GetPlayer().store.Playing()
	if len(playing) == 0 {
		return ""
	}
	t := playing[rand.Intn(len(playing))]
	return Truncate("♪ "+t.Title, 100)
}

func GetUptimeStatus(ctx context.Context, client bot.Client) string {
	uptime := time.Since(StartTime)
	return fmt.Sprintf("Uptime: %dh %dm %ds", int(uptime.Hours()), int(uptime.Minutes())%60, int(uptime.Seconds())%60)
}

// GetLatencyStatus returns a status string showing gateway latency
func GetLatencyStatus(ctx context.Context, client bot.Client) string {
	ping := client.Gateway.Latency()
	if ping == 0 {
		return ""
	}
	return fmt.Sprintf("Ping: %dms", ping.Milliseconds())
}

// ===========================
// Command Handlers
// ===========================

// handleBot routes bot subcommands to their respective handlers
func handleBot(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	switch *data.SubCommandName {
	case "reboot":
		handleBotReboot(event)
	case "shutdown":
		handleBotShutdown(event)
	case "stats":
		handleBotStats(event, data)
	case "status":
		handleBotStatus(event, data)
	}
}

// isOwner gates process control behind OWNER_IDS when configured.
// Without the setting, the admin default permission is the only gate.
func isOwner(userID string) bool {
	if GlobalConfig == nil || len(GlobalConfig.OwnerIDs) == 0 {
		return true
	}
	for _, id := range GlobalConfig.OwnerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func handleBotReboot(event *events.ApplicationCommandInteractionCreate) {
	if !isOwner(event.User().ID.String()) {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgBotOwnerOnly).WithEphemeral(true))
		return
	}
	LogWarn(MsgBotRebootCommanded, event.User().Username, event.User().ID)
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgBotRebooting).WithEphemeral(true))

	RestartRequested = true
	time.AfterFunc(1500*time.Millisecond, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}

func handleBotShutdown(event *events.ApplicationCommandInteractionCreate) {
	if !isOwner(event.User().ID.String()) {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgBotOwnerOnly).WithEphemeral(true))
		return
	}
	LogWarn(MsgBotShutdownCommanded, event.User().Username, event.User().ID)
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgBotShuttingDown).WithEphemeral(true))
	time.AfterFunc(1*time.Second, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}

func handleBotStats(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	ephemeral := true
	if v, ok := data.OptBool("ephemeral"); ok {
		ephemeral = v
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	dbStart := time.Now()
	historyCount, dbErr := GetPlayHistoryCount(AppContext)
	dbLatency := "n/a"
	if dbErr == nil {
		dbLatency = fmt.Sprintf("%.1fms", float64(time.Since(dbStart).Microseconds())/1000)
	}

	p := GetPlayer()
	playing := len(p.store.Playing())
	uptime := time.Since(StartTime)

	guildCount := 0
	for range event.Client().Caches.Guilds() {
		guildCount++
	}

	stats := fmt.Sprintf("```ansi\n"+
		"%sSystem%s\n"+
		"%sUptime:%s      %dh %dm %ds\n"+
		"%sGo:%s          %s\n"+
		"%sMemory:%s      %.1f MB\n"+
		"%sGoroutines:%s  %d\n"+
		"\n"+
		"%sApplication%s\n"+
		"%sGuilds:%s      %d\n"+
		"%sPlaying:%s     %d\n"+
		"%sHistory:%s     %d tracks\n"+
		"%sDB Latency:%s  %s\n"+
		"%sPing:%s        %dms\n"+
		"```",
		StatsAnsiPinkBold, StatsAnsiReset,
		StatsAnsiPink, StatsAnsiReset, int(uptime.Hours()), int(uptime.Minutes())%60, int(uptime.Seconds())%60,
		StatsAnsiPink, StatsAnsiReset, runtime.Version(),
		StatsAnsiPink, StatsAnsiReset, float64(mem.Alloc)/1024/1024,
		StatsAnsiPink, StatsAnsiReset, runtime.NumGoroutine(),
		StatsAnsiPinkBold, StatsAnsiReset,
		StatsAnsiPink, StatsAnsiReset, guildCount,
		StatsAnsiPink, StatsAnsiReset, playing,
		StatsAnsiPink, StatsAnsiReset, historyCount,
		StatsAnsiPink, StatsAnsiReset, dbLatency,
		StatsAnsiPink, StatsAnsiReset, event.Client().Gateway.Latency().Milliseconds(),
	)

	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(stats).WithEphemeral(ephemeral))
}

func handleBotStatus(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	selection := data.String("select")
	var msg string

	switch selection {
	case StatusDisableAll:
		SetBotConfig(AppContext, configKeyStatus, "false")
		SetBotConfig(AppContext, configKeyPin, "")
		msg = MsgBotStatusDisabled
	case StatusEnableAll:
		SetBotConfig(AppContext, configKeyStatus, "true")
		SetBotConfig(AppContext, configKeyPin, "")
		msg = MsgBotStatusEnabled
	default:
		if _, ok := statusMap[selection]; ok {
			SetBotConfig(AppContext, configKeyStatus, "true")
			SetBotConfig(AppContext, configKeyPin, selection)
			msg = fmt.Sprintf(MsgBotStatusPinned, selection)
		} else {
			msg = MsgBotStatusInvalid
		}
	}

	safeGo(func() {
		updateStatus(AppContext, *event.Client(), 0)
	})

	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(msg).WithEphemeral(true))
}

func handleBotAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "select" {
		return
	}

	var choices []discord.AutocompleteChoice
	for _, key := range statusKeys {
		name := key
		if gen, ok := statusMap[key]; ok {
			if preview := gen(AppContext, *event.Client()); preview != "" {
				name = key + ": " + Truncate(preview, 80)
			}
		}
		choices = append(choices, discord.AutocompleteChoiceString{Name: name, Value: key})
		if len(choices) >= 25 {
			break
		}
	}
	_ = event.AutocompleteResult(choices)
}
