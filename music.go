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
	"github.com/disgoorg/snowflake/v2"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Music
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		p := GetPlayer()
		p.driver.SetClient(client)

		RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
			p.driver.HandleVoiceStateUpdate(event.VoiceState.GuildID, event.VoiceState.UserID, event.VoiceState.ChannelID)
		})

		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				LogVoice("Shutting down voice sessions...")
				p.driver.Shutdown(context.Background())
			}
		})

		RegisterDaemon(LogDatabase, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {
				ticker := time.NewTicker(24 * time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := PrunePlayHistory(ctx, playHistoryKeep); err != nil {
							LogDatabase("History prune failed: %v", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}, nil
		})
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music Playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a track by URL or search query",
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
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback, clear the queue and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "How the bot joins voice",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Recently played tracks",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Constants & Variables
// ===========================

const (
	MsgMusicQueued       = "✅ Queued: %s — requested by %s"
	MsgMusicQueueFail    = "❌ Failed to queue: %s"
	MsgMusicNoVoice      = "❌ No active voice chat. Start one, then play again."
	MsgMusicQueueEmpty   = "🗒️ Queue is empty."
	MsgMusicSkipping     = "⏭️ Skipping…"
	MsgMusicQueueEnded   = "⏹️ Stopped (queue ended)."
	MsgMusicLeft         = "👋 Left the voice chat."
	MsgMusicPaused       = "⏸️ Paused."
	MsgMusicResumed      = "▶️ Resumed."
	MsgMusicNotPlaying   = "Not playing anything."
	MsgMusicJoinInfo     = "I join the voice chat you are in automatically when you use `/music play`."
	MsgMusicNoHistory    = "No play history for this server yet."
	MsgMusicRateLimited  = "❌ Slow down, you are queueing too fast."
	MsgMusicGuildOnly    = "This command only works in a server."
	MsgMusicHistoryLimit = 10

	queryCacheTTL   = 1 * time.Hour
	playHistoryKeep = 1000
)

var (
	playerOnce sync.Once
	player     *Player
)

// Player wires the queue store, sequencer, resolver and voice driver
// into one unit behind the /music command.
type Player struct {
	store    *QueueStore
	seq      *Sequencer
	driver   *DiscordVoiceDriver
	resolver *Resolver
	cache    QueryCache
}

func GetPlayer() *Player {
	playerOnce.Do(func() {
		store := NewQueueStore()
		driver := NewDiscordVoiceDriver()
		player = &Player{
			store:    store,
			seq:      NewSequencer(store, driver),
			driver:   driver,
			resolver: NewResolver(),
			cache:    QueryCache{items: map[string]cachedQuery{}},
		}
		driver.OnStreamEnd = func(chatID snowflake.ID) {
			store.Get(chatID).ClearCurrent()
		}
	})
	return player
}

// ===========================
// Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicGuildOnly).WithEphemeral(true))
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "queue":
		handleMusicQueue(event)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "stop":
		handleMusicStop(event)
	case "join":
		handleMusicJoin(event)
	case "history":
		handleMusicHistory(event)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	p := GetPlayer()
	chatID := *event.GuildID()
	query := data.String("query")

	requester := event.User().Username
	if member := event.Member(); member != nil && member.Nick != nil {
		requester = *member.Nick
	}

	// Joining only works against an occupied channel, so reject early
	// instead of failing after resolution.
	q := p.store.Get(chatID)
	if q.IsIdle() {
		if _, err := p.driver.findLiveChannel(chatID); err != nil {
			_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicNoVoice).WithEphemeral(true))
			return
		}
	}

	if err := event.DeferCreateMessage(false); err != nil {
		return
	}

	track, err := p.resolver.Resolve(AppContext, query, requester)
	if err != nil {
		respondEdit(event, fmt.Sprintf(MsgMusicQueueFail, Truncate(err.Error(), 200)))
		return
	}

	position, wasIdle, err := q.Enqueue(track)
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueRateLimited):
			respondEdit(event, MsgMusicRateLimited)
		default:
			respondEdit(event, fmt.Sprintf(MsgMusicQueueFail, err.Error()))
		}
		return
	}

	if wasIdle {
		p.seq.StartIfIdle(AppContext, chatID)
	}

	if err := AddPlayHistory(AppContext, chatID, track.Title, track.PageURL, track.Requester, track.Duration); err != nil {
		LogDatabase("Failed to record play history: %v", err)
	}

	msg := fmt.Sprintf(MsgMusicQueued, withDuration("**"+track.Title+"**", track.Duration), track.Requester)
	if !wasIdle {
		msg += fmt.Sprintf(" (position %d)", position)
	}
	respondEdit(event, msg)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayer()
	q := p.store.Get(*event.GuildID())

	current, playing := q.Current()
	pending := q.Pending()

	if !playing && len(pending) == 0 {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicQueueEmpty))
		return
	}

	var b strings.Builder
	if playing {
		fmt.Fprintf(&b, "**Now Playing:** %s — %s\n", withDuration(current.Title, current.Duration), current.Requester)
	}
	for i, t := range pending {
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, withDuration(t.Title, t.Duration), t.Requester)
		if i >= 19 {
			fmt.Fprintf(&b, "... and %d more\n", len(pending)-20)
			break
		}
	}

	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(b.String()))
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayer()
	chatID := *event.GuildID()
	q := p.store.Get(chatID)

	if _, playing := q.Current(); !playing {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicNotPlaying).WithEphemeral(true))
		return
	}

	ref, ok := q.advanceToNext()
	if !ok {
		// Nothing behind the playing slot, the run ends here.
		if err := p.driver.Leave(AppContext, chatID); err != nil {
			LogVoice("Leave after skip failed: %v", err)
		}
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicQueueEnded))
		return
	}

	// Switch immediately rather than waiting for the sequencer poll.
	// If the driver lost the session, hand the track back so the
	// sequencer empties the slot, re-dequeues and re-joins.
	if err := p.driver.SwitchStream(AppContext, chatID, ref.StreamURL); err != nil {
		LogVoice("Switch after skip failed: %v", err)
		q.requeueFront(ref)
	}

	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicSkipping))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayer()
	if err := p.driver.Pause(AppContext, *event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicNotPlaying).WithEphemeral(true))
		return
	}
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicPaused))
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayer()
	if err := p.driver.Resume(AppContext, *event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicNotPlaying).WithEphemeral(true))
		return
	}
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicResumed))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayer()
	chatID := *event.GuildID()
	q := p.store.Get(chatID)

	q.ClearAll()
	if err := p.driver.Leave(AppContext, chatID); err != nil {
		LogVoice("Leave on stop failed: %v", err)
	}

	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicLeft))
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicJoinInfo).WithEphemeral(true))
}

func handleMusicHistory(event *events.ApplicationCommandInteractionCreate) {
	records, err := GetRecentPlays(AppContext, *event.GuildID(), MsgMusicHistoryLimit)
	if err != nil {
		LogDatabase("Failed to load play history: %v", err)
		records = nil
	}
	if len(records) == 0 {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent(MsgMusicNoHistory).WithEphemeral(true))
		return
	}

	var b strings.Builder
	b.WriteString("**Recently played:**\n")
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, withDuration(r.Title, r.Duration), r.Requester)
	}
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(b.String()))
}

// withDuration appends the duration bracket, or nothing when the
// duration is unknown.
func withDuration(title, duration string) string {
	if duration == "" {
		return title
	}
	return title + " `[" + duration + "]`"
}

func respondEdit(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().WithContent(content))
}

// ===========================
// Autocomplete
// ===========================

type SearchResult struct {
	URL   string
	Title string
}

type cachedQuery struct {
	results   []SearchResult
	expiresAt time.Time
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedQuery
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" {
		q = historySuggestion(event.GuildID())
		if q == "" {
			_ = event.AutocompleteResult(nil)
			return
		}
	} else if strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	rs, err := GetPlayer().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// historySuggestion seeds an empty autocomplete box with something the
// chat played before.
func historySuggestion(guildID *snowflake.ID) string {
	if guildID == nil {
		return ""
	}
	records, err := GetRecentPlays(context.Background(), *guildID, 5)
	if err != nil || len(records) == 0 {
		return ""
	}
	idx := int(time.Now().UnixNano()/1000) % len(records)
	return records[idx].Title
}

// Search runs YouTube Music and YouTube lookups in parallel, dedupes by
// video ID and caches the merged result for an hour.
func (p *Player) Search(q string) ([]SearchResult, error) {
	// 1. Check Cache
	p.cache.RLock()
	if item, ok := p.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			p.cache.RUnlock()
			return item.results, nil
		}
	}
	p.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		results, err := searchYTMusic(q)
		if err != nil {
			return
		}
		resMu.Lock()
		for _, r := range results {
			if id := videoIDFromURL(r.URL); !seen[id] {
				seen[id] = true
				ytm = append(ytm, r)
			}
		}
		resMu.Unlock()
	}()
	go func() {
		defer wg.Done()
		results, err := searchYouTube(ctx, q)
		if err != nil {
			return
		}
		resMu.Lock()
		for _, r := range results {
			if id := videoIDFromURL(r.URL); !seen[id] {
				seen[id] = true
				yt = append(yt, r)
			}
		}
		resMu.Unlock()
	}()

	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult{}, ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		p.cache.Lock()
		p.cache.items[q] = cachedQuery{results: fin, expiresAt: time.Now().Add(queryCacheTTL)}
		p.cache.Unlock()
	}

	return fin, nil
}

// videoIDFromURL extracts the v= parameter so YTM and YT hits for the
// same video dedupe against each other.
func videoIDFromURL(u string) string {
	if i := strings.Index(u, "v="); i >= 0 {
		id := u[i+2:]
		if j := strings.IndexByte(id, '&'); j >= 0 {
			id = id[:j]
		}
		return id
	}
	return u
}

func searchYTMusic(q string) ([]SearchResult, error) {
	s := ytmusic.TrackSearch(q)
	r, err := s.Next()
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, v := range r.Tracks {
		if v.VideoID == "" {
			continue
		}
		art := ""
		if len(v.Artists) > 0 {
			art = " - " + v.Artists[0].Name
		}
		out = append(out, SearchResult{
			URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
			Title: Truncate(v.Title+art, 100),
		})
	}
	return out, nil
}

func searchYouTube(ctx context.Context, q string) ([]SearchResult, error) {
	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, SearchResult{
			URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
			Title: Truncate(v.Title, 100),
		})
	}
	return out, nil
}
