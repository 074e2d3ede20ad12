package concord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

const pollSessionKind = "poll"

// pollOptionSymbols are the selectable symbols assigned to answer
// options in order. Their count bounds MaxOptions.
var pollOptionSymbols = []string{"🇦", "🇧", "🇨", "🇩", "🇪", "🇫", "🇬"}

// pollOption tracks voters as a set, not a counter, so vote toggles
// are idempotent and a user can never double-count.
type pollOption struct {
	label  string
	symbol string
	voters map[string]struct{}
}

// PollSession runs one poll in one channel. Votes are button toggles:
// pressing your current choice retracts it, pressing a different
// option moves your vote. The tally is computed exactly once, at
// expiry, from the voter-set snapshot.
type PollSession struct {
	key       SessionKey
	question  string
	creatorID string
	endsAt    time.Time
	messenger Messenger
	manager   *SessionManager
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	state atomic.Int32

	mu      sync.Mutex
	options []*pollOption
}

// NewPollSession validates the question and options and constructs an
// idle poll. A non-positive duration falls back to the configured
// default.
func NewPollSession(
	ctx context.Context,
	key SessionKey,
	question string,
	optionLabels []string,
	duration time.Duration,
	creatorID string,
	config *PollConfig,
	messenger Messenger,
	manager *SessionManager,
	log *slog.Logger,
) (*PollSession, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: poll question must not be empty", ErrInvalidArgument)
	}
	maxOptions := config.MaxOptions
	if maxOptions <= 0 || maxOptions > len(pollOptionSymbols) {
		maxOptions = len(pollOptionSymbols)
	}
	if len(optionLabels) < 2 || len(optionLabels) > maxOptions {
		return nil, fmt.Errorf(
			"%w: polls need between 2 and %d options, got %d",
			ErrInvalidArgument, maxOptions, len(optionLabels),
		)
	}
	if duration <= 0 {
		duration = config.DefaultDuration
	}
	if log == nil {
		log = slog.Default()
	}

	options := make([]*pollOption, len(optionLabels))
	for i, label := range optionLabels {
		options[i] = &pollOption{
			label:  strings.TrimSpace(label),
			symbol: pollOptionSymbols[i],
			voters: map[string]struct{}{},
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	return &PollSession{
		key:       key,
		question:  question,
		creatorID: creatorID,
		endsAt:    time.Now().Add(duration),
		messenger: messenger,
		manager:   manager,
		logger: log.With(
			loggerNameKey, "poll",
			"guild_id", key.GuildID,
			"channel_id", key.ChannelID,
		),
		ctx:     sessionCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		options: options,
	}, nil
}

func (p *PollSession) Key() SessionKey { return p.key }

func (p *PollSession) Kind() string { return pollSessionKind }

func (p *PollSession) State() SessionState {
	return SessionState(p.state.Load())
}

// Stop closes the poll early. The tally still goes out.
func (p *PollSession) Stop() {
	p.stopOnce.Do(p.cancel)
}

// Done is closed when the poll has fully torn down.
func (p *PollSession) Done() <-chan struct{} { return p.done }

// CreatorID returns the user who opened the poll; only they (or an
// admin) may stop it early.
func (p *PollSession) CreatorID() string { return p.creatorID }

func (p *PollSession) componentKey() string {
	return fmt.Sprintf(customIDFormat, pollSessionKind, p.key.String())
}

// Collect posts the poll and blocks until expiry or Stop, then posts
// the tally and removes the session from the manager.
func (p *PollSession) Collect() {
	defer close(p.done)
	defer p.manager.release(p)
	defer p.state.Store(int32(SessionEnded))
	defer p.cancel()

	unsubscribe := p.messenger.SubscribeComponents(p.componentKey(), p.handleVote)
	defer unsubscribe()

	p.state.Store(int32(SessionRunning))

	buttons := make([]discordgo.MessageComponent, 0, len(p.options))
	var lines []string
	for i, option := range p.options {
		buttons = append(
			buttons, discordgo.Button{
				Label:    option.symbol,
				Style:    discordgo.SecondaryButton,
				CustomID: fmt.Sprintf(customIDFormat, p.componentKey(), fmt.Sprint(i)),
			},
		)
		lines = append(lines, fmt.Sprintf("%s %s", option.symbol, option.label))
	}
	embed := &discordgo.MessageEmbed{
		Title:       p.question,
		Description: strings.Join(lines, "\n"),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Poll closes %s", p.endsAt.Format(time.Kitchen)),
		},
	}
	_, err := p.messenger.SendEmbed(
		p.ctx, p.key.ChannelID, embed,
		[]discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}},
	)
	if err != nil {
		p.logger.Error("failed sending poll", "error", err)
	}

	timer := time.NewTimer(time.Until(p.endsAt))
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}

	p.sendTally()
}

// handleVote applies one toggle. Selecting your current option
// retracts the vote; selecting another option moves it.
func (p *PollSession) handleVote(ci ComponentInteraction) {
	var idx int
	if _, err := fmt.Sscanf(ci.Value, "%d", &idx); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != SessionRunning || idx < 0 || idx >= len(p.options) {
		return
	}
	option := p.options[idx]
	if _, voted := option.voters[ci.UserID]; voted {
		delete(option.voters, ci.UserID)
		return
	}
	for _, other := range p.options {
		delete(other.voters, ci.UserID)
	}
	option.voters[ci.UserID] = struct{}{}
}

// voteCounts snapshots each option's voter-set size.
func (p *PollSession) voteCounts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make([]int, len(p.options))
	for i, option := range p.options {
		counts[i] = len(option.voters)
	}
	return counts
}

func (p *PollSession) sendTally() {
	counts := p.voteCounts()

	total := 0
	order := make([]int, len(counts))
	for i, c := range counts {
		total += c
		order[i] = i
	}
	sort.SliceStable(
		order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] },
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Poll closed: **%s**\n", p.question)
	if total == 0 {
		b.WriteString("no one participated")
	} else {
		for rank, i := range order {
			fmt.Fprintf(
				&b, "%d. %s %s — %d vote(s)\n",
				rank+1, p.options[i].symbol, p.options[i].label, counts[i],
			)
		}
	}

	// The tally goes out even when the poll was stopped early, so
	// don't use the (possibly cancelled) session context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.messenger.SendMessage(ctx, p.key.ChannelID, b.String()); err != nil {
		p.logger.Error("failed sending poll tally", "error", err)
	}
}
