package concord

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	SlashCommandTrivia   = "trivia"
	SlashCommandPoll     = "poll"
	SlashCommandRemind   = "remind"
	SlashCommandAnnounce = "announce"
	SlashCommandConfig   = "config"

	announceListLimit = 25
)

var (
	minOneOption     = float64(1)
	maxRemindMinutes = float64(7 * 24 * 60)
)

// slashCommands returns the application command set registered at
// startup.
func (co *Concord) slashCommands() []*discordgo.ApplicationCommand {
	pollOptions := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "question",
			Description: "What are you asking?",
			Required:    true,
		},
	}
	for i := 0; i < co.config.Poll.MaxOptions; i++ {
		pollOptions = append(
			pollOptions, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        fmt.Sprintf("option%d", i+1),
				Description: fmt.Sprintf("Answer option %d", i+1),
				Required:    i < 2,
			},
		)
	}
	pollOptions = append(
		pollOptions, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "minutes",
			Description: "How long the poll runs (default 60)",
			MinValue:    &minOneOption,
		},
	)

	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandTrivia,
			Description: "Play trivia in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "start",
					Description: "Start a trivia game",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "questions",
							Description: "How many questions to play",
							Required:    true,
							MinValue:    &minOneOption,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "stop",
					Description: "Stop the running trivia game",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "score",
					Description: "Show your all-time trivia score",
				},
			},
		},
		{
			Name:        SlashCommandPoll,
			Description: "Run a poll in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "create",
					Description: "Create a poll",
					Options:     pollOptions,
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "stop",
					Description: "Close the running poll early",
				},
			},
		},
		{
			Name:        SlashCommandRemind,
			Description: "Get a reminder in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "minutes",
					Description: "Minutes from now",
					Required:    true,
					MinValue:    &minOneOption,
					MaxValue:    maxRemindMinutes,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "What to remind you about",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandAnnounce,
			Description: "Manage recurring announcements for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Add a recurring announcement",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "id",
							Description: "A name for this announcement",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "message",
							Description: "The announcement text",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "every_minutes",
							Description: "Fixed interval in minutes",
							MinValue:    &minOneOption,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "cron",
							Description: "Cron expression, ex: '0 19 * * 5'",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Remove an announcement",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "id",
							Description: "The announcement to remove",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List this guild's announcements",
				},
			},
		},
		{
			Name:        SlashCommandConfig,
			Description: "Guild settings",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Change guild settings",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        "trivia_enabled",
							Description: "Allow trivia games",
						},
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        "polls_enabled",
							Description: "Allow polls",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "prefix",
							Description: "Legacy command prefix",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "show",
					Description: "Show guild settings",
				},
			},
		},
	}
}

type commandOptions map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) commandOptions {
	m := make(commandOptions, len(options))
	for _, opt := range options {
		m[opt.Name] = opt
	}
	return m
}

// handleCommand dispatches a slash command interaction.
func (co *Concord) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	logger := co.logger.With(
		"command", data.Name,
		"guild_id", i.GuildID,
		"channel_id", i.ChannelID,
	)

	if i.GuildID == "" {
		co.respond(s, i, "This bot only works in servers, sorry!", true)
		return
	}

	switch data.Name {
	case SlashCommandTrivia:
		co.handleTriviaCommand(s, i, data)
	case SlashCommandPoll:
		co.handlePollCommand(s, i, data)
	case SlashCommandRemind:
		co.handleRemindCommand(s, i, data)
	case SlashCommandAnnounce:
		co.handleAnnounceCommand(s, i, data)
	case SlashCommandConfig:
		co.handleConfigCommand(s, i, data)
	default:
		logger.Warn("unknown command")
		co.respond(s, i, "I don't know that command.", true)
	}
}

// respond sends the interaction response, optionally ephemeral.
func (co *Concord) respond(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   flags,
			},
		},
	)
	if err != nil {
		co.logger.Error("error responding to interaction", "error", err)
	}
}

// userError maps taxonomy errors to user-facing text; everything else
// gets a generic apology.
func userError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrDuplicateJob),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrInvalidSchedule),
		errors.Is(err, ErrInvalidCronExpression),
		errors.Is(err, ErrSessionAlreadyActive),
		errors.Is(err, ErrSessionNotFound):
		return err.Error()
	default:
		return "sorry, something went wrong!"
	}
}

func (co *Concord) handleTriviaCommand(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	key := SessionKey{GuildID: i.GuildID, ChannelID: i.ChannelID}

	switch sub.Name {
	case "stop":
		if !co.sessions.End(key) {
			co.respond(s, i, "There's nothing running in this channel.", true)
			return
		}
		co.respond(s, i, "Stopped. Final scores incoming.", false)
	case "score":
		user := interactionUser(i)
		if user == nil {
			return
		}
		score, err := co.db.GetTriviaScore(co.runCtx, i.GuildID, user.ID)
		if err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		co.respond(
			s, i,
			fmt.Sprintf("You have %d point(s) in this server.", score.Points),
			true,
		)
	case "start":
		guildCfg, err := co.db.GetOrCreateGuildConfig(co.runCtx, i.GuildID)
		if err == nil && !guildCfg.TriviaEnabled {
			co.respond(s, i, "Trivia is disabled in this server.", true)
			return
		}

		opts := optionMap(sub.Options)
		questions := 0
		if opt, ok := opts["questions"]; ok {
			questions = int(opt.IntValue())
		}
		session, err := NewTriviaSession(
			co.runCtx,
			key,
			questions,
			co.config.Trivia,
			co.discord,
			co.questions,
			co.db,
			co.sessions,
			co.logger,
		)
		if err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		if err = co.sessions.Start(session); err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		go session.Play()
		co.respond(s, i, "Let's play!", false)
	}
}

func (co *Concord) handlePollCommand(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	key := SessionKey{GuildID: i.GuildID, ChannelID: i.ChannelID}
	user := interactionUser(i)

	switch sub.Name {
	case "stop":
		session, ok := co.sessions.Get(key)
		if !ok {
			co.respond(s, i, "There's no poll running in this channel.", true)
			return
		}
		poll, ok := session.(*PollSession)
		if !ok {
			co.respond(s, i, "The session in this channel isn't a poll.", true)
			return
		}
		if user == nil || poll.CreatorID() != user.ID {
			co.respond(s, i, "Only the poll creator can close it early.", true)
			return
		}
		co.sessions.End(key)
		co.respond(s, i, "Poll closed. Tally incoming.", false)
	case "create":
		guildCfg, err := co.db.GetOrCreateGuildConfig(co.runCtx, i.GuildID)
		if err == nil && !guildCfg.PollsEnabled {
			co.respond(s, i, "Polls are disabled in this server.", true)
			return
		}

		opts := optionMap(sub.Options)
		var question string
		if opt, ok := opts["question"]; ok {
			question = opt.StringValue()
		}
		var labels []string
		for n := 1; n <= co.config.Poll.MaxOptions; n++ {
			if opt, ok := opts[fmt.Sprintf("option%d", n)]; ok {
				if label := strings.TrimSpace(opt.StringValue()); label != "" {
					labels = append(labels, label)
				}
			}
		}
		var duration time.Duration
		if opt, ok := opts["minutes"]; ok {
			duration = time.Duration(opt.IntValue()) * time.Minute
		}
		var creatorID string
		if user != nil {
			creatorID = user.ID
		}

		poll, err := NewPollSession(
			co.runCtx,
			key,
			question,
			labels,
			duration,
			creatorID,
			co.config.Poll,
			co.discord,
			co.sessions,
			co.logger,
		)
		if err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		if err = co.sessions.Start(poll); err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		go poll.Collect()
		co.respond(s, i, "Poll's up!", false)
	}
}

func (co *Concord) handleRemindCommand(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	opts := optionMap(data.Options)
	user := interactionUser(i)
	if user == nil {
		return
	}

	var minutes int64
	if opt, ok := opts["minutes"]; ok {
		minutes = opt.IntValue()
	}
	var message string
	if opt, ok := opts["message"]; ok {
		message = opt.StringValue()
	}

	runAt := time.Now().Add(time.Duration(minutes) * time.Minute)
	job := &ScheduledJob{
		GuildID:   i.GuildID,
		ID:        fmt.Sprintf("reminder-%s-%d", user.ID, time.Now().UnixMilli()),
		ChannelID: i.ChannelID,
		Message:   fmt.Sprintf("<@%s> Reminder: %s", user.ID, message),
		Schedule:  OneShotAt(runAt),
		Run:       co.broadcastJob,
	}
	if err := co.jobs.Add(co.runCtx, job); err != nil {
		co.respond(s, i, userError(err), true)
		return
	}
	co.respond(
		s, i,
		fmt.Sprintf("Got it, I'll remind you at %s.", runAt.Format(time.Kitchen)),
		true,
	)
}

func (co *Concord) handleAnnounceCommand(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)

	switch sub.Name {
	case "add":
		var id, message, cronExpr string
		var everyMinutes int64
		if opt, ok := opts["id"]; ok {
			id = opt.StringValue()
		}
		if opt, ok := opts["message"]; ok {
			message = opt.StringValue()
		}
		if opt, ok := opts["cron"]; ok {
			cronExpr = opt.StringValue()
		}
		if opt, ok := opts["every_minutes"]; ok {
			everyMinutes = opt.IntValue()
		}

		var schedule JobSchedule
		switch {
		case cronExpr != "" && everyMinutes > 0:
			co.respond(s, i, "Pick either every_minutes or cron, not both.", true)
			return
		case cronExpr != "":
			schedule = RecurringCron(cronExpr)
		case everyMinutes > 0:
			schedule = RecurringEvery(time.Duration(everyMinutes)*time.Minute, 0)
		default:
			co.respond(s, i, "One of every_minutes or cron is required.", true)
			return
		}

		job := &ScheduledJob{
			GuildID:   i.GuildID,
			ID:        id,
			ChannelID: i.ChannelID,
			Message:   message,
			Schedule:  schedule,
			Run:       co.broadcastJob,
		}
		if err := co.jobs.Add(co.runCtx, job); err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		next, _ := co.jobs.NextRunTime(i.GuildID, id)
		co.respond(
			s, i,
			fmt.Sprintf(
				"Announcement %q scheduled; next run %s.",
				id, next.Format(time.RFC1123),
			),
			false,
		)
	case "remove":
		var id string
		if opt, ok := opts["id"]; ok {
			id = opt.StringValue()
		}
		if err := co.jobs.Remove(co.runCtx, i.GuildID, id); err != nil {
			co.respond(s, i, userError(err), true)
			return
		}
		co.respond(s, i, fmt.Sprintf("Announcement %q removed.", id), false)
	case "list":
		var lines []string
		for _, info := range co.jobs.Jobs() {
			if info.GuildID != i.GuildID {
				continue
			}
			lines = append(
				lines, fmt.Sprintf(
					"%q (%s) — next run %s",
					info.ID, info.Kind, info.NextRun.Format(time.RFC1123),
				),
			)
			if len(lines) >= announceListLimit {
				break
			}
		}
		if len(lines) == 0 {
			co.respond(s, i, "No announcements scheduled for this server.", true)
			return
		}
		co.respond(s, i, strings.Join(lines, "\n"), true)
	}
}

func (co *Concord) handleConfigCommand(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]

	guildCfg, err := co.db.GetOrCreateGuildConfig(co.runCtx, i.GuildID)
	if err != nil {
		co.logger.Error("error loading guild config", "guild_id", i.GuildID, "error", err)
		co.respond(s, i, userError(err), true)
		return
	}

	switch sub.Name {
	case "show":
		co.respond(
			s, i,
			fmt.Sprintf(
				"prefix: `%s`\ntrivia enabled: %t\npolls enabled: %t",
				guildCfg.CommandPrefix, guildCfg.TriviaEnabled, guildCfg.PollsEnabled,
			),
			true,
		)
	case "set":
		opts := optionMap(sub.Options)
		if opt, ok := opts["trivia_enabled"]; ok {
			guildCfg.TriviaEnabled = opt.BoolValue()
		}
		if opt, ok := opts["polls_enabled"]; ok {
			guildCfg.PollsEnabled = opt.BoolValue()
		}
		if opt, ok := opts["prefix"]; ok {
			if prefix := strings.TrimSpace(opt.StringValue()); prefix != "" {
				guildCfg.CommandPrefix = prefix
			}
		}
		if err = co.db.UpdateGuildConfig(co.runCtx, guildCfg); err != nil {
			co.logger.Error("error updating guild config", "guild_id", i.GuildID, "error", err)
			co.respond(s, i, userError(err), true)
			return
		}
		co.respond(s, i, "Settings updated.", true)
	}
}
