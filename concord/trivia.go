package concord

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

const (
	triviaSessionKind     = "trivia"
	triviaFetchTimeout    = 30 * time.Second
	triviaWrongAnswerCost = 1
	triviaScoreboardLimit = 10
)

// TriviaSession runs one trivia game in one channel:
// fetch questions, then for each question collect button answers until
// the window closes, score everyone at once, and move on. Scores are
// kept per session and mirrored to the per-guild cumulative store.
type TriviaSession struct {
	key             SessionKey
	config          *TriviaConfig
	questionsToPlay int
	messenger       Messenger
	source          QuestionSource
	db              DBI
	manager         *SessionManager
	logger          *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	state atomic.Int32

	mu        sync.Mutex
	questions []TriviaQuestion
	scores    map[string]int
	usernames map[string]string
	round     *triviaRound
}

// triviaRound is the mutable state of the question currently
// collecting answers. Only one exists at a time.
type triviaRound struct {
	question TriviaQuestion
	options  []string
	correct  int
	deadline time.Time

	// answers holds each user's latest selection; re-pressing a
	// different button before the deadline changes the answer.
	answers map[string]int
}

// NewTriviaSession validates the requested question count and
// constructs an idle session. The caller registers it with the
// SessionManager and then calls Play.
func NewTriviaSession(
	ctx context.Context,
	key SessionKey,
	questionsToPlay int,
	config *TriviaConfig,
	messenger Messenger,
	source QuestionSource,
	db DBI,
	manager *SessionManager,
	log *slog.Logger,
) (*TriviaSession, error) {
	if questionsToPlay < 1 {
		return nil, fmt.Errorf(
			"%w: question count must be at least 1, got %d",
			ErrInvalidArgument, questionsToPlay,
		)
	}
	if questionsToPlay > config.MaxQuestions {
		return nil, fmt.Errorf(
			"%w: question count must be at most %d, got %d",
			ErrInvalidArgument, config.MaxQuestions, questionsToPlay,
		)
	}
	if log == nil {
		log = slog.Default()
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	return &TriviaSession{
		key:             key,
		config:          config,
		questionsToPlay: questionsToPlay,
		messenger:       messenger,
		source:          source,
		db:              db,
		manager:         manager,
		logger: log.With(
			loggerNameKey, "trivia",
			"guild_id", key.GuildID,
			"channel_id", key.ChannelID,
		),
		ctx:       sessionCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		scores:    map[string]int{},
		usernames: map[string]string{},
	}, nil
}

func (t *TriviaSession) Key() SessionKey { return t.key }

func (t *TriviaSession) Kind() string { return triviaSessionKind }

func (t *TriviaSession) State() SessionState {
	return SessionState(t.state.Load())
}

// Stop cancels the game. The run loop notices, posts the final
// summary, and tears down. Safe to call more than once.
func (t *TriviaSession) Stop() {
	t.stopOnce.Do(t.cancel)
}

// Done is closed when the session has fully torn down.
func (t *TriviaSession) Done() <-chan struct{} { return t.done }

func (t *TriviaSession) componentKey() string {
	return fmt.Sprintf(customIDFormat, triviaSessionKind, t.key.String())
}

// Play runs the full game. It blocks until the game ends (naturally
// or via Stop) and always removes the session from the manager.
func (t *TriviaSession) Play() {
	defer close(t.done)
	defer t.manager.release(t)
	defer t.state.Store(int32(SessionEnded))
	defer t.cancel()

	unsubscribe := t.messenger.SubscribeComponents(t.componentKey(), t.handleAnswer)
	defer unsubscribe()

	fetchCtx, fetchCancel := context.WithTimeout(t.ctx, triviaFetchTimeout)
	questions, err := t.source.FetchQuestions(fetchCtx, t.questionsToPlay)
	fetchCancel()
	if err != nil {
		t.logger.Error("failed fetching questions", "error", err)
		t.send("Trivia's off: I couldn't get any questions right now. Try again in a bit.")
		return
	}
	t.mu.Lock()
	t.questions = questions
	t.mu.Unlock()
	t.state.Store(int32(SessionRunning))

	t.send(
		fmt.Sprintf(
			"Trivia time! %d questions, %s per question. Answer with the buttons below each one.",
			len(questions), t.config.AnswerWindow,
		),
	)

	for i, question := range questions {
		if t.ctx.Err() != nil {
			break
		}
		t.playRound(i, question)
	}

	t.sendFinalSummary()
}

// playRound posts one question, waits out the answer window, then
// scores every collected answer together.
func (t *TriviaSession) playRound(index int, question TriviaQuestion) {
	options, correct := shuffleAnswers(question)
	deadline := time.Now().Add(t.config.AnswerWindow)

	t.mu.Lock()
	t.round = &triviaRound{
		question: question,
		options:  options,
		correct:  correct,
		deadline: deadline,
		answers:  map[string]int{},
	}
	t.mu.Unlock()

	buttons := make([]discordgo.MessageComponent, 0, len(options))
	for i, option := range options {
		buttons = append(
			buttons, discordgo.Button{
				Label:    option,
				Style:    discordgo.PrimaryButton,
				CustomID: fmt.Sprintf(customIDFormat, t.componentKey(), fmt.Sprint(i)),
			},
		)
	}
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Question %d/%d", index+1, t.questionsToPlay),
		Description: fmt.Sprintf(
			"%s\n\n*%s — %s — %d point(s)*",
			question.Prompt, question.Category, question.Difficulty, question.Points(),
		),
	}
	_, err := t.messenger.SendEmbed(
		t.ctx, t.key.ChannelID, embed,
		[]discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}},
	)
	if err != nil {
		t.logger.Error("failed sending question", "question", index, "error", err)
	}

	timer := time.NewTimer(t.config.AnswerWindow)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
	case <-timer.C:
	}

	t.mu.Lock()
	round := t.round
	t.round = nil
	t.mu.Unlock()
	if round == nil {
		return
	}
	t.scoreRound(round)
}

// handleAnswer records a user's selection. Presses after the deadline
// (or between rounds) are ignored.
func (t *TriviaSession) handleAnswer(ci ComponentInteraction) {
	var idx int
	if _, err := fmt.Sscanf(ci.Value, "%d", &idx); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.round == nil || time.Now().After(t.round.deadline) {
		return
	}
	if idx < 0 || idx >= len(t.round.options) {
		return
	}
	t.round.answers[ci.UserID] = idx
	t.usernames[ci.UserID] = ci.Username
}

// scoreRound applies the round's answers: correct answers earn the
// question's point value, wrong answers cost one point, and nobody
// ever goes below zero. All cumulative-score writes are gathered
// before the summary goes out, so none are silently dropped.
func (t *TriviaSession) scoreRound(round *triviaRound) {
	points := round.question.Points()

	var correctUsers, incorrectUsers []string
	deltas := map[string]int{}

	t.mu.Lock()
	for userID, answer := range round.answers {
		if answer == round.correct {
			correctUsers = append(correctUsers, userID)
			deltas[userID] = points
			t.scores[userID] += points
		} else {
			incorrectUsers = append(incorrectUsers, userID)
			deltas[userID] = -triviaWrongAnswerCost
			t.scores[userID] -= triviaWrongAnswerCost
			if t.scores[userID] < 0 {
				t.scores[userID] = 0
			}
		}
	}
	names := make(map[string]string, len(deltas))
	for userID := range deltas {
		names[userID] = t.username(userID)
	}
	t.mu.Unlock()

	// Persistence failures are logged and the round carries on; the
	// in-memory session score is the source of truth until the game
	// ends.
	g, ctx := errgroup.WithContext(t.ctx)
	for userID, delta := range deltas {
		userID, delta := userID, delta
		g.Go(
			func() error {
				_, err := t.db.AddTriviaPoints(
					ctx, t.key.GuildID, userID, names[userID], delta,
				)
				return err
			},
		)
	}
	if err := g.Wait(); err != nil {
		t.logger.Error("failed persisting round scores", "error", err)
	}

	t.send(t.roundSummary(round, correctUsers, incorrectUsers))
}

func (t *TriviaSession) roundSummary(
	round *triviaRound,
	correctUsers []string,
	incorrectUsers []string,
) string {
	var b strings.Builder
	fmt.Fprintf(
		&b, "Time's up! The answer was **%s**.\n", round.options[round.correct],
	)
	fmt.Fprintf(&b, "Got it: %s\n", t.userList(correctUsers))
	fmt.Fprintf(&b, "Missed it: %s", t.userList(incorrectUsers))
	return b.String()
}

// sendFinalSummary posts session scores and the guild's cumulative
// top scores, then the session is done.
func (t *TriviaSession) sendFinalSummary() {
	type entry struct {
		name  string
		score int
	}
	t.mu.Lock()
	entries := make([]entry, 0, len(t.scores))
	for userID, score := range t.scores {
		entries = append(entries, entry{name: t.username(userID), score: score})
	}
	t.mu.Unlock()
	sort.Slice(
		entries, func(i, j int) bool { return entries[i].score > entries[j].score },
	)

	var b strings.Builder
	b.WriteString("That's the game!\n**Session scores:**\n")
	if len(entries) == 0 {
		b.WriteString("no one played\n")
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %d\n", e.name, e.score)
	}

	// Final summary should still go out if the session context was
	// cancelled by Stop.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	top, err := t.db.TopTriviaScores(ctx, t.key.GuildID, triviaScoreboardLimit)
	if err != nil {
		t.logger.Error("failed loading top scores", "error", err)
	} else if len(top) > 0 {
		b.WriteString("**All-time scores:**\n")
		for _, score := range top {
			fmt.Fprintf(&b, "%s: %d\n", score.Username, score.Points)
		}
	}

	if _, err := t.messenger.SendMessage(ctx, t.key.ChannelID, b.String()); err != nil {
		t.logger.Error("failed sending final summary", "error", err)
	}
}

func (t *TriviaSession) username(userID string) string {
	if name, ok := t.usernames[userID]; ok && name != "" {
		return name
	}
	return userID
}

func (t *TriviaSession) userList(userIDs []string) string {
	if len(userIDs) == 0 {
		return "no one"
	}
	names := make([]string, len(userIDs))
	t.mu.Lock()
	for i, id := range userIDs {
		names[i] = t.username(id)
	}
	t.mu.Unlock()
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (t *TriviaSession) send(content string) {
	if _, err := t.messenger.SendMessage(t.ctx, t.key.ChannelID, content); err != nil {
		t.logger.Error("failed sending message", "error", err)
	}
}

// shuffleAnswers returns the displayed option order and the index of
// the correct answer. True/false questions always display True first.
func shuffleAnswers(q TriviaQuestion) ([]string, int) {
	if q.Type == questionTypeBoolean {
		options := []string{"True", "False"}
		if strings.EqualFold(q.CorrectAnswer, "true") {
			return options, 0
		}
		return options, 1
	}
	options := append([]string{q.CorrectAnswer}, q.IncorrectAnswers...)
	correct := 0
	rand.Shuffle(
		len(options), func(i, j int) {
			options[i], options[j] = options[j], options[i]
			switch correct {
			case i:
				correct = j
			case j:
				correct = i
			}
		},
	)
	return options, correct
}
