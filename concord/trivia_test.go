package concord

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTriviaConfig() *TriviaConfig {
	return &TriviaConfig{
		AnswerWindow:      150 * time.Millisecond,
		MaxQuestions:      20,
		QuestionURL:       DefaultTriviaQuestionURL,
		RequestsPerSecond: DefaultTriviaRequestsPerSec,
	}
}

func newTriviaFixture(
	t *testing.T,
	questionsToPlay int,
	source QuestionSource,
) (*TriviaSession, *fakeMessenger, DBI, *SessionManager) {
	t.Helper()
	messenger := newFakeMessenger()
	db := testDB(t)
	manager := NewSessionManager(testLogger(t))
	key := SessionKey{GuildID: "g1", ChannelID: "c1"}

	session, err := NewTriviaSession(
		context.Background(),
		key,
		questionsToPlay,
		testTriviaConfig(),
		messenger,
		source,
		db,
		manager,
		testLogger(t),
	)
	require.NoError(t, err)
	require.NoError(t, manager.Start(session))
	return session, messenger, db, manager
}

// answerEveryRound presses the button at answerIdx as each question is
// posted, for rounds question posts [1..n].
func answerEveryRound(
	t *testing.T,
	session *TriviaSession,
	messenger *fakeMessenger,
	n int,
	answerIdx int,
	userID string,
) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.Eventually(
			t, func() bool { return messenger.embedCount() >= i },
			2*time.Second, 5*time.Millisecond,
			"question %d never posted", i,
		)
		pressed := messenger.press(
			session.componentKey(),
			ComponentInteraction{
				GuildID:   "g1",
				ChannelID: "c1",
				UserID:    userID,
				Username:  "user-" + userID,
				Value:     fmt.Sprint(answerIdx),
			},
		)
		require.True(t, pressed, "no subscription live for question %d", i)
		// Wait for this round to be scored before pressing again.
		require.Eventually(
			t, func() bool {
				session.mu.Lock()
				defer session.mu.Unlock()
				return session.round == nil || messenger.embedCount() > i
			},
			2*time.Second, 5*time.Millisecond,
		)
	}
}

func TestTriviaSessionValidatesQuestionCount(t *testing.T) {
	ctx := context.Background()
	for _, count := range []int{0, -1, 21} {
		_, err := NewTriviaSession(
			ctx,
			SessionKey{GuildID: "g1", ChannelID: "c1"},
			count,
			testTriviaConfig(),
			newFakeMessenger(),
			&fakeQuestionSource{questions: booleanQuestions(3)},
			testDB(t),
			NewSessionManager(testLogger(t)),
			testLogger(t),
		)
		require.ErrorIs(t, err, ErrInvalidArgument, "count %d", count)
	}
}

func TestTriviaAllCorrectScoresThree(t *testing.T) {
	source := &fakeQuestionSource{questions: booleanQuestions(3)}
	session, messenger, db, manager := newTriviaFixture(t, 3, source)

	go session.Play()
	// Boolean questions always display True first; all are "True".
	answerEveryRound(t, session, messenger, 3, 0, "u1")

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}

	assert.Equal(t, SessionEnded, session.State())
	assert.Equal(t, 3, session.scores["u1"])

	score, err := db.GetTriviaScore(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, score.Points, "cumulative score should have increased by 3")

	_, ok := manager.Get(session.Key())
	assert.False(t, ok, "session should be removed from the manager after ending")

	final := messenger.lastMessage()
	assert.Contains(t, final, "user-u1: 3")
}

func TestTriviaWrongAnswersClampAtZero(t *testing.T) {
	source := &fakeQuestionSource{questions: booleanQuestions(3)}
	session, messenger, db, _ := newTriviaFixture(t, 3, source)

	go session.Play()
	// Always answer False; every question's answer is True.
	answerEveryRound(t, session, messenger, 3, 1, "u2")

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}

	assert.Equal(t, 0, session.scores["u2"])
	score, err := db.GetTriviaScore(context.Background(), "g1", "u2")
	require.NoError(t, err)
	assert.Zero(t, score.Points, "cumulative score must never go below zero")
}

func TestTriviaNoAnswersReportsNoOne(t *testing.T) {
	source := &fakeQuestionSource{questions: booleanQuestions(1)}
	session, messenger, _, _ := newTriviaFixture(t, 1, source)

	go session.Play()
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}

	var roundSummary string
	for _, msg := range messenger.allMessages() {
		if strings.Contains(msg, "Time's up!") {
			roundSummary = msg
		}
	}
	require.NotEmpty(t, roundSummary)
	assert.Contains(t, roundSummary, "Got it: no one")
	assert.Contains(t, roundSummary, "Missed it: no one")
}

func TestTriviaQuestionsUnavailableEndsImmediately(t *testing.T) {
	source := &fakeQuestionSource{err: fmt.Errorf("%w: down", ErrQuestionsUnavailable)}
	session, messenger, _, manager := newTriviaFixture(t, 3, source)

	go session.Play()
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}

	assert.Equal(t, SessionEnded, session.State())
	_, ok := manager.Get(session.Key())
	assert.False(t, ok)
	require.NotEmpty(t, messenger.allMessages())
	assert.Contains(t, messenger.allMessages()[0], "couldn't get any questions")
	assert.Zero(t, messenger.embedCount(), "no questions should have been posted")
}

func TestTriviaLateAnswerIgnored(t *testing.T) {
	source := &fakeQuestionSource{questions: booleanQuestions(1)}
	session, _, _, _ := newTriviaFixture(t, 1, source)

	// No round is collecting; the press must be dropped.
	session.handleAnswer(
		ComponentInteraction{UserID: "u9", Username: "u9", Value: "0"},
	)
	assert.Empty(t, session.scores)

	// A round whose deadline has already passed is just as dead.
	session.mu.Lock()
	session.round = &triviaRound{
		question: booleanQuestions(1)[0],
		options:  []string{"True", "False"},
		correct:  0,
		deadline: time.Now().Add(-time.Second),
		answers:  map[string]int{},
	}
	session.mu.Unlock()
	session.handleAnswer(
		ComponentInteraction{UserID: "u9", Username: "u9", Value: "0"},
	)
	session.mu.Lock()
	assert.Empty(t, session.round.answers)
	session.mu.Unlock()
	session.Stop()
}

func TestTriviaStopProducesFinalSummary(t *testing.T) {
	source := &fakeQuestionSource{questions: booleanQuestions(10)}
	session, messenger, _, manager := newTriviaFixture(t, 10, source)

	go session.Play()
	require.Eventually(
		t, func() bool { return messenger.embedCount() >= 1 },
		2*time.Second, 5*time.Millisecond,
	)

	require.True(t, manager.End(session.Key()))
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never tore down after stop")
	}

	assert.Contains(t, messenger.lastMessage(), "That's the game!")
	assert.Less(t, messenger.embedCount(), 10, "game should have ended early")
}

func TestShuffleAnswersBoolean(t *testing.T) {
	q := TriviaQuestion{
		Type:          questionTypeBoolean,
		CorrectAnswer: "False",
	}
	options, correct := shuffleAnswers(q)
	assert.Equal(t, []string{"True", "False"}, options)
	assert.Equal(t, 1, correct)
}

func TestShuffleAnswersMultipleTracksCorrectIndex(t *testing.T) {
	q := TriviaQuestion{
		Type:             questionTypeMultiple,
		Difficulty:       difficultyHard,
		CorrectAnswer:    "right",
		IncorrectAnswers: []string{"wrong1", "wrong2", "wrong3"},
	}
	for i := 0; i < 50; i++ {
		options, correct := shuffleAnswers(q)
		require.Len(t, options, 4)
		assert.Equal(t, "right", options[correct])
	}
}

func TestTriviaQuestionPoints(t *testing.T) {
	assert.Equal(t, 1, TriviaQuestion{Type: questionTypeBoolean, Difficulty: difficultyHard}.Points())
	assert.Equal(t, 1, TriviaQuestion{Type: questionTypeMultiple, Difficulty: difficultyEasy}.Points())
	assert.Equal(t, 2, TriviaQuestion{Type: questionTypeMultiple, Difficulty: difficultyMedium}.Points())
	assert.Equal(t, 3, TriviaQuestion{Type: questionTypeMultiple, Difficulty: difficultyHard}.Points())
}
