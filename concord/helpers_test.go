package concord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", name))

	db, err := CreateDB(context.Background(), dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

func testDB(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), testLogger(t))
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{Level: slog.LevelDebug},
		),
	).With("test", t.Name())
}

// fakeMessenger implements Messenger in memory, recording sent
// messages and letting tests inject component presses.
type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
	embeds   []*discordgo.MessageEmbed
	handlers map[string]func(ComponentInteraction)
	nextID   int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{handlers: map[string]func(ComponentInteraction){}}
}

func (m *fakeMessenger) SendMessage(_ context.Context, _ string, content string) (
	string,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, content)
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

func (m *fakeMessenger) SendEmbed(
	_ context.Context,
	_ string,
	embed *discordgo.MessageEmbed,
	_ []discordgo.MessageComponent,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeds = append(m.embeds, embed)
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

func (m *fakeMessenger) EditMessage(context.Context, string, string, string) error {
	return nil
}

func (m *fakeMessenger) DeleteMessage(context.Context, string, string) error {
	return nil
}

func (m *fakeMessenger) SubscribeComponents(
	key string,
	fn func(ComponentInteraction),
) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, key)
	}
}

// press simulates a user pressing a button owned by key. Returns
// false when no subscription exists.
func (m *fakeMessenger) press(key string, ci ComponentInteraction) bool {
	m.mu.Lock()
	fn, ok := m.handlers[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	fn(ci)
	return true
}

func (m *fakeMessenger) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *fakeMessenger) embedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.embeds)
}

func (m *fakeMessenger) allMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *fakeMessenger) lastMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return ""
	}
	return m.messages[len(m.messages)-1]
}

// fakeQuestionSource returns a canned batch (or error) for trivia
// tests.
type fakeQuestionSource struct {
	questions []TriviaQuestion
	err       error
}

func (f *fakeQuestionSource) FetchQuestions(_ context.Context, count int) (
	[]TriviaQuestion,
	error,
) {
	if f.err != nil {
		return nil, f.err
	}
	if count > len(f.questions) {
		count = len(f.questions)
	}
	return f.questions[:count], nil
}

func booleanQuestions(n int) []TriviaQuestion {
	questions := make([]TriviaQuestion, n)
	for i := range questions {
		questions[i] = TriviaQuestion{
			Category:         "General Knowledge",
			Type:             questionTypeBoolean,
			Difficulty:       difficultyEasy,
			Prompt:           fmt.Sprintf("Statement %d is true.", i+1),
			CorrectAnswer:    "True",
			IncorrectAnswers: []string{"False"},
		}
	}
	return questions
}
