package concord

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"
)

const (
	questionTypeBoolean  = "boolean"
	questionTypeMultiple = "multiple"

	difficultyEasy   = "easy"
	difficultyMedium = "medium"
	difficultyHard   = "hard"
)

// TriviaQuestion is one question as delivered by the question source,
// already HTML-unescaped.
type TriviaQuestion struct {
	Category         string   `json:"category"`
	Type             string   `json:"type"`
	Difficulty       string   `json:"difficulty"`
	Prompt           string   `json:"question"`
	CorrectAnswer    string   `json:"correct_answer"`
	IncorrectAnswers []string `json:"incorrect_answers"`
}

// Points returns the question's value: 1 for true/false, and 1/2/3 for
// easy/medium/hard multiple choice.
func (q TriviaQuestion) Points() int {
	if q.Type == questionTypeBoolean {
		return 1
	}
	switch q.Difficulty {
	case difficultyMedium:
		return 2
	case difficultyHard:
		return 3
	default:
		return 1
	}
}

// QuestionSource supplies question batches for trivia sessions.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, count int) ([]TriviaQuestion, error)
}

type openTDBResponse struct {
	ResponseCode int              `json:"response_code"`
	Results      []TriviaQuestion `json:"results"`
}

// openTDBClient fetches questions from an OpenTDB-compatible endpoint.
// Outbound requests are rate limited; OpenTDB throttles aggressively.
type openTDBClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newOpenTDBClient(config *TriviaConfig, httpClient *http.Client, log *slog.Logger) *openTDBClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultTriviaRequestsPerSec
	}
	return &openTDBClient{
		baseURL:    config.QuestionURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     log.With(loggerNameKey, "question_source"),
	}
}

func (c *openTDBClient) FetchQuestions(ctx context.Context, count int) (
	[]TriviaQuestion,
	error,
) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", ErrExternalService, err)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad question url: %w", ErrExternalService, err)
	}
	q := u.Query()
	q.Set("amount", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExternalService, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching questions: %w", ErrExternalService, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: question source returned %s", ErrExternalService, resp.Status,
		)
	}

	var body openTDBResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding question response: %w", ErrExternalService, err)
	}
	if body.ResponseCode != 0 || len(body.Results) == 0 {
		return nil, fmt.Errorf(
			"%w: response code %d, %d results",
			ErrQuestionsUnavailable, body.ResponseCode, len(body.Results),
		)
	}

	questions := make([]TriviaQuestion, len(body.Results))
	for i, result := range body.Results {
		result.Prompt = html.UnescapeString(result.Prompt)
		result.Category = html.UnescapeString(result.Category)
		result.CorrectAnswer = html.UnescapeString(result.CorrectAnswer)
		answers := make([]string, len(result.IncorrectAnswers))
		for j, a := range result.IncorrectAnswers {
			answers[j] = html.UnescapeString(a)
		}
		result.IncorrectAnswers = answers
		questions[i] = result
	}
	c.logger.DebugContext(ctx, "fetched questions", "count", len(questions))
	return questions, nil
}
