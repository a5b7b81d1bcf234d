// Package enem talks to the public ENEM exam API (https://api.enem.dev/v1).
package enem

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"

	"trivia-duel-service/internal/domain"
)

const DefaultBaseURL = "https://api.enem.dev/v1"

const (
	defaultTotal = 180
	maxPageSize  = 50
)

// ErrNoMatch is returned when a sampled page holds no question of the wanted discipline.
var ErrNoMatch = eris.New("no question for discipline on sampled page")

var disciplines = map[string]string{
	"Math":              "matematica",
	"Mathematics":       "matematica",
	"matematica":        "matematica",
	"Linguagens":        "linguagens",
	"linguagens":        "linguagens",
	"Humanas":           "ciencias-humanas",
	"ciencias-humanas":  "ciencias-humanas",
	"Natureza":          "ciencias-natureza",
	"ciencias-natureza": "ciencias-natureza",
}

// Discipline maps a client topic to an ENEM discipline. Unknown topics pass through.
func Discipline(topic string) string {
	if d, ok := disciplines[topic]; ok {
		return d
	}
	if topic == "" {
		return "matematica"
	}
	return topic
}

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

// ImageURLs extracts image links from markdown.
func ImageURLs(md string) []string {
	matches := markdownImage.FindAllStringSubmatch(md, -1)
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m[1])
	}
	return urls
}

type exam struct {
	Title string `json:"title"`
	Year  int    `json:"year"`
}

// examList accepts both a bare array and the {"value": [...]} envelope.
type examList []exam

func (l *examList) UnmarshalJSON(b []byte) error {
	var arr []exam
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var env struct {
		Value []exam `json:"value"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*l = env.Value
	return nil
}

type alternative struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
	File   string `json:"file"`
}

// Question is the API representation of an exam question.
type Question struct {
	Title                    string        `json:"title"`
	Index                    int           `json:"index"`
	Discipline               string        `json:"discipline"`
	Year                     int           `json:"year"`
	Context                  string        `json:"context"`
	CorrectAlternative       string        `json:"correctAlternative"`
	AlternativesIntroduction string        `json:"alternativesIntroduction"`
	Alternatives             []alternative `json:"alternatives"`
}

type questionsPage struct {
	Metadata struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
		Total  int `json:"total"`
	} `json:"metadata"`
	Questions []Question `json:"questions"`
}

// Convert splits an API question into the player-facing question and its answer key.
func (q Question) Convert(discipline string) (domain.Question, domain.AnswerKey) {
	id := fmt.Sprintf("enem-%d-%d", q.Year, q.Index)
	options := make([]domain.Option, 0, len(q.Alternatives))
	correctText := ""
	for _, a := range q.Alternatives {
		options = append(options, domain.Option{Letter: a.Letter, Text: a.Text, ImageURL: a.File})
		if a.Letter == q.CorrectAlternative {
			correctText = a.Text
		}
	}
	topic := q.Discipline
	if topic == "" {
		topic = discipline
	}
	text := q.AlternativesIntroduction
	if text == "" {
		text = q.Title
	}
	question := domain.Question{
		ID:        id,
		Topic:     topic,
		Text:      text,
		Context:   q.Context,
		ImageURLs: ImageURLs(q.Context),
		Options:   options,
	}
	key := domain.AnswerKey{
		QuestionID:    id,
		CorrectLetter: q.CorrectAlternative,
		CorrectText:   correctText,
		Options:       options,
	}
	return question, key
}

// Client fetches questions from the ENEM API. The exam-year list is cached and
// concurrent refreshes collapse into one request.
type Client struct {
	base     string
	http     *http.Client
	yearsTTL time.Duration
	now      func() time.Time
	sf       singleflight.Group

	mu       sync.Mutex
	rnd      *rand.Rand
	years    []int
	yearsExp time.Time
}

func NewClient(base string, httpClient *http.Client, yearsTTL time.Duration) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:     base,
		http:     httpClient,
		yearsTTL: yearsTTL,
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick samples one question of the discipline: a random exam year, then a random page of it.
func (c *Client) Pick(ctx context.Context, discipline string) (domain.Question, domain.AnswerKey, error) {
	years, err := c.ExamYears(ctx)
	if err != nil {
		return domain.Question{}, domain.AnswerKey{}, err
	}
	year := years[c.intn(len(years))]

	meta, err := c.page(ctx, year, 0, 1)
	if err != nil {
		return domain.Question{}, domain.AnswerKey{}, err
	}
	total := meta.Metadata.Total
	if total <= 0 {
		total = defaultTotal
	}
	limit := total
	if limit > maxPageSize {
		limit = maxPageSize
	}
	span := total - limit
	if span < 1 {
		span = 1
	}
	page, err := c.page(ctx, year, c.intn(span), limit)
	if err != nil {
		return domain.Question{}, domain.AnswerKey{}, err
	}

	var matching []Question
	for _, q := range page.Questions {
		if q.Discipline == discipline {
			matching = append(matching, q)
		}
	}
	if len(matching) == 0 {
		return domain.Question{}, domain.AnswerKey{}, eris.Wrapf(ErrNoMatch, "%s in %d", discipline, year)
	}
	q, key := matching[c.intn(len(matching))].Convert(discipline)
	return q, key, nil
}

// ExamYears lists the years with a published exam.
func (c *Client) ExamYears(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	if len(c.years) > 0 && c.now().Before(c.yearsExp) {
		years := c.years
		c.mu.Unlock()
		return years, nil
	}
	c.mu.Unlock()

	result, err, _ := c.sf.Do("years", func() (interface{}, error) {
		var exams examList
		if err := c.getJSON(ctx, c.base+"/exams", &exams); err != nil {
			return nil, err
		}
		years := make([]int, 0, len(exams))
		for _, e := range exams {
			if e.Year > 0 {
				years = append(years, e.Year)
			}
		}
		if len(years) == 0 {
			return nil, eris.New("enem: no exams listed")
		}
		c.mu.Lock()
		c.years = years
		c.yearsExp = c.now().Add(c.yearsTTL)
		c.mu.Unlock()
		return years, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]int), nil
}

func (c *Client) page(ctx context.Context, year, offset, limit int) (questionsPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var page questionsPage
	err := c.getJSON(ctx, fmt.Sprintf("%s/exams/%d/questions?%s", c.base, year, q.Encode()), &page)
	return page, err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return eris.Wrap(err, "build enem request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "GET %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("enem: GET %s: status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "decode %s", endpoint)
	}
	return nil
}

func (c *Client) intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Intn(n)
}
