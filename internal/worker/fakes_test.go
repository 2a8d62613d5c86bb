package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

var testEndpoints = riot.NewEndpoints("http://riot.test", "na", "key")

// fakeAPI answers queries from fixtures. League lookups are computed from the
// tiers table so any grouping of IDs gets a consistent answer.
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	tiers     map[string]string
	lookupErr error
	lookups   [][]string
	calls     map[string]int
}

type fakeResponse struct {
	body  string
	err   error
	panic bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		responses: make(map[string]fakeResponse),
		tiers:     make(map[string]string),
		calls:     make(map[string]int),
	}
}

func (f *fakeAPI) league(t *testing.T, tier string, league riot.League) {
	t.Helper()
	f.responses[testEndpoints.League(tier, DefaultMode)] = fakeResponse{body: mustJSON(t, league)}
}

func (f *fakeAPI) recent(t *testing.T, playerID string, games ...riot.Game) {
	t.Helper()
	f.responses[testEndpoints.RecentGames(playerID)] = fakeResponse{body: mustJSON(t, riot.RecentGames{Games: games})}
}

func (f *fakeAPI) fail(playerID string, err error) {
	f.responses[testEndpoints.RecentGames(playerID)] = fakeResponse{err: err}
}

func (f *fakeAPI) explode(playerID string) {
	f.responses[testEndpoints.RecentGames(playerID)] = fakeResponse{panic: true}
}

func (f *fakeAPI) Query(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	if ids, ok := lookupIDs(url); ok {
		f.lookups = append(f.lookups, ids)
		defer f.mu.Unlock()
		return f.lookupResponse(ids)
	}
	resp, ok := f.responses[url]
	f.mu.Unlock()
	switch {
	case !ok:
		return nil, nil
	case resp.panic:
		panic("unexpected payload shape")
	case resp.err != nil:
		return nil, resp.err
	default:
		return []byte(resp.body), nil
	}
}

func (f *fakeAPI) lookupResponse(ids []string) ([]byte, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := riot.LeagueEntries{}
	for _, id := range ids {
		if tier, ok := f.tiers[id]; ok {
			out[id] = []riot.LeagueRank{{Queue: DefaultMode, Tier: tier}}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return json.Marshal(out)
}

func (f *fakeAPI) lookupSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.lookups))
	for i, ids := range f.lookups {
		sizes[i] = len(ids)
	}
	return sizes
}

// lookupsOf counts the league lookups whose group included id.
func (f *fakeAPI) lookupsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ids := range f.lookups {
		for _, got := range ids {
			if got == id {
				n++
			}
		}
	}
	return n
}

func (f *fakeAPI) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func lookupIDs(url string) ([]string, bool) {
	const marker = "/league/by-summoner/"
	start := strings.Index(url, marker)
	if start < 0 {
		return nil, false
	}
	rest := url[start+len(marker):]
	end := strings.Index(rest, "/entry")
	if end < 0 {
		return nil, false
	}
	return strings.Split(rest[:end], ","), true
}

// testClock advances virtual time on Sleep and yields briefly so background
// tasks make progress.
type testClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	time.Sleep(200 * time.Microsecond)
	return ctx.Err()
}

func (c *testClock) count(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

type countingGovernor struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	acquires int
}

func (g *countingGovernor) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight++
	g.acquires++
	g.peak = max(g.peak, g.inFlight)
	return nil
}

func (g *countingGovernor) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
}

func (g *countingGovernor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

type memJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *memJournal) WriteLine(line string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, line)
	return nil
}

func (j *memJournal) contains(substr string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, l := range j.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type memRecords struct {
	mu      sync.Mutex
	records [][]string
}

func (r *memRecords) WriteRecord(fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, append([]string(nil), fields...))
	return nil
}

func (r *memRecords) first() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec[0])
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	players []crawler.PlayerRecord
	games   []crawler.GameRecord
}

func (s *memStore) SavePlayer(_ context.Context, p crawler.PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = append(s.players, p)
	return nil
}

func (s *memStore) SaveGame(_ context.Context, g crawler.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = append(s.games, g)
	return nil
}

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

type harness struct {
	api      *fakeAPI
	clock    *testClock
	governor *countingGovernor
	journal  *memJournal
	players  *memRecords
	games    *memRecords
	store    *memStore
}

func newHarness() *harness {
	return &harness{
		api:      newFakeAPI(),
		clock:    &testClock{now: time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)},
		governor: &countingGovernor{},
		journal:  &memJournal{},
		players:  &memRecords{},
		games:    &memRecords{},
		store:    &memStore{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Querier:   h.api,
		Governor:  h.governor,
		Endpoints: testEndpoints,
		Clock:     h.clock,
		Journal:   h.journal,
		Players:   h.players,
		Games:     h.games,
		Store:     h.store,
		IDs:       staticIDs("run-1"),
	}
}

func testConfig() Config {
	return Config{
		Server:             "na",
		StabilityChecks:    3,
		CompletionCooldown: 10 * time.Second,
		BatchCooldown:      200 * time.Second,
	}
}

func game(id int, subType string, fellows ...string) riot.Game {
	g := riot.Game{
		GameID:     riot.ID(fmt.Sprint(id)),
		SubType:    subType,
		TeamID:     riot.BlueTeam,
		ChampionID: 1,
		Stats:      riot.GameStats{Win: true},
	}
	for i, f := range fellows {
		team := riot.BlueTeam
		if i%2 == 0 {
			team = riot.PurpleTeam
		}
		g.FellowPlayers = append(g.FellowPlayers, riot.Fellow{SummonerID: riot.ID(f), TeamID: team, ChampionID: 10 + i})
	}
	return g
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
