package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/config"
	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/publisher/memory"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

// MockRunStore mocks the RunStore interface.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) SavePlayer(ctx context.Context, p crawler.PlayerRecord) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockRunStore) SaveGame(ctx context.Context, g crawler.GameRecord) error {
	return m.Called(ctx, g).Error(0)
}

func (m *MockRunStore) StartRun(ctx context.Context, runID, server string, startedAt time.Time) error {
	return m.Called(ctx, runID, server, startedAt).Error(0)
}

func (m *MockRunStore) FinishRun(ctx context.Context, s crawler.Summary, finishedAt time.Time, runErr error) error {
	return m.Called(ctx, s, finishedAt, runErr).Error(0)
}

// MockArchiver mocks the Archiver interface.
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, runID string, files ...string) ([]string, error) {
	args := m.Called(ctx, runID, files)
	return args.Get(0).([]string), args.Error(1)
}

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

// ladderAPI serves a small, fixed ladder.
type ladderAPI struct {
	mu       sync.Mutex
	requests []string
	recent   map[string]riot.RecentGames
	tiers    map[string]string
}

func newLadderAPI() *ladderAPI {
	return &ladderAPI{
		recent: map[string]riot.RecentGames{
			"p1": {SummonerID: "p1", Games: []riot.Game{{
				GameID: "1", SubType: "RANKED_SOLO_5x5", TeamID: riot.BlueTeam, ChampionID: 1,
				Stats: riot.GameStats{Win: true},
				FellowPlayers: []riot.Fellow{
					{SummonerID: "f1", TeamID: riot.PurpleTeam, ChampionID: 2},
					{SummonerID: "f2", TeamID: riot.BlueTeam, ChampionID: 3},
				},
			}}},
			"p2": {SummonerID: "p2", Games: []riot.Game{{
				GameID: "1", SubType: "RANKED_SOLO_5x5", TeamID: riot.PurpleTeam, ChampionID: 2,
				FellowPlayers: []riot.Fellow{{SummonerID: "p1", TeamID: riot.BlueTeam, ChampionID: 1}},
			}}},
			"f1": {SummonerID: "f1", Games: []riot.Game{{
				GameID: "2", SubType: "RANKED_SOLO_5x5", TeamID: riot.BlueTeam, ChampionID: 9,
			}}},
		},
		tiers: map[string]string{"f1": "MASTER", "f2": "BRONZE"},
	}
}

func (l *ladderAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	l.requests = append(l.requests, r.URL.String())
	l.mu.Unlock()

	if r.URL.Query().Get("api_key") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	path := r.URL.Path
	switch {
	case path == "/api/lol/na/v2.5/league/challenger":
		writeBody(w, riot.League{
			Tier:    "CHALLENGER",
			Queue:   r.URL.Query().Get("type"),
			Entries: []riot.LeagueEntry{{PlayerOrTeamID: "p1"}, {PlayerOrTeamID: "p2"}},
		})
	case strings.HasPrefix(path, "/api/lol/na/v1.3/game/by-summoner/"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/lol/na/v1.3/game/by-summoner/"), "/recent")
		games, ok := l.recent[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeBody(w, games)
	case strings.HasPrefix(path, "/api/lol/na/v2.5/league/by-summoner/"):
		ids := strings.TrimSuffix(strings.TrimPrefix(path, "/api/lol/na/v2.5/league/by-summoner/"), "/entry")
		entries := riot.LeagueEntries{}
		for _, id := range strings.Split(ids, ",") {
			if tier, ok := l.tiers[id]; ok {
				entries[id] = []riot.LeagueRank{{Queue: "RANKED_SOLO_5x5", Tier: tier}}
			}
		}
		writeBody(w, entries)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(t *testing.T, host string) config.Config {
	t.Helper()
	return config.Config{
		Riot: config.RiotConfig{
			HostTemplate:   host,
			Servers:        []string{"NA"},
			Mode:           "RANKED_SOLO_5x5",
			SeedTiers:      []string{"CHALLENGER"},
			QualifiedTiers: []string{"CHALLENGER", "MASTER"},
		},
		Crawler: config.CrawlerConfig{
			BatchSize:       10,
			GroupSize:       10,
			StabilityChecks: 2,
			ProgressEvery:   50,
			MaxAttempts:     3,
		},
		HTTP: config.HTTPConfig{
			TimeoutSeconds: 5,
			UserAgent:      "ladder-crawler-test",
		},
		Governor: config.GovernorConfig{Ceiling: 50, CooldownSeconds: 1},
		Output:   config.OutputConfig{Dir: t.TempDir()},
		PubSub:   config.PubSubConfig{ProjectID: "test", TopicName: "games"},
	}
}

func TestApp_RunCrawlsEveryServer(t *testing.T) {
	t.Parallel()

	ladder := newLadderAPI()
	srv := httptest.NewServer(ladder)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	store := &MockRunStore{}
	store.On("StartRun", mock.Anything, "run-na", "NA", mock.Anything).Return(nil)
	store.On("SavePlayer", mock.Anything, mock.Anything).Return(nil)
	store.On("SaveGame", mock.Anything, mock.Anything).Return(nil)
	store.On("FinishRun", mock.Anything, mock.Anything, mock.Anything, nil).Return(nil)
	archiver := &MockArchiver{}
	archiver.On("Archive", mock.Anything, "run-na", mock.Anything).Return([]string{}, nil)
	pub := memory.New()

	a, err := New(context.Background(), cfg, zap.NewNop(),
		WithIDs(staticIDs("run-na")),
		WithStore(store),
		WithPublisher(pub),
		WithArchiver(archiver),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	summaries, err := a.Run(context.Background(), "secret", nil)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	summary := summaries[0]
	require.Equal(t, "NA", summary.Server)
	require.Equal(t, "run-na", summary.RunID)
	require.Equal(t, 3, summary.Players[ledger.Processed])
	require.Equal(t, 1, summary.Players[ledger.Discarded])
	require.Equal(t, 2, summary.TotalGames())
	require.Zero(t, a.Governor().InFlight())

	store.AssertNumberOfCalls(t, "SavePlayer", 3)
	store.AssertNumberOfCalls(t, "SaveGame", 2)
	store.AssertExpectations(t)
	archiver.AssertExpectations(t)
	require.Len(t, pub.Topic("games"), 2)

	players, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "NAplayers.txt"))
	require.NoError(t, err)
	for _, id := range []string{"p1", "p2", "f1"} {
		require.Contains(t, string(players), id)
	}
	log, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "NAlog.txt"))
	require.NoError(t, err)
	require.Contains(t, string(log), "Log file created for NA")
	require.Contains(t, string(log), "Game Registered 1")
	require.NotContains(t, string(log), "secret")
}

func TestApp_NewCrawlOpensOutputFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.PubSub = config.PubSubConfig{}
	a, err := New(context.Background(), cfg, nil, WithIDs(staticIDs("run-x")))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	c, err := a.NewCrawl("EUW", "secret", []string{"seed"})
	require.NoError(t, err)
	require.Equal(t, "EUW", c.Server)
	require.Equal(t, "EUW", c.Worker.Server())
	require.Equal(t, "run-x", c.RunID)
	require.NoError(t, c.files.Close())

	for _, name := range []string{"EUWlog.txt", "EUWplayers.txt", "EUWgames.txt"} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, name))
		require.NoError(t, err, name)
	}
}

func TestApp_NewFailsFastOnBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.PubSub = config.PubSubConfig{}
	cfg.DB.DSN = "://bad"
	_, err := New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "init postgres")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newLadderAPI())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.PubSub = config.PubSubConfig{}
	a, err := New(context.Background(), cfg, nil, WithIDs(staticIDs("run-c")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summaries, err := a.Run(ctx, "secret", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, summaries, 1)
	require.False(t, summaries[0].Running)
}
