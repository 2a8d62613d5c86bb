package crawler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/ladder-crawler/internal/ledger"
)

// FetchResponse is the result returned by a Transport implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// PlayerRecord is emitted for each qualified player.
type PlayerRecord struct {
	RunID       string    `json:"run_id"`
	Server      string    `json:"server"`
	PlayerID    string    `json:"player_id"`
	Tier        string    `json:"tier"`
	Source      string    `json:"source"`
	QualifiedAt time.Time `json:"qualified_at"`
}

// GameRecord is emitted for each registered game.
type GameRecord struct {
	RunID        string    `json:"run_id"`
	Server       string    `json:"server"`
	GameID       string    `json:"game_id"`
	SubType      string    `json:"sub_type"`
	WinningTeam  int       `json:"winning_team"`
	Team100      []int     `json:"team_100"`
	Team200      []int     `json:"team_200"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Fields renders the game as a games-file row.
func (g GameRecord) Fields() []string {
	return []string{
		g.GameID,
		g.SubType,
		strconv.Itoa(g.WinningTeam),
		joinInts(g.Team100),
		joinInts(g.Team200),
	}
}

// Summary reports the totals of a crawl for one server.
type Summary struct {
	Server      string        `json:"server"`
	RunID       string        `json:"run_id"`
	Running     bool          `json:"running"`
	Players     ledger.Counts `json:"players"`
	Games       ledger.Counts `json:"games"`
	BadRequests int64         `json:"bad_requests"`
	FailedTasks int           `json:"failed_tasks"`
	Elapsed     time.Duration `json:"elapsed"`
}

// TotalPlayers is the number of players seen in any non-discarded state.
func (s Summary) TotalPlayers() int {
	return s.Players.Total() - s.Players[ledger.Discarded]
}

// TotalGames is the number of registered games.
func (s Summary) TotalGames() int {
	return s.Games[ledger.Processed]
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ";")
}
