// Package riot builds game-statistics API URLs and decodes the response fields
// the crawl needs.
package riot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultHostTemplate is expanded with the region to form the API host.
const DefaultHostTemplate = "https://{region}.api.pvp.net"

// Endpoints builds request URLs for one region.
type Endpoints struct {
	host   string
	region string
	apiKey string
}

// NewEndpoints expands hostTemplate (which may contain "{region}") for region.
func NewEndpoints(hostTemplate, region, apiKey string) Endpoints {
	if hostTemplate == "" {
		hostTemplate = DefaultHostTemplate
	}
	region = strings.ToLower(region)
	host := strings.TrimRight(strings.ReplaceAll(hostTemplate, "{region}", region), "/")
	return Endpoints{host: host, region: region, apiKey: apiKey}
}

// Region returns the lower-cased region name.
func (e Endpoints) Region() string {
	return e.region
}

// League returns the leaderboard URL for tier in game mode.
func (e Endpoints) League(tier, mode string) string {
	return fmt.Sprintf("%s/api/lol/%s/v2.5/league/%s?type=%s&api_key=%s",
		e.host, e.region, strings.ToLower(tier), url.QueryEscape(mode), url.QueryEscape(e.apiKey))
}

// RecentGames returns the recent-games URL for one player.
func (e Endpoints) RecentGames(playerID string) string {
	return fmt.Sprintf("%s/api/lol/%s/v1.3/game/by-summoner/%s/recent?api_key=%s",
		e.host, e.region, url.PathEscape(playerID), url.QueryEscape(e.apiKey))
}

// LeagueEntries returns the batched league-entry URL for a group of players.
func (e Endpoints) LeagueEntries(playerIDs []string) string {
	escaped := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		escaped[i] = url.PathEscape(id)
	}
	return fmt.Sprintf("%s/api/lol/%s/v2.5/league/by-summoner/%s/entry?api_key=%s",
		e.host, e.region, strings.Join(escaped, ","), url.QueryEscape(e.apiKey))
}

// RedactKey replaces the api_key query value in rawURL so it can be journaled.
func RedactKey(rawURL string) string {
	idx := strings.Index(rawURL, "api_key=")
	if idx < 0 {
		return rawURL
	}
	start := idx + len("api_key=")
	end := strings.IndexByte(rawURL[start:], '&')
	if end < 0 {
		return rawURL[:start] + "REDACTED"
	}
	return rawURL[:start] + "REDACTED" + rawURL[start+end:]
}

// ID is an entity identifier that the API may encode as a JSON string or number.
type ID string

// UnmarshalJSON accepts both quoted and bare numeric identifiers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier text.
func (id ID) String() string {
	return string(id)
}

// League is the leaderboard payload.
type League struct {
	Tier    string        `json:"tier"`
	Queue   string        `json:"queue"`
	Entries []LeagueEntry `json:"entries"`
}

// LeagueEntry is one leaderboard row. Tier is usually absent and inherited
// from the league.
type LeagueEntry struct {
	PlayerOrTeamID ID     `json:"playerOrTeamId"`
	Tier           string `json:"tier,omitempty"`
}

// EntryTier returns the entry's own tier, falling back to the league's.
func (l League) EntryTier(e LeagueEntry) string {
	if e.Tier != "" {
		return e.Tier
	}
	return l.Tier
}

// RecentGames is the recent-games payload for one player.
type RecentGames struct {
	SummonerID ID     `json:"summonerId"`
	Games      []Game `json:"games"`
}

// Game is one entry of a player's recent games.
type Game struct {
	GameID        ID        `json:"gameId"`
	SubType       string    `json:"subType"`
	TeamID        int       `json:"teamId"`
	ChampionID    int       `json:"championId"`
	Stats         GameStats `json:"stats"`
	FellowPlayers []Fellow  `json:"fellowPlayers"`
}

// GameStats holds the outcome of a game from the requesting player's side.
type GameStats struct {
	Win bool `json:"win"`
}

// Fellow is another participant of a game.
type Fellow struct {
	SummonerID ID  `json:"summonerId"`
	TeamID     int `json:"teamId"`
	ChampionID int `json:"championId"`
}

// Team identifiers used by two-sided modes.
const (
	BlueTeam   = 100
	PurpleTeam = 200
)

// WinningTeam derives the winning side from the requesting player's result.
func (g Game) WinningTeam() int {
	switch {
	case g.TeamID == BlueTeam && g.Stats.Win, g.TeamID == PurpleTeam && !g.Stats.Win:
		return BlueTeam
	case g.TeamID == PurpleTeam && g.Stats.Win, g.TeamID == BlueTeam && !g.Stats.Win:
		return PurpleTeam
	default:
		return 0
	}
}

// Champions splits champion choices per side, including the requesting
// player's own pick.
func (g Game) Champions() (blue, purple []int) {
	add := func(team, champion int) {
		switch team {
		case BlueTeam:
			blue = append(blue, champion)
		case PurpleTeam:
			purple = append(purple, champion)
		}
	}
	add(g.TeamID, g.ChampionID)
	for _, f := range g.FellowPlayers {
		add(f.TeamID, f.ChampionID)
	}
	return blue, purple
}

// LeagueEntries maps a player ID to the leagues that player belongs to.
type LeagueEntries map[string][]LeagueRank

// LeagueRank is one league membership of a player.
type LeagueRank struct {
	Queue string `json:"queue"`
	Tier  string `json:"tier"`
}

// Rank returns the tier the player holds in queue, if any.
func (e LeagueEntries) Rank(playerID, queue string) (string, bool) {
	for _, r := range e[playerID] {
		if strings.EqualFold(r.Queue, queue) {
			return r.Tier, true
		}
	}
	return "", false
}

// TierSet is a case-insensitive allow-list of tiers.
type TierSet map[string]struct{}

// NewTierSet builds a TierSet from tier names.
func NewTierSet(tiers ...string) TierSet {
	set := make(TierSet, len(tiers))
	for _, t := range tiers {
		set[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return set
}

// Contains reports whether tier is in the set.
func (s TierSet) Contains(tier string) bool {
	_, ok := s[strings.ToUpper(strings.TrimSpace(tier))]
	return ok
}
