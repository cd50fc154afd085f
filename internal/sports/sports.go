// Package sports defines the records matchday serves: events, leagues,
// teams, venues, highlights and league standings.
//
// Upstream JSON is loosely typed (numbers arrive as strings, nulls, or
// numbers), so every record is parsed through the lenient field types in this
// package and records without an identifier are dropped at the boundary.
package sports

// Event is a fixture or finished match.
type Event struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Sport      string `json:"sport,omitempty"`
	LeagueID   string `json:"league_id,omitempty"`
	League     string `json:"league,omitempty"`
	Season     string `json:"season,omitempty"`
	Round      int    `json:"round,omitempty"`
	HomeTeamID string `json:"home_team_id,omitempty"`
	HomeTeam   string `json:"home_team"`
	AwayTeamID string `json:"away_team_id,omitempty"`
	AwayTeam   string `json:"away_team"`
	HomeScore  *int   `json:"home_score"`
	AwayScore  *int   `json:"away_score"`
	Date       string `json:"date,omitempty"`
	Time       string `json:"time,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Status     string `json:"status,omitempty"`
	Progress   string `json:"progress,omitempty"`
	VenueID    string `json:"venue_id,omitempty"`
	Venue      string `json:"venue,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Video      string `json:"video,omitempty"`
}

// Live reports whether the event is currently in play.
func (e Event) Live() bool {
	switch e.Status {
	case "", "NS", "Not Started", "FT", "Match Finished", "AET", "PEN", "Postponed", "Cancelled", "CANC", "PST":
		return false
	}
	return true
}

// League is a competition.
type League struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Sport         string `json:"sport,omitempty"`
	AlternateName string `json:"alternate_name,omitempty"`
	Country       string `json:"country,omitempty"`
	CurrentSeason string `json:"current_season,omitempty"`
	Badge         string `json:"badge,omitempty"`
}

// Team is a club or national side.
type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	Sport     string `json:"sport,omitempty"`
	LeagueID  string `json:"league_id,omitempty"`
	League    string `json:"league,omitempty"`
	Stadium   string `json:"stadium,omitempty"`
	VenueID   string `json:"venue_id,omitempty"`
	Country   string `json:"country,omitempty"`
	Badge     string `json:"badge,omitempty"`
	Founded   int    `json:"founded,omitempty"`
}

// Venue is a stadium or arena.
type Venue struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	Country   string `json:"country,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Highlight is a video recap attached to an event.
type Highlight struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	League    string `json:"league,omitempty"`
	Sport     string `json:"sport,omitempty"`
	Video     string `json:"video"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Date      string `json:"date,omitempty"`
}

// Standing is one row of a league table.
type Standing struct {
	Rank         int    `json:"rank"`
	TeamID       string `json:"team_id"`
	Team         string `json:"team"`
	Badge        string `json:"badge,omitempty"`
	Played       int    `json:"played"`
	Win          int    `json:"win"`
	Draw         int    `json:"draw"`
	Loss         int    `json:"loss"`
	GoalsFor     int    `json:"goals_for"`
	GoalsAgainst int    `json:"goals_against"`
	GoalDiff     int    `json:"goal_difference"`
	Points       int    `json:"points"`
	Form         string `json:"form,omitempty"`
}
