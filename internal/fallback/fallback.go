// Package fallback supplies the records served when neither the cache nor
// the upstream API can answer. The fetcher takes a Provider so tests can
// substitute deterministic data and assert that the fallback path was taken.
package fallback

import (
	"github.com/ferro-labs/matchday/internal/sports"
)

// Provider returns substitute records per resource type. Implementations
// must be safe for concurrent use and must never return nil slices.
type Provider interface {
	LiveScores() []sports.Event
	Events(date, sport string) []sports.Event
	Event(id string) []sports.Event
	LeagueEvents(leagueID string) []sports.Event
	Leagues() []sports.League
	Teams(leagueID string) []sports.Team
	Venue(id string) []sports.Venue
	Highlights(date string) []sports.Highlight
	Standings(leagueID string) []sports.Standing
}

// Empty answers every resource with an empty list.
type Empty struct{}

func (Empty) LiveScores() []sports.Event { return []sports.Event{} }
func (Empty) Events(string, string) []sports.Event { return []sports.Event{} }
func (Empty) Event(string) []sports.Event { return []sports.Event{} }
func (Empty) LeagueEvents(string) []sports.Event { return []sports.Event{} }
func (Empty) Leagues() []sports.League { return []sports.League{} }
func (Empty) Teams(string) []sports.Team { return []sports.Team{} }
func (Empty) Venue(string) []sports.Venue { return []sports.Venue{} }
func (Empty) Highlights(string) []sports.Highlight { return []sports.Highlight{} }
func (Empty) Standings(string) []sports.Standing { return []sports.Standing{} }

// Static serves a small hard-coded set of well-known leagues, teams and
// venues. Schedules, scores and highlights are time-sensitive, so those
// resources come back empty rather than as invented fixtures.
type Static struct {
	leagues []sports.League
	teams   []sports.Team
	venues  []sports.Venue
}

// NewStatic returns the built-in fallback data set.
func NewStatic() *Static {
	return &Static{
		leagues: []sports.League{
			{ID: "4328", Name: "English Premier League", Sport: "Soccer", AlternateName: "Premier League", Country: "England"},
			{ID: "4335", Name: "Spanish La Liga", Sport: "Soccer", AlternateName: "LaLiga", Country: "Spain"},
			{ID: "4332", Name: "Italian Serie A", Sport: "Soccer", AlternateName: "Serie A", Country: "Italy"},
			{ID: "4331", Name: "German Bundesliga", Sport: "Soccer", AlternateName: "Bundesliga", Country: "Germany"},
			{ID: "4334", Name: "French Ligue 1", Sport: "Soccer", AlternateName: "Ligue 1", Country: "France"},
			{ID: "4480", Name: "UEFA Champions League", Sport: "Soccer", Country: "Worldwide"},
			{ID: "4387", Name: "NBA", Sport: "Basketball", Country: "USA"},
			{ID: "4391", Name: "NFL", Sport: "American Football", Country: "USA"},
			{ID: "4380", Name: "NHL", Sport: "Ice Hockey", Country: "USA"},
			{ID: "4424", Name: "MLB", Sport: "Baseball", Country: "USA"},
		},
		teams: []sports.Team{
			{ID: "133604", Name: "Arsenal", ShortName: "ARS", Sport: "Soccer", LeagueID: "4328", League: "English Premier League", Stadium: "Emirates Stadium", VenueID: "15528", Country: "England", Founded: 1892},
			{ID: "133602", Name: "Liverpool", ShortName: "LIV", Sport: "Soccer", LeagueID: "4328", League: "English Premier League", Stadium: "Anfield", VenueID: "15527", Country: "England", Founded: 1892},
			{ID: "133613", Name: "Manchester City", ShortName: "MCI", Sport: "Soccer", LeagueID: "4328", League: "English Premier League", Stadium: "Etihad Stadium", Country: "England", Founded: 1880},
			{ID: "133612", Name: "Manchester United", ShortName: "MUN", Sport: "Soccer", LeagueID: "4328", League: "English Premier League", Stadium: "Old Trafford", Country: "England", Founded: 1878},
			{ID: "133739", Name: "Barcelona", ShortName: "BAR", Sport: "Soccer", LeagueID: "4335", League: "Spanish La Liga", Stadium: "Estadi Olimpic Lluis Companys", Country: "Spain", Founded: 1899},
			{ID: "133738", Name: "Real Madrid", ShortName: "RMA", Sport: "Soccer", LeagueID: "4335", League: "Spanish La Liga", Stadium: "Santiago Bernabeu", Country: "Spain", Founded: 1902},
		},
		venues: []sports.Venue{
			{ID: "15528", Name: "Emirates Stadium", Location: "Holloway, London", Country: "England", Capacity: 60704},
			{ID: "15527", Name: "Anfield", Location: "Anfield, Liverpool", Country: "England", Capacity: 61276},
		},
	}
}

func (s *Static) LiveScores() []sports.Event { return []sports.Event{} }
func (s *Static) Events(string, string) []sports.Event { return []sports.Event{} }
func (s *Static) Event(string) []sports.Event { return []sports.Event{} }
func (s *Static) LeagueEvents(string) []sports.Event { return []sports.Event{} }
func (s *Static) Highlights(string) []sports.Highlight { return []sports.Highlight{} }
func (s *Static) Standings(string) []sports.Standing { return []sports.Standing{} }

// Leagues returns a copy of the built-in league list.
func (s *Static) Leagues() []sports.League {
	out := make([]sports.League, len(s.leagues))
	copy(out, s.leagues)
	return out
}

// Teams returns the built-in teams of leagueID, or every team when leagueID
// is empty.
func (s *Static) Teams(leagueID string) []sports.Team {
	out := []sports.Team{}
	for _, t := range s.teams {
		if leagueID == "" || t.LeagueID == leagueID {
			out = append(out, t)
		}
	}
	return out
}

// Venue returns the venue with id, if built in.
func (s *Static) Venue(id string) []sports.Venue {
	for _, v := range s.venues {
		if v.ID == id {
			return []sports.Venue{v}
		}
	}
	return []sports.Venue{}
}
