package sports

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is returned when an upstream body is not the JSON object the
// endpoint should produce.
var ErrMalformed = errors.New("malformed upstream payload")

// flexString accepts a JSON string, number, bool or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	*s = flexString(b)
	return nil
}

// flexInt accepts a JSON number, a numeric string, an empty string or null.
// Anything unparseable becomes nil rather than an error.
type flexInt struct {
	v *int
}

func (n *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		n.v = nil
		return nil
	}
	str := strings.ReplaceAll(string(s), ",", "")
	if str == "" {
		n.v = nil
		return nil
	}
	if i, err := strconv.Atoi(str); err == nil {
		n.v = &i
		return nil
	}
	if f, err := strconv.ParseFloat(str, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		i := int(f)
		n.v = &i
		return nil
	}
	n.v = nil
	return nil
}

func (n flexInt) ptr() *int { return n.v }

func (n flexInt) int() int {
	if n.v == nil {
		return 0
	}
	return *n.v
}

type wireEvent struct {
	ID         flexString `json:"idEvent"`
	Name       flexString `json:"strEvent"`
	Sport      flexString `json:"strSport"`
	LeagueID   flexString `json:"idLeague"`
	League     flexString `json:"strLeague"`
	Season     flexString `json:"strSeason"`
	Round      flexInt    `json:"intRound"`
	HomeTeamID flexString `json:"idHomeTeam"`
	HomeTeam   flexString `json:"strHomeTeam"`
	AwayTeamID flexString `json:"idAwayTeam"`
	AwayTeam   flexString `json:"strAwayTeam"`
	HomeScore  flexInt    `json:"intHomeScore"`
	AwayScore  flexInt    `json:"intAwayScore"`
	Date       flexString `json:"dateEvent"`
	Time       flexString `json:"strTime"`
	Timestamp  flexString `json:"strTimestamp"`
	Status     flexString `json:"strStatus"`
	Progress   flexString `json:"strProgress"`
	VenueID    flexString `json:"idVenue"`
	Venue      flexString `json:"strVenue"`
	Thumbnail  flexString `json:"strThumb"`
	Video      flexString `json:"strVideo"`
}

func (w wireEvent) record() (Event, bool) {
	if w.ID == "" {
		return Event{}, false
	}
	name := string(w.Name)
	if name == "" && w.HomeTeam != "" && w.AwayTeam != "" {
		name = string(w.HomeTeam) + " vs " + string(w.AwayTeam)
	}
	return Event{
		ID:         string(w.ID),
		Name:       name,
		Sport:      string(w.Sport),
		LeagueID:   string(w.LeagueID),
		League:     string(w.League),
		Season:     string(w.Season),
		Round:      w.Round.int(),
		HomeTeamID: string(w.HomeTeamID),
		HomeTeam:   string(w.HomeTeam),
		AwayTeamID: string(w.AwayTeamID),
		AwayTeam:   string(w.AwayTeam),
		HomeScore:  w.HomeScore.ptr(),
		AwayScore:  w.AwayScore.ptr(),
		Date:       string(w.Date),
		Time:       string(w.Time),
		Timestamp:  string(w.Timestamp),
		Status:     string(w.Status),
		Progress:   string(w.Progress),
		VenueID:    string(w.VenueID),
		Venue:      string(w.Venue),
		Thumbnail:  string(w.Thumbnail),
		Video:      string(w.Video),
	}, true
}

type wireLeague struct {
	ID            flexString `json:"idLeague"`
	Name          flexString `json:"strLeague"`
	Sport         flexString `json:"strSport"`
	AlternateName flexString `json:"strLeagueAlternate"`
	Country       flexString `json:"strCountry"`
	CurrentSeason flexString `json:"strCurrentSeason"`
	Badge         flexString `json:"strBadge"`
}

func (w wireLeague) record() (League, bool) {
	if w.ID == "" {
		return League{}, false
	}
	return League{
		ID:            string(w.ID),
		Name:          string(w.Name),
		Sport:         string(w.Sport),
		AlternateName: string(w.AlternateName),
		Country:       string(w.Country),
		CurrentSeason: string(w.CurrentSeason),
		Badge:         string(w.Badge),
	}, true
}

type wireTeam struct {
	ID        flexString `json:"idTeam"`
	Name      flexString `json:"strTeam"`
	ShortName flexString `json:"strTeamShort"`
	Sport     flexString `json:"strSport"`
	LeagueID  flexString `json:"idLeague"`
	League    flexString `json:"strLeague"`
	Stadium   flexString `json:"strStadium"`
	VenueID   flexString `json:"idVenue"`
	Country   flexString `json:"strCountry"`
	Badge     flexString `json:"strBadge"`
	Founded   flexInt    `json:"intFormedYear"`
}

func (w wireTeam) record() (Team, bool) {
	if w.ID == "" {
		return Team{}, false
	}
	return Team{
		ID:        string(w.ID),
		Name:      string(w.Name),
		ShortName: string(w.ShortName),
		Sport:     string(w.Sport),
		LeagueID:  string(w.LeagueID),
		League:    string(w.League),
		Stadium:   string(w.Stadium),
		VenueID:   string(w.VenueID),
		Country:   string(w.Country),
		Badge:     string(w.Badge),
		Founded:   w.Founded.int(),
	}, true
}

type wireVenue struct {
	ID        flexString `json:"idVenue"`
	Name      flexString `json:"strVenue"`
	Location  flexString `json:"strLocation"`
	Country   flexString `json:"strCountry"`
	Capacity  flexInt    `json:"intCapacity"`
	Thumbnail flexString `json:"strThumb"`
}

func (w wireVenue) record() (Venue, bool) {
	if w.ID == "" {
		return Venue{}, false
	}
	return Venue{
		ID:        string(w.ID),
		Name:      string(w.Name),
		Location:  string(w.Location),
		Country:   string(w.Country),
		Capacity:  w.Capacity.int(),
		Thumbnail: string(w.Thumbnail),
	}, true
}

type wireHighlight struct {
	EventID   flexString `json:"idEvent"`
	Event     flexString `json:"strEvent"`
	League    flexString `json:"strLeague"`
	Sport     flexString `json:"strSport"`
	Video     flexString `json:"strVideo"`
	Thumbnail flexString `json:"strThumb"`
	Date      flexString `json:"dateEvent"`
}

func (w wireHighlight) record() (Highlight, bool) {
	if w.EventID == "" || w.Video == "" {
		return Highlight{}, false
	}
	return Highlight{
		EventID:   string(w.EventID),
		Event:     string(w.Event),
		League:    string(w.League),
		Sport:     string(w.Sport),
		Video:     string(w.Video),
		Thumbnail: string(w.Thumbnail),
		Date:      string(w.Date),
	}, true
}

type wireStanding struct {
	Rank         flexInt    `json:"intRank"`
	TeamID       flexString `json:"idTeam"`
	Team         flexString `json:"strTeam"`
	Badge        flexString `json:"strBadge"`
	Played       flexInt    `json:"intPlayed"`
	Win          flexInt    `json:"intWin"`
	Draw         flexInt    `json:"intDraw"`
	Loss         flexInt    `json:"intLoss"`
	GoalsFor     flexInt    `json:"intGoalsFor"`
	GoalsAgainst flexInt    `json:"intGoalsAgainst"`
	GoalDiff     flexInt    `json:"intGoalDifference"`
	Points       flexInt    `json:"intPoints"`
	Form         flexString `json:"strForm"`
}

func (w wireStanding) record() (Standing, bool) {
	if w.TeamID == "" {
		return Standing{}, false
	}
	return Standing{
		Rank:         w.Rank.int(),
		TeamID:       string(w.TeamID),
		Team:         string(w.Team),
		Badge:        string(w.Badge),
		Played:       w.Played.int(),
		Win:          w.Win.int(),
		Draw:         w.Draw.int(),
		Loss:         w.Loss.int(),
		GoalsFor:     w.GoalsFor.int(),
		GoalsAgainst: w.GoalsAgainst.int(),
		GoalDiff:     w.GoalDiff.int(),
		Points:       w.Points.int(),
		Form:         string(w.Form),
	}, true
}

// wire is implemented by the upstream shapes above.
type wire[T any] interface {
	record() (T, bool)
}

// decodeList finds the first of keys in a JSON object and decodes its array
// item by item. Items that fail to decode or lack an id are skipped. A null
// array yields an empty result; an object with none of keys is ErrMalformed,
// since the upstream reports quota and key errors as 200 with a message body.
func decodeList[T any, W wire[T]](data []byte, keys ...string) ([]T, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, key := range keys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			// Upstream reports "no data" as null or a plain string.
			return []T{}, nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			var w W
			if err := json.Unmarshal(item, &w); err != nil {
				continue
			}
			if rec, ok := w.record(); ok {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: none of %s present", ErrMalformed, strings.Join(keys, ", "))
}

// ParseEvents decodes event lists (day schedules, league fixtures, lookups,
// livescores).
func ParseEvents(data []byte) ([]Event, error) {
	return decodeList[Event, wireEvent](data, "events", "event", "livescore", "results")
}

// ParseLeagues decodes league lists and lookups.
func ParseLeagues(data []byte) ([]League, error) {
	return decodeList[League, wireLeague](data, "leagues", "countries", "countrys")
}

// ParseTeams decodes team lists and lookups.
func ParseTeams(data []byte) ([]Team, error) {
	return decodeList[Team, wireTeam](data, "teams")
}

// ParseVenues decodes venue lookups.
func ParseVenues(data []byte) ([]Venue, error) {
	return decodeList[Venue, wireVenue](data, "venues")
}

// ParseHighlights decodes highlight lists.
func ParseHighlights(data []byte) ([]Highlight, error) {
	return decodeList[Highlight, wireHighlight](data, "tvhighlights", "highlights", "events")
}

// ParseStandings decodes a league table.
func ParseStandings(data []byte) ([]Standing, error) {
	return decodeList[Standing, wireStanding](data, "table")
}
