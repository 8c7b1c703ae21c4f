package tmdb

import "time"

// genreAnimation is TMDB's genre id for Animation, shared by movies and TV.
const genreAnimation = 16

// ExternalIDs carries the cross-provider identifiers TMDB knows about.
type ExternalIDs struct {
	ImdbID string `json:"imdb_id"`
	TvdbID int64  `json:"tvdb_id"`
}

// Genre is a TMDB genre tag.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Movie is the subset of TMDB movie details the pipeline consumes.
type Movie struct {
	ID            int64       `json:"id"`
	Title         string      `json:"title"`
	ReleaseDate   string      `json:"release_date"`
	OriginCountry []string    `json:"origin_country"`
	Genres        []Genre     `json:"genres"`
	ExternalIDs   ExternalIDs `json:"external_ids"`
}

// Year returns the release year, 0 when unknown.
func (m *Movie) Year() int {
	return yearOf(m.ReleaseDate)
}

// AiredAt returns the release date, zero when unknown.
func (m *Movie) AiredAt() time.Time {
	return dateOf(m.ReleaseDate)
}

// Country returns the primary origin country code.
func (m *Movie) Country() string {
	if len(m.OriginCountry) > 0 {
		return m.OriginCountry[0]
	}
	return ""
}

// IsAnime applies the animation-from-Japan heuristic.
func (m *Movie) IsAnime() bool {
	return isAnime(m.Genres, m.OriginCountry)
}

// SeasonSummary is the per-season stub embedded in show details.
type SeasonSummary struct {
	SeasonNumber int    `json:"season_number"`
	EpisodeCount int    `json:"episode_count"`
	AirDate      string `json:"air_date"`
	Name         string `json:"name"`
}

// Show is the subset of TMDB TV details the pipeline consumes.
type Show struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	FirstAirDate  string          `json:"first_air_date"`
	OriginCountry []string        `json:"origin_country"`
	Genres        []Genre         `json:"genres"`
	Status        string          `json:"status"`
	Seasons       []SeasonSummary `json:"seasons"`
	ExternalIDs   ExternalIDs     `json:"external_ids"`
}

// Year returns the first-air year, 0 when unknown.
func (s *Show) Year() int {
	return yearOf(s.FirstAirDate)
}

// AiredAt returns the first-air date, zero when unknown.
func (s *Show) AiredAt() time.Time {
	return dateOf(s.FirstAirDate)
}

// Country returns the primary origin country code.
func (s *Show) Country() string {
	if len(s.OriginCountry) > 0 {
		return s.OriginCountry[0]
	}
	return ""
}

// IsAnime applies the animation-from-Japan heuristic.
func (s *Show) IsAnime() bool {
	return isAnime(s.Genres, s.OriginCountry)
}

// Ended reports whether TMDB considers the show finished.
func (s *Show) Ended() bool {
	return s.Status == "Ended" || s.Status == "Canceled"
}

// Episode is one episode row from season details.
type Episode struct {
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name"`
	AirDate       string `json:"air_date"`
}

// AiredAt returns the episode air date, zero when unknown.
func (e *Episode) AiredAt() time.Time {
	return dateOf(e.AirDate)
}

// Season is the detailed view of one season including its episode list.
type Season struct {
	SeasonNumber int       `json:"season_number"`
	Name         string    `json:"name"`
	AirDate      string    `json:"air_date"`
	Episodes     []Episode `json:"episodes"`
}

// FindEntry is one match from the external-id lookup endpoint.
type FindEntry struct {
	ID        int64  `json:"id"`
	MediaType string `json:"media_type"`
}

// FindResult groups external-id lookup matches by media type.
type FindResult struct {
	MovieResults []FindEntry `json:"movie_results"`
	TVResults    []FindEntry `json:"tv_results"`
}

// ErrorResponse is TMDB's error envelope.
type ErrorResponse struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
}

func yearOf(date string) int {
	t := dateOf(date)
	if t.IsZero() {
		return 0
	}
	return t.Year()
}

func dateOf(date string) time.Time {
	if date == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isAnime(genres []Genre, origin []string) bool {
	animated := false
	for _, g := range genres {
		if g.ID == genreAnimation {
			animated = true
			break
		}
	}
	if !animated {
		return false
	}
	for _, c := range origin {
		if c == "JP" || c == "KR" {
			return true
		}
	}
	return false
}
