package services

import (
	"context"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/database/repositories"
)

// userSearchItems implements fuzzy.Source over candidate users.
type userSearchItems []*models.User

func (items userSearchItems) Len() int {
	return len(items)
}

func (items userSearchItems) String(i int) string {
	return strings.ToLower(items[i].Username)
}

// UserMatch is one ranked autocomplete candidate.
type UserMatch struct {
	DiscordID string `json:"discord_id"`
	Username  string `json:"username"`
	Balance   int64  `json:"balance"`
}

// UserSearchService backs member-name autocomplete. The repository does a
// cheap ILIKE prefilter; fuzzy matching reranks the survivors so partial
// and out-of-order fragments still land on the right member.
type UserSearchService struct {
	users       repositories.UserRepository
	prefilterBy int
}

func NewUserSearchService(users repositories.UserRepository) *UserSearchService {
	return &UserSearchService{
		users:       users,
		prefilterBy: 200,
	}
}

// Search returns up to limit candidates ranked by match quality. An empty
// query returns the alphabetically first members instead.
func (s *UserSearchService) Search(ctx context.Context, query string, limit int) ([]UserMatch, error) {
	if limit <= 0 {
		limit = 25
	}

	query = strings.TrimSpace(query)
	if query == "" {
		users, err := s.users.SearchByName(ctx, "", limit)
		if err != nil {
			return nil, err
		}
		return toMatches(users, limit), nil
	}

	// Prefilter on the longest token to keep the candidate set small; the
	// full query is what gets fuzzy-ranked.
	candidates, err := s.users.SearchByName(ctx, longestToken(query), s.prefilterBy)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// Token missed entirely; fall back to ranking a page of everyone.
		candidates, err = s.users.SearchByName(ctx, "", s.prefilterBy)
		if err != nil {
			return nil, err
		}
	}

	items := userSearchItems(candidates)
	matches := fuzzy.FindFrom(strings.ToLower(query), items)

	results := make([]UserMatch, 0, limit)
	for _, match := range matches {
		u := items[match.Index]
		results = append(results, UserMatch{
			DiscordID: u.DiscordID,
			Username:  u.Username,
			Balance:   u.Balance,
		})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}

func toMatches(users []*models.User, limit int) []UserMatch {
	results := make([]UserMatch, 0, limit)
	for _, u := range users {
		results = append(results, UserMatch{
			DiscordID: u.DiscordID,
			Username:  u.Username,
			Balance:   u.Balance,
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

func longestToken(query string) string {
	longest := ""
	for _, token := range strings.Fields(query) {
		if len(token) > len(longest) {
			longest = token
		}
	}
	return longest
}
