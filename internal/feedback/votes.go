package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v68/github"
)

// Reaction weights.
var reactionWeights = map[string]int{
	"+1":     1,
	"heart":  2,
	"rocket": 3,
	"-1":     -1,
}

// ReactionLister is the slice of the GitHub API the vote cache needs;
// tests inject canned reactions.
type ReactionLister interface {
	ListIssueReactions(ctx context.Context, owner, repo string, number int) ([]*github.Reaction, error)
}

// GitHubReactions adapts the real client.
type GitHubReactions struct {
	client *github.Client
}

// NewGitHubReactions builds the adapter; an empty token gives
// unauthenticated (rate-limited) access.
func NewGitHubReactions(token string) *GitHubReactions {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubReactions{client: client}
}

func (g *GitHubReactions) ListIssueReactions(ctx context.Context, owner, repo string, number int) ([]*github.Reaction, error) {
	var all []*github.Reaction
	opts := &github.ListOptions{PerPage: 100}
	for {
		reactions, resp, err := g.client.Reactions.ListIssueReactions(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list reactions: %w", err)
		}
		all = append(all, reactions...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// VoteCache caches weighted reaction scores per issue with a TTL.
type VoteCache struct {
	store  *Store
	lister ReactionLister
	owner  string
	repo   string
	ttl    time.Duration
	now    func() time.Time
}

// NewVoteCache wires the cache over the feedback database.
func NewVoteCache(store *Store, lister ReactionLister, owner, repo string, ttl time.Duration) *VoteCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &VoteCache{store: store, lister: lister, owner: owner, repo: repo, ttl: ttl, now: time.Now}
}

// Votes returns the weighted score for an issue, fetching from GitHub
// only when the cached value is missing or stale. A fetch failure serves
// the stale value when one exists.
func (v *VoteCache) Votes(ctx context.Context, issueNumber int) (int, error) {
	key := fmt.Sprintf("%s/%s#%d", v.owner, v.repo, issueNumber)

	score, fetchedAt, found := v.cached(ctx, key)
	if found && v.now().UTC().Sub(fetchedAt) < v.ttl {
		return score, nil
	}

	reactions, err := v.lister.ListIssueReactions(ctx, v.owner, v.repo, issueNumber)
	if err != nil {
		if found {
			slog.Debug("vote fetch failed, serving stale cache", "issue", key, "error", err)
			return score, nil
		}
		return 0, err
	}

	counts := map[string]int{}
	fresh := 0
	for _, r := range reactions {
		content := r.GetContent()
		counts[content]++
		fresh += reactionWeights[content]
	}
	if err := v.put(ctx, key, fresh, counts); err != nil {
		slog.Warn("vote cache write failed", "issue", key, "error", err)
	}
	return fresh, nil
}

func (v *VoteCache) cached(ctx context.Context, key string) (int, time.Time, bool) {
	var score int
	var fetched string
	err := v.store.db.QueryRowContext(ctx,
		`SELECT score, fetched_at FROM vote_cache WHERE issue_key = ?`, key).Scan(&score, &fetched)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Debug("vote cache read failed", "issue", key, "error", err)
		}
		return 0, time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, fetched)
	if err != nil {
		return 0, time.Time{}, false
	}
	return score, t, true
}

func (v *VoteCache) put(ctx context.Context, key string, score int, counts map[string]int) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = v.store.db.ExecContext(ctx,
		`INSERT INTO vote_cache (issue_key, score, raw_counts, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(issue_key) DO UPDATE SET
		   score = excluded.score, raw_counts = excluded.raw_counts, fetched_at = excluded.fetched_at`,
		key, score, string(raw), v.now().UTC().Format(time.RFC3339))
	return err
}
