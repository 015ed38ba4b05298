package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "feedback.db"), 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Record(ctx, Entry{
		SessionID: "s1", Feature: "quality-gates", Rating: 3,
		Reason: "caught a real bug", UserPromptedAfterTools: 12,
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.ForFeature(ctx, "quality-gates")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Rating != 3 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRatingRange(t *testing.T) {
	s := openTestStore(t)
	for _, r := range []int{-1, 4, 99} {
		if err := s.Record(context.Background(), Entry{SessionID: "s", Feature: "f", Rating: r}); err == nil {
			t.Errorf("rating %d accepted", r)
		}
	}
}

func TestShouldPromptGap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Fresh session: first prompt allowed once 10 calls accumulate.
	if ok, _ := s.ShouldPrompt(ctx, "s1", 9); ok {
		t.Error("prompted before the gap")
	}
	if ok, _ := s.ShouldPrompt(ctx, "s1", 10); !ok {
		t.Error("not prompted at the gap")
	}

	// Recording feedback at call 12 restarts the gap.
	s.Record(ctx, Entry{SessionID: "s1", Feature: "f", Rating: 2, UserPromptedAfterTools: 12})
	if ok, _ := s.ShouldPrompt(ctx, "s1", 19); ok {
		t.Error("prompted inside the new gap")
	}
	if ok, _ := s.ShouldPrompt(ctx, "s1", 22); !ok {
		t.Error("not prompted after the new gap")
	}
}

func TestDismissalsSuppressPrompts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		s.RecordDismissal(ctx, "s1", (i+1)*10)
	}
	if ok, _ := s.ShouldPrompt(ctx, "s1", 500); ok {
		t.Error("prompted after max dismissals")
	}
	// Other sessions are unaffected.
	if ok, _ := s.ShouldPrompt(ctx, "s2", 500); !ok {
		t.Error("suppression leaked across sessions")
	}
}

// cannedReactions scripts the GitHub API.
type cannedReactions struct {
	reactions []*github.Reaction
	calls     int
	fail      bool
}

func (c *cannedReactions) ListIssueReactions(context.Context, string, string, int) ([]*github.Reaction, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("api down")
	}
	return c.reactions, nil
}

func reaction(content string) *github.Reaction {
	return &github.Reaction{Content: github.Ptr(content)}
}

func TestVoteWeights(t *testing.T) {
	s := openTestStore(t)
	lister := &cannedReactions{reactions: []*github.Reaction{
		reaction("+1"), reaction("+1"), // +2
		reaction("heart"),  // +2
		reaction("rocket"), // +3
		reaction("-1"),     // -1
		reaction("eyes"),   // 0
	}}
	vc := NewVoteCache(s, lister, "acme", "widget", time.Hour)

	score, err := vc.Votes(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if score != 6 {
		t.Errorf("score = %d, want 6", score)
	}
}

func TestVoteCacheTTL(t *testing.T) {
	s := openTestStore(t)
	lister := &cannedReactions{reactions: []*github.Reaction{reaction("+1")}}
	vc := NewVoteCache(s, lister, "acme", "widget", time.Hour)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vc.now = func() time.Time { return now }
	ctx := context.Background()

	vc.Votes(ctx, 1)
	vc.Votes(ctx, 1) // within TTL: served from cache
	if lister.calls != 1 {
		t.Errorf("api calls = %d, want 1", lister.calls)
	}

	now = now.Add(2 * time.Hour)
	vc.Votes(ctx, 1) // stale: refetch
	if lister.calls != 2 {
		t.Errorf("api calls = %d, want 2", lister.calls)
	}
}

func TestVoteCacheServesStaleOnFailure(t *testing.T) {
	s := openTestStore(t)
	lister := &cannedReactions{reactions: []*github.Reaction{reaction("rocket")}}
	vc := NewVoteCache(s, lister, "acme", "widget", time.Hour)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vc.now = func() time.Time { return now }
	ctx := context.Background()

	if score, _ := vc.Votes(ctx, 2); score != 3 {
		t.Fatalf("initial score = %d", score)
	}

	now = now.Add(3 * time.Hour)
	lister.fail = true
	score, err := vc.Votes(ctx, 2)
	if err != nil || score != 3 {
		t.Errorf("stale serve = %d, %v", score, err)
	}
}

func TestPriorityComposition(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		issue IssueInfo
		votes int
		min   float64
		max   float64
	}{
		{
			"hot security epic",
			IssueInfo{Labels: []string{"security"}, UpdatedAt: now.AddDate(0, 0, -45), IsEpic: true},
			50, 0.95, 1.0,
		},
		{
			"quiet chore",
			IssueInfo{Labels: []string{"chore"}, UpdatedAt: now},
			0, 0.0, 0.05,
		},
		{
			"popular enhancement",
			IssueInfo{Labels: []string{"enhancement"}, UpdatedAt: now.AddDate(0, 0, -15)},
			10, 0.4, 0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Priority(tt.issue, tt.votes, now)
			if got < tt.min || got > tt.max {
				t.Errorf("priority = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestPriorityMonotonicInVotes(t *testing.T) {
	now := time.Now()
	issue := IssueInfo{Labels: []string{"bug"}, UpdatedAt: now.AddDate(0, 0, -10)}
	prev := -1.0
	for _, votes := range []int{0, 1, 5, 20, 100} {
		p := Priority(issue, votes, now)
		if p < prev {
			t.Errorf("priority decreased at %d votes: %v < %v", votes, p, prev)
		}
		prev = p
	}
}
