package ownership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOwnedBy(t *testing.T) {
	story := Story{ID: "s1", AuthorID: "author", StorytellerID: "teller"}
	if !story.OwnedBy("author") || !story.OwnedBy("teller") {
		t.Fatal("author and storyteller should own the story")
	}
	if story.OwnedBy("stranger") || story.OwnedBy("") {
		t.Fatal("unexpected owner")
	}
	if got := (Story{AuthorID: "a", StorytellerID: "a"}).Owners(); len(got) != 1 {
		t.Fatalf("duplicate owners: %v", got)
	}
}

func TestResolveTenant(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	s.PutOrganization("org1", "tenant-org")

	tenant, err := ResolveTenant(ctx, s, Story{ID: "s", OrganizationID: "org1", TenantID: "tenant-story"}, "")
	if err != nil || tenant != "tenant-org" {
		t.Fatalf("expected organization tenant, got %q %v", tenant, err)
	}
	tenant, err = ResolveTenant(ctx, s, Story{ID: "s", OrganizationID: "missing", TenantID: "tenant-story"}, "")
	if err != nil || tenant != "tenant-story" {
		t.Fatalf("expected story tenant, got %q %v", tenant, err)
	}
	tenant, err = ResolveTenant(ctx, s, Story{ID: "s"}, "tenant-actor")
	if err != nil || tenant != "tenant-actor" {
		t.Fatalf("expected fallback tenant, got %q %v", tenant, err)
	}
	if _, err := ResolveTenant(ctx, s, Story{ID: "s"}, ""); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected ErrTenantUnresolved, got %v", err)
	}
}

func TestRevokeDistributionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	if err := s.CreateDistribution(ctx, Distribution{ID: "d1", StoryID: "s1", Status: DistributionActive}); err != nil {
		t.Fatal(err)
	}
	rev := Revocation{By: "u1", Reason: "done", At: time.Now()}

	changed, err := s.RevokeDistribution(ctx, "d1", rev)
	if err != nil || !changed {
		t.Fatalf("first revoke: changed=%v err=%v", changed, err)
	}
	changed, err = s.RevokeDistribution(ctx, "d1", rev)
	if err != nil || changed {
		t.Fatalf("second revoke should be a no-op: changed=%v err=%v", changed, err)
	}
	d, _ := s.GetDistribution(ctx, "d1")
	if d.Status != DistributionRevoked || d.RevokedBy != "u1" {
		t.Fatalf("unexpected distribution: %+v", d)
	}
	if _, err := s.RevokeDistribution(ctx, "missing", rev); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentBulkRevokeConverges(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	for _, id := range []string{"t1", "t2", "t3"} {
		_ = s.CreateToken(ctx, EmbedToken{ID: id, StoryID: "s1", Status: TokenActive})
	}
	_ = s.CreateToken(ctx, EmbedToken{ID: "other", StoryID: "s2", Status: TokenActive})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.RevokeActiveTokens(ctx, "s1", Revocation{By: "u", At: time.Now()})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += len(out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 3 {
		t.Fatalf("expected exactly 3 transitions, got %d", total)
	}
	active, _ := s.ListActiveTokens(ctx, "s1")
	if len(active) != 0 {
		t.Fatalf("expected no active tokens, got %d", len(active))
	}
	other, _ := s.ListActiveTokens(ctx, "s2")
	if len(other) != 1 {
		t.Fatal("revoke leaked into another story")
	}
}

func TestFindTokenPrefersHash(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	_ = s.CreateToken(ctx, EmbedToken{ID: "hashed", Token: "raw-a", TokenHash: "hash-a", Status: TokenActive})
	_ = s.CreateToken(ctx, EmbedToken{ID: "legacy", Token: "raw-b", Status: TokenActive})

	tok, err := s.FindToken(ctx, "hash-a", "raw-a")
	if err != nil || tok.ID != "hashed" {
		t.Fatalf("hash lookup: %+v %v", tok, err)
	}
	tok, err = s.FindToken(ctx, "no-such-hash", "raw-b")
	if err != nil || tok.ID != "legacy" {
		t.Fatalf("raw fallback: %+v %v", tok, err)
	}
	if _, err := s.FindToken(ctx, "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithdrawConsentClearsFlags(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	s.PutStory(Story{ID: "s1", HasConsent: true, ConsentVerified: true, SharingEnabled: true, EmbedsEnabled: true})

	if err := s.WithdrawConsent(ctx, "s1", time.Now()); err != nil {
		t.Fatal(err)
	}
	story, _ := s.GetStory(ctx, "s1")
	if story.HasConsent || story.ConsentVerified || story.SharingEnabled || story.EmbedsEnabled {
		t.Fatalf("flags not cleared: %+v", story)
	}
	if story.ConsentWithdrawnAt == nil {
		t.Fatal("withdrawal time not recorded")
	}
}

func TestListAuditByActorNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	for i, actor := range []string{"a", "b", "a", "a"} {
		_ = s.AppendAudit(ctx, AuditEntry{ID: string(rune('0' + i)), ActorID: actor})
	}
	out, _ := s.ListAuditByActor(ctx, "a", 2)
	if len(out) != 2 || out[0].ID != "3" || out[1].ID != "2" {
		t.Fatalf("unexpected audit window: %+v", out)
	}
}
