// Package safety decides whether a story may leave its community on an external surface.
//
// Rules are evaluated in a fixed order and the first failing rule wins, so callers always
// receive the most fundamental reason (consent before sensitivity, sensitivity before tags).
// Validate has no side effects and is safe to call at issuance and again at serve time.
package safety

import (
	"strings"

	"storykeep.org/internal/ownership"
)

// Surface is where the story would be exposed. Reason strings are worded per surface.
type Surface string

const (
	SurfaceDistribution Surface = "distribution"
	SurfaceEmbed        Surface = "embed"
)

// Rule names identify which check blocked.
const (
	RuleConsentWithdrawn  = "consent_withdrawn"
	RuleConsentUnverified = "consent_unverified"
	RuleSacred            = "sacred"
	RuleElderApproval     = "elder_approval"
	RuleElderReview       = "elder_review"
	RuleTraditional       = "traditional_knowledge"
	RuleCeremonial        = "ceremonial"
	RuleSacredTag         = "sacred_tag"
	RuleRestricted        = "restricted"
)

// Decision is the outcome of a safety check.
type Decision struct {
	Allowed               bool
	Rule                  string
	Reason                string
	RequiresElderApproval bool
	SensitivityLevel      ownership.Sensitivity
}

// Err returns a *ownership.SafetyError for a blocked decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ownership.SafetyError{
		Rule:                  d.Rule,
		Reason:                d.Reason,
		RequiresElderApproval: d.RequiresElderApproval,
		SensitivityLevel:      d.SensitivityLevel,
	}
}

// Validate runs every rule against story for an actor holding perms.
func Validate(story ownership.Story, perms ownership.CulturalPermissions, surface Surface) Decision {
	if d, blocked := validateStory(story, surface); blocked {
		return d
	}
	level := Level(story)
	tags := readTags(story)

	if tags.traditional && !perms.CanShareTraditional {
		return block(RuleTraditional, level, false,
			"This story contains traditional knowledge. You need cultural permission to share traditional content externally.")
	}
	if tags.ceremonial && !perms.CanShareCeremonial {
		return block(RuleCeremonial, level, false,
			"This story contains ceremonial content. You need cultural permission to share ceremonial content externally.")
	}
	if tags.sacred {
		return block(RuleSacredTag, ownership.SensitivitySacred, false,
			"This story is marked as sacred content and cannot be "+verb(surface)+" externally.")
	}
	if tags.restricted && !perms.CanShareRestricted {
		return block(RuleRestricted, level, false,
			"This story is marked as restricted/community-only content and cannot be "+verb(surface)+" externally.")
	}
	return Decision{Allowed: true, SensitivityLevel: level}
}

// ValidateContent is the serve-time check. It re-runs the consent, sensitivity and
// sacred-tag rules; permission-gated tag rules belong to the issuing actor and were
// checked when the credential was issued.
func ValidateContent(story ownership.Story, surface Surface) Decision {
	if d, blocked := validateStory(story, surface); blocked {
		return d
	}
	level := Level(story)
	if readTags(story).sacred {
		return block(RuleSacredTag, ownership.SensitivitySacred, false,
			"This story is marked as sacred content and cannot be "+verb(surface)+" externally.")
	}
	return Decision{Allowed: true, SensitivityLevel: level}
}

func validateStory(story ownership.Story, surface Surface) (Decision, bool) {
	level := Level(story)

	if story.ConsentWithdrawnAt != nil {
		return block(RuleConsentWithdrawn, level, false, "Consent has been withdrawn for this story"), true
	}
	if !story.HasConsent || !story.ConsentVerified {
		return block(RuleConsentUnverified, level, false,
			"Story requires verified consent before "+noun(surface)), true
	}
	if level == ownership.SensitivitySacred {
		if surface == SurfaceEmbed {
			return block(RuleSacred, level, false,
				"Sacred content cannot be embedded externally. This content is protected under OCAP principles and must remain within the community."), true
		}
		return block(RuleSacred, level, false, "Sacred content cannot be distributed externally"), true
	}
	if level == ownership.SensitivityHigh && !story.ElderApproval {
		if surface == SurfaceEmbed {
			return block(RuleElderApproval, level, true,
				"HIGH sensitivity stories require elder approval before external embedding. Please request elder review through the cultural safety workflow."), true
		}
		return block(RuleElderApproval, level, true,
			"HIGH sensitivity stories require elder approval before distribution"), true
	}
	if story.RequiresElderReview && story.CulturalReviewStatus != "approved" {
		status := story.CulturalReviewStatus
		if status == "" {
			status = "pending"
		}
		return block(RuleElderReview, level, true,
			"This story requires elder review before "+noun(surface)+". Current status: "+status), true
	}
	return Decision{}, false
}

// Level returns the normalised sensitivity of story, defaulting to standard.
func Level(story ownership.Story) ownership.Sensitivity {
	level := ownership.Sensitivity(strings.ToLower(strings.TrimSpace(string(story.Sensitivity))))
	if level == "" {
		return ownership.SensitivityStandard
	}
	return level
}

type tagSet struct {
	traditional bool
	ceremonial  bool
	sacred      bool
	restricted  bool
}

func readTags(story ownership.Story) tagSet {
	var ts tagSet
	for _, raw := range story.CulturalTags {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "traditional", "traditional_knowledge", "traditional-knowledge":
			ts.traditional = true
		case "ceremonial", "ceremony":
			ts.ceremonial = true
		case "sacred":
			ts.sacred = true
		case "restricted", "community-only":
			ts.restricted = true
		}
	}
	flag := func(key string) bool {
		v, ok := story.CulturalContext[key].(bool)
		return ok && v
	}
	ts.traditional = ts.traditional || flag("is_traditional_knowledge") || flag("contains_traditional_knowledge")
	ts.ceremonial = ts.ceremonial || flag("is_ceremonial") || flag("contains_ceremonial_content")
	ts.sacred = ts.sacred || flag("is_sacred")
	ts.restricted = ts.restricted || flag("is_restricted")
	return ts
}

func block(rule string, level ownership.Sensitivity, elder bool, reason string) Decision {
	return Decision{
		Rule:                  rule,
		Reason:                reason,
		RequiresElderApproval: elder,
		SensitivityLevel:      level,
	}
}

func verb(s Surface) string {
	if s == SurfaceEmbed {
		return "embedded"
	}
	return "distributed"
}

func noun(s Surface) string {
	if s == SurfaceEmbed {
		return "external embedding"
	}
	return "distribution"
}
