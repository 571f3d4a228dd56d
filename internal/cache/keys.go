package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key prefixes and TTLs for the three cache tiers. Definitions are tier 1
// and live until the registry reloads them; session state is tier 2; derived
// results (activation decisions, tool output) are tier 3.
const (
	// DefinitionTTL is zero: journey and guideline definitions never expire
	// on their own, the registry invalidates them on reload.
	DefinitionTTL = time.Duration(0)
	// SessionContextTTL bounds how long idle session state stays cached.
	SessionContextTTL = 30 * time.Minute
	// ActivationTTL bounds replay of a cached activation decision for an
	// identical utterance in the same session.
	ActivationTTL = 5 * time.Minute
	// ToolResultTTL is the default retention for cacheable tool output.
	ToolResultTTL = 30 * time.Minute
)

const (
	journeyDefPrefix    = "journey:def:"
	guidelineDefPrefix  = "guideline:def:"
	sessionCtxPrefix    = "session:ctx:"
	activationPrefix    = "activation:"
	toolResultPrefix    = "tool:result:"
)

// JourneyDefKey addresses a cached journey definition.
func JourneyDefKey(journeyID string) string {
	return journeyDefPrefix + journeyID
}

// GuidelineDefKey addresses a cached guideline definition.
func GuidelineDefKey(guidelineID string) string {
	return guidelineDefPrefix + guidelineID
}

// SessionContextKey addresses the active journey contexts for a session.
func SessionContextKey(sessionID string) string {
	return sessionCtxPrefix + sessionID
}

// ActivationKey addresses a cached activation decision for one utterance in
// one session. The utterance is hashed so arbitrary caller text never
// becomes part of a key.
func ActivationKey(sessionID, utterance string) string {
	sum := sha256.Sum256([]byte(utterance))
	return activationPrefix + sessionID + ":" + hex.EncodeToString(sum[:])
}

// ToolResultKey addresses cached output of a tool call with a given
// argument fingerprint.
func ToolResultKey(toolName, argsFingerprint string) string {
	return toolResultPrefix + toolName + ":" + argsFingerprint
}

// InvalidateDefinitions drops every cached definition, used by the registry
// when it reloads from the store.
func InvalidateDefinitions(c Cache) {
	c.InvalidatePrefix(journeyDefPrefix)
	c.InvalidatePrefix(guidelineDefPrefix)
}

// InvalidateSession drops all session-scoped entries when a session ends.
func InvalidateSession(c Cache, sessionID string) {
	c.Invalidate(SessionContextKey(sessionID))
	c.InvalidatePrefix(activationPrefix + sessionID + ":")
}
