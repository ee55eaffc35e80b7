// Package classifier maps model identifiers to a tier and parses
// class-prefixed model requests (spec §4.4), adapted from the original
// gateway/model_class.rs. Pure and free of I/O.
package classifier

import (
	"strings"

	"github.com/runnergateway/gateway/internal/gwtypes"
)

// Config supplies the two tier lists the classifier consults.
type Config struct {
	Big  []string
	Fast []string
}

// Classify maps modelID to a tier, case-insensitively, checking Big before
// Fast. Returns ok=false if the model appears in neither list.
func Classify(modelID string, cfg Config) (gwtypes.ModelTier, bool) {
	for _, id := range cfg.Big {
		if strings.EqualFold(id, modelID) {
			return gwtypes.TierBig, true
		}
	}
	for _, id := range cfg.Fast {
		if strings.EqualFold(id, modelID) {
			return gwtypes.TierFast, true
		}
	}
	return "", false
}

// tierFromString parses "big"/"fast" case-insensitively.
func tierFromString(s string) (gwtypes.ModelTier, bool) {
	switch strings.ToLower(s) {
	case "big":
		return gwtypes.TierBig, true
	case "fast":
		return gwtypes.TierFast, true
	default:
		return "", false
	}
}

// ParseModelRequest parses the incoming "model" field. "class:<tier>"
// yields a Class request when <tier> is a known tier; anything else,
// including "class:<unknown>", yields a Specific request verbatim.
func ParseModelRequest(model string) gwtypes.ModelRequest {
	if rest, ok := strings.CutPrefix(model, "class:"); ok {
		if tier, ok := tierFromString(rest); ok {
			return gwtypes.NewClassRequest(tier)
		}
	}
	return gwtypes.NewSpecificRequest(model)
}

// EffectiveClass returns the tier a request is ultimately asking for: the
// tier itself for Class requests, or the configured tier of the specific
// model id (if any) for Specific requests.
func EffectiveClass(req gwtypes.ModelRequest, cfg Config) (gwtypes.ModelTier, bool) {
	if req.IsClassRequest() {
		return req.Class, true
	}
	return Classify(req.Specific, cfg)
}

const (
	// RoleModelSpecific lets a user request any specific model id.
	RoleModelSpecific = "model:specific"
	// RoleModelClass is the default/lower permission: class requests only.
	RoleModelClass = "model:class"
)

// CanRequestModel reports whether a user holding userRoles may make req.
// Holders of model:specific may request anything; everyone else may only
// make class requests.
func CanRequestModel(userRoles []string, req gwtypes.ModelRequest) bool {
	for _, role := range userRoles {
		if role == RoleModelSpecific {
			return true
		}
	}
	return req.IsClassRequest()
}
