package funnel

import (
	"errors"
	"strings"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
)

// ErrMalformedToken is returned for callback tokens not shaped funnel:<key>:<action>.
var ErrMalformedToken = errors.New("funnel: malformed callback token")

// CallbackToken is the parsed form of a button action token.
type CallbackToken struct {
	FunnelKey string
	Action    string
}

// EncodeToken builds the opaque action token for a choice of a funnel.
func EncodeToken(funnelKey, action string) string {
	return constants.CallbackPrefix + ":" + funnelKey + ":" + action
}

// ParseToken parses funnel:<key>:<action>. The action is lowercased.
func ParseToken(token string) (CallbackToken, error) {
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 3 || parts[0] != constants.CallbackPrefix || parts[1] == "" || parts[2] == "" {
		return CallbackToken{}, ErrMalformedToken
	}
	return CallbackToken{FunnelKey: parts[1], Action: strings.ToLower(parts[2])}, nil
}

// RenderChoices returns the step's choices with actions encoded as callback tokens.
func RenderChoices(funnelKey string, step models.FunnelStep) []models.Choice {
	if len(step.Choices) == 0 {
		return nil
	}
	out := make([]models.Choice, len(step.Choices))
	for i, c := range step.Choices {
		out[i] = models.Choice{Label: c.Label, Action: EncodeToken(funnelKey, c.Action)}
	}
	return out
}
