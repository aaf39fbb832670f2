package notify

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultDropTemplate is used when a pack has no SMS template of its own.
const DefaultDropTemplate = "{title} just dropped! Make your takes before it closes ({time_remaining}): {url}"

// DropVariables are the values substituted into a pack drop template.
type DropVariables struct {
	Title         string
	URL           string
	League        string
	TimeRemaining string
}

// RenderDrop substitutes {title}, {url}, {league} and {time_remaining} in the template.
// Unknown placeholders are left untouched.
func RenderDrop(template string, vars DropVariables) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultDropTemplate
	}
	replacer := strings.NewReplacer(
		"{title}", vars.Title,
		"{url}", vars.URL,
		"{league}", strings.ToUpper(vars.League),
		"{time_remaining}", vars.TimeRemaining,
	)
	return strings.TrimSpace(replacer.Replace(template))
}

// TimeRemaining renders the time until closeTime, e.g. "3 hours left".
func TimeRemaining(now time.Time, closeTime *time.Time) string {
	if closeTime == nil {
		return "no deadline"
	}
	if !closeTime.After(now) {
		return "closing now"
	}
	return humanize.RelTime(*closeTime, now, "ago", "left")
}
