package gateway

import (
	"strings"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// FolderInbox is the placement folder counted as a successful delivery.
const FolderInbox = "inbox"

// ProviderAliases maps scorer provider names to condition provider names.
var ProviderAliases = map[string]string{
	"gmail":     "google",
	"google":    "google",
	"microsoft": "outlook",
	"outlook":   "outlook",
	"office365": "outlook",
	"hotmail":   "outlook",
}

// Placement is where one seed inbox received the test email.
type Placement struct {
	Provider string `json:"provider"`
	Folder   string `json:"folder"`
}

// PlacementScore returns, per provider, the fraction of seed inboxes that
// received the email in the inbox, rounded to two decimals. Providers are
// normalised through ProviderAliases; unknown names are kept lower-cased.
func PlacementScore(placements []Placement) map[string]float64 {
	total := make(map[string]int)
	inbox := make(map[string]int)
	for _, p := range placements {
		name := strings.ToLower(strings.TrimSpace(p.Provider))
		if alias, ok := ProviderAliases[name]; ok {
			name = alias
		}
		if name == "" {
			continue
		}
		total[name]++
		if strings.EqualFold(p.Folder, FolderInbox) {
			inbox[name]++
		}
	}

	scores := make(map[string]float64, len(total))
	for name, n := range total {
		scores[name] = domain.RoundScore(float64(inbox[name]) / float64(n))
	}
	return scores
}
