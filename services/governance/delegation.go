package governance

import (
	"sort"
	"time"

	"github.com/upb/civic-gateway/models"
)

// ResolveDelegation picks the delegation the operator acts under for intent.
// Eligible delegations name the operator as delegatee, are active at now and
// cover the intent. The highest precedence wins; ties go to the most recently
// granted, then to the lowest id.
func ResolveDelegation(operator models.Operator, intent string, now time.Time) (models.Delegation, bool) {
	var eligible []models.Delegation
	for _, d := range operator.Delegations {
		if d.Delegatee == operator.ID && d.ActiveAt(now) && d.Covers(intent) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return models.Delegation{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Precedence != b.Precedence {
			return a.Precedence > b.Precedence
		}
		if !a.GrantedAt.Equal(b.GrantedAt) {
			return a.GrantedAt.After(b.GrantedAt)
		}
		return a.ID < b.ID
	})
	return eligible[0], true
}
