package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/upb/civic-gateway/models"
)

func TestResolveDelegation(t *testing.T) {
	active := func(id string, precedence int, granted time.Time) models.Delegation {
		return models.Delegation{
			ID: id, Delegator: "chief", Delegatee: "op-1",
			Scope:     []string{"notify_party"},
			ValidFrom: testNow.Add(-time.Hour), ValidUntil: testNow.Add(time.Hour),
			Precedence: precedence, GrantedAt: granted,
		}
	}
	early := testNow.Add(-48 * time.Hour)
	late := testNow.Add(-24 * time.Hour)

	tests := []struct {
		name        string
		delegations []models.Delegation
		wantID      string
		wantOK      bool
	}{
		{name: "none", wantOK: false},
		{
			name:        "highest precedence wins",
			delegations: []models.Delegation{active("d-low", 1, late), active("d-high", 5, early)},
			wantID:      "d-high", wantOK: true,
		},
		{
			name:        "most recent grant breaks precedence tie",
			delegations: []models.Delegation{active("d-old", 3, early), active("d-new", 3, late)},
			wantID:      "d-new", wantOK: true,
		},
		{
			name:        "lowest id breaks full tie",
			delegations: []models.Delegation{active("d-b", 3, late), active("d-a", 3, late)},
			wantID:      "d-a", wantOK: true,
		},
		{
			name: "other delegatee ignored",
			delegations: []models.Delegation{func() models.Delegation {
				d := active("d-x", 9, late)
				d.Delegatee = "op-2"
				return d
			}()},
			wantOK: false,
		},
		{
			name: "scope must cover intent",
			delegations: []models.Delegation{func() models.Delegation {
				d := active("d-x", 9, late)
				d.Scope = []string{"file_record"}
				return d
			}()},
			wantOK: false,
		},
		{
			name: "window end is exclusive",
			delegations: []models.Delegation{func() models.Delegation {
				d := active("d-x", 9, late)
				d.ValidUntil = testNow
				return d
			}()},
			wantOK: false,
		},
		{
			name: "window start is inclusive",
			delegations: []models.Delegation{func() models.Delegation {
				d := active("d-x", 9, late)
				d.ValidFrom = testNow
				return d
			}()},
			wantID: "d-x", wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := models.Operator{ID: "op-1", Role: "clerk", Delegations: tt.delegations}
			d, ok := ResolveDelegation(op, "notify_party", testNow)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, d.ID)
		})
	}
}
