package billing

import "github.com/samber/lo"

// creditsPerYen converts a charged amount back to credits when a session
// carries no plan.
const creditsPerYen = 5

// Plan is a purchasable credit pack priced in JPY.
type Plan struct {
	ID        string `json:"id"`
	Credits   int64  `json:"credits"`
	AmountYen int64  `json:"amountYen"`
}

var plans = []Plan{
	{ID: "basic", Credits: 5000, AmountYen: 1000},
	{ID: "standard", Credits: 15000, AmountYen: 2500},
	{ID: "pro", Credits: 50000, AmountYen: 7000},
	{ID: "business", Credits: 200000, AmountYen: 25000},
}

// Plans returns the catalog in display order.
func Plans() []Plan {
	return append([]Plan(nil), plans...)
}

// FindPlan looks a plan up by ID.
func FindPlan(id string) (Plan, bool) {
	return lo.Find(plans, func(p Plan) bool { return p.ID == id })
}
