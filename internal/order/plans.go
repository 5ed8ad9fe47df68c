package order

import (
	"sort"

	"github.com/shopspring/decimal"

	"payment-service/internal/model"
)

// Static plan catalog. Prices never change at runtime; repricing ships as a
// deploy.
var plans = map[string]model.Plan{
	"monthly": {
		ID:           "monthly",
		Name:         "Monthly Plan",
		Price:        decimal.RequireFromString("49.90"),
		DurationDays: 30,
	},
	"quarterly": {
		ID:           "quarterly",
		Name:         "Quarterly Plan",
		Price:        decimal.RequireFromString("129.00"),
		DurationDays: 90,
	},
	"yearly": {
		ID:           "yearly",
		Name:         "Yearly Plan",
		Price:        decimal.RequireFromString("459.00"),
		DurationDays: 365,
	},
}

// Fixed percentage-discount coupon table. Unknown codes are not an error;
// they simply yield zero discount.
var couponPercents = map[string]int64{
	"WELCOME10": 10,
	"SPRING15":  15,
	"VIP20":     20,
}

func lookupPlan(planID string) (model.Plan, bool) {
	p, ok := plans[planID]
	return p, ok
}

// discountFor returns the discount amount for a coupon applied to a price,
// rounded to two fraction digits.
func discountFor(couponCode string, price decimal.Decimal) decimal.Decimal {
	pct, ok := couponPercents[couponCode]
	if !ok {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100)).Round(2)
}

// Plans lists the catalog in a stable order for the purchase page.
func Plans() []model.Plan {
	out := make([]model.Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DurationDays < out[j].DurationDays })
	return out
}
