package billing

import "strings"

// Tier is the entitlement level granted by a plan.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

var tierRank = map[Tier]int{
	TierFree:     0,
	TierPro:      1,
	TierBusiness: 2,
}

// AtLeast reports whether t grants everything min grants.
// Unknown tiers rank below free.
func (t Tier) AtLeast(min Tier) bool {
	rank, ok := tierRank[t]
	if !ok {
		return false
	}
	return rank >= tierRank[min]
}

// Plan is a purchasable offer shown on the pricing page.
type Plan struct {
	Tier      Tier   `json:"id"`
	Name      string `json:"name"`
	PriceID   string `json:"priceId,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Amount    int64  `json:"price"`
	Currency  string `json:"currency,omitempty"`
	Interval  string `json:"interval"`
	Popular   bool   `json:"popular,omitempty"`
}

// Catalog maps provider price and product ids to plans.
// The zero value knows only the free tier.
type Catalog struct {
	plans     []Plan
	byPrice   map[string]Plan
	byProduct map[string]Tier
}

// NewCatalog indexes plans. Plans without a product id never grant a paid tier.
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{
		plans:     make([]Plan, 0, len(plans)),
		byPrice:   make(map[string]Plan),
		byProduct: make(map[string]Tier),
	}
	for _, p := range plans {
		c.plans = append(c.plans, p)
		if id := normalizeID(p.PriceID); id != "" {
			c.byPrice[id] = p
		}
		if id := normalizeID(p.ProductID); id != "" {
			c.byProduct[id] = p.Tier
		}
	}
	return c
}

// Plans returns the catalog in declaration order.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// TierForProduct maps a provider product id to a tier.
// Unknown or empty product ids map to TierFree.
func (c *Catalog) TierForProduct(productID string) Tier {
	if c == nil {
		return TierFree
	}
	if tier, ok := c.byProduct[normalizeID(productID)]; ok {
		return tier
	}
	return TierFree
}

// PlanForPrice looks up the plan sold under a provider price id.
func (c *Catalog) PlanForPrice(priceID string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.byPrice[normalizeID(priceID)]
	return p, ok
}

// normalizeID only trims; provider ids are case-sensitive.
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
