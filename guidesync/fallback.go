package guidesync

// fixed, self-contained demo data used when no live connection is
// available. It satisfies the same top-level shape as the real guide
// document so the render callback never special-cases "no data".
//
// activation conditions: identity acquisition failure, empty/non-existent
// remote document on first read, terminal error classes, or retry
// exhaustion with an empty mirror. The first successful push after a
// fallback period fully supersedes it.
func DemoGuideDocument() Document {
	return Document{
		"familyMembers": []any{
			map[string]any{"name": "Dana", "role": "parent"},
			map[string]any{"name": "Alex", "role": "parent"},
			map[string]any{"name": "Noa", "age": 6},
			map[string]any{"name": "Tom", "age": 3},
		},
		"flightData": map[string]any{
			"bookingRef":  "DEMO42",
			"airline":     "Demo Air",
			"departure":   "2025-07-12T08:40:00Z",
			"arrival":     "2025-07-12T11:25:00Z",
			"destination": "Geneva (GVA)",
		},
		"hotelData": map[string]any{
			"name":     "Lakeside Family Hotel",
			"address":  "Quai du Mont-Blanc 19, Geneva",
			"checkIn":  "2025-07-12",
			"checkOut": "2025-07-19",
		},
		"itinerary": []any{
			map[string]any{
				"day":   1,
				"title": "Old Town walk & Jet d'Eau",
				"notes": "Stroller friendly along the quay.",
			},
			map[string]any{
				"day":   2,
				"title": "Natural History Museum",
				"notes": "Free entry, rainy-day favorite.",
			},
			map[string]any{
				"day":   3,
				"title": "Bains des Pâquis",
				"notes": "Shallow water area for the kids.",
			},
		},
		"activities": []any{
			map[string]any{"name": "Parc des Bastions playground", "category": "outdoor"},
			map[string]any{"name": "Mini-train ride", "category": "outdoor"},
			map[string]any{"name": "Chocolate tasting", "category": "food"},
		},
		"packingList": map[string]any{
			"documents": []any{"passports", "booking confirmations"},
			"kids":      []any{"stroller", "snacks", "rain jackets"},
			"misc":      []any{"power adapters", "first-aid kit"},
		},
		"photos": []any{},
		"chat":   []any{},
	}
}
