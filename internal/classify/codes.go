// Package classify assigns Treasury Tipped Occupation Codes (TTOC) to
// employee job titles. The Classifier interface is implemented locally by a
// deterministic keyword matcher and can be backed by a remote model for
// titles the keyword table does not cover.
package classify

// Code is one Treasury Tipped Occupation Code entry.
type Code struct {
	Code             string   `json:"code"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Tipped           bool     `json:"is_tipped"`
	TypicalTipPct    *float64 `json:"typical_tip_percentage"`
	Industry         string   `json:"industry"`
	QualifyingDuties []string `json:"qualifying_duties,omitempty"`
}

// DefaultCode is assigned when no tipped occupation can be identified.
const DefaultCode = "99901"

func tipPct(v float64) *float64 { return &v }

var codeTable = []Code{
	{
		Code:          "12401",
		Title:         "Waiter/Waitress",
		Description:   "Serves food and beverages to patrons at tables in restaurants, cocktail lounges, and other dining establishments",
		Tipped:        true,
		TypicalTipPct: tipPct(15.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12402",
		Title:         "Bartender",
		Description:   "Mixes and serves alcoholic and non-alcoholic drinks to patrons of bar, restaurant, or cocktail lounge",
		Tipped:        true,
		TypicalTipPct: tipPct(18.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12403",
		Title:         "Host/Hostess",
		Description:   "Welcomes guests, manages reservations, and seats customers at restaurants",
		Tipped:        true,
		TypicalTipPct: tipPct(5.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12404",
		Title:         "Busser/Bus Person",
		Description:   "Clears and sets tables, assists waitstaff, and maintains dining area cleanliness",
		Tipped:        true,
		TypicalTipPct: tipPct(8.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12405",
		Title:         "Barback",
		Description:   "Assists bartenders by restocking supplies, cleaning bar area, and preparing garnishes",
		Tipped:        true,
		TypicalTipPct: tipPct(10.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12406",
		Title:         "Food Runner",
		Description:   "Delivers food orders from kitchen to customers' tables",
		Tipped:        true,
		TypicalTipPct: tipPct(8.0),
		Industry:      "restaurant",
	},
	{
		Code:          "12501",
		Title:         "Hotel Bellhop",
		Description:   "Assists hotel guests with luggage, escorts to rooms, and provides information about hotel services",
		Tipped:        true,
		Industry:      "hospitality",
	},
	{
		Code:          "12502",
		Title:         "Hotel Concierge",
		Description:   "Assists hotel guests with reservations, recommendations, and special requests",
		Tipped:        true,
		Industry:      "hospitality",
	},
	{
		Code:          "12503",
		Title:         "Valet Parking Attendant",
		Description:   "Parks and retrieves guests' vehicles at hotels, restaurants, and events",
		Tipped:        true,
		Industry:      "hospitality",
	},
	{
		Code:          "12504",
		Title:         "Room Service Attendant",
		Description:   "Delivers food and beverage orders to hotel guest rooms",
		Tipped:        true,
		TypicalTipPct: tipPct(15.0),
		Industry:      "hospitality",
	},
	{
		Code:          "12601",
		Title:         "Casino Dealer",
		Description:   "Operates table games such as blackjack, poker, roulette, and craps at casinos",
		Tipped:        true,
		Industry:      "casino",
	},
	{
		Code:          "12602",
		Title:         "Casino Cocktail Server",
		Description:   "Serves beverages to casino patrons on the gaming floor",
		Tipped:        true,
		TypicalTipPct: tipPct(20.0),
		Industry:      "casino",
	},
	{
		Code:          "12701",
		Title:         "Hairdresser/Hairstylist",
		Description:   "Cuts, colors, and styles hair for customers at salons",
		Tipped:        true,
		TypicalTipPct: tipPct(20.0),
		Industry:      "personal_care",
	},
	{
		Code:          "12702",
		Title:         "Nail Technician/Manicurist",
		Description:   "Provides manicures, pedicures, and nail treatments",
		Tipped:        true,
		TypicalTipPct: tipPct(20.0),
		Industry:      "personal_care",
	},
	{
		Code:          "12703",
		Title:         "Massage Therapist",
		Description:   "Provides massage therapy services to clients",
		Tipped:        true,
		TypicalTipPct: tipPct(20.0),
		Industry:      "personal_care",
	},
	{
		Code:          "12801",
		Title:         "Taxi/Rideshare Driver",
		Description:   "Transports passengers to destinations via taxi or rideshare service",
		Tipped:        true,
		TypicalTipPct: tipPct(15.0),
		Industry:      "transportation",
	},
	{
		Code:          "12802",
		Title:         "Delivery Driver",
		Description:   "Delivers food, packages, or other goods to customers",
		Tipped:        true,
		TypicalTipPct: tipPct(15.0),
		Industry:      "transportation",
	},
	{
		Code:          DefaultCode,
		Title:         "Non-Tipped Employee",
		Description:   "Employee in a role that does not customarily receive tips",
		Tipped:        false,
		TypicalTipPct: tipPct(0.0),
		Industry:      "general",
	},
}

var codeLookup = func() map[string]Code {
	m := make(map[string]Code, len(codeTable))
	for _, c := range codeTable {
		m[c.Code] = c
	}
	return m
}()

// Lookup returns the table entry for code. Unknown codes return the
// non-tipped default so callers always get a usable entry.
func Lookup(code string) (Code, bool) {
	c, ok := codeLookup[code]
	if !ok {
		return codeLookup[DefaultCode], false
	}
	return c, true
}

// IsTipped reports whether code identifies a customarily tipped occupation.
func IsTipped(code string) bool {
	c, ok := codeLookup[code]
	return ok && c.Tipped
}

// List returns TTOC entries, optionally filtered by industry and tipped
// status. The result is a copy in table order.
func List(industry string, tippedOnly bool) []Code {
	out := make([]Code, 0, len(codeTable))
	for _, c := range codeTable {
		if industry != "" && c.Industry != industry {
			continue
		}
		if tippedOnly && !c.Tipped {
			continue
		}
		out = append(out, c)
	}
	return out
}
