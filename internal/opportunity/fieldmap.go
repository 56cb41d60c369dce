// Package opportunity is the storage agent for canonical funding records:
// payload-key to column translation, value sanitization, and persistence.
package opportunity

// fieldColumns maps canonical camelCase payload keys to their columns.
// Snake-case spellings map to themselves so diffs computed against stored
// rows translate too. One table drives both insert and patch.
var fieldColumns = map[string]string{
	"externalId":   "external_id",
	"title":        "title",
	"description":  "description",
	"status":       "status",
	"minimumAward": "minimum_award",
	"maximumAward": "maximum_award",
	"totalFunding": "total_funding",
	"openDate":     "open_date",
	"closeDate":    "close_date",
	"eligibility":  "eligibility",
	"categories":   "categories",
	"isNational":   "is_national",
	"url":          "url",

	"external_id":   "external_id",
	"minimum_award": "minimum_award",
	"maximum_award": "maximum_award",
	"total_funding": "total_funding",
	"open_date":     "open_date",
	"close_date":    "close_date",
	"is_national":   "is_national",
	"analysis":      "analysis",
}

// Column resolves a payload key to its column name.
func Column(key string) (string, bool) {
	col, ok := fieldColumns[key]
	return col, ok
}
