package logistics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ttacon/libphonenumber"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type ContactGroup struct {
	Category string
	Contacts []Contact
}

// GroupContacts buckets contacts by category for the directory view.
// Categories and names within them are collated case-insensitively; contacts
// without a category land in "Other".
func GroupContacts(contacts []Contact) []ContactGroup {
	byCategory := map[string][]Contact{}
	var categories []string
	for _, contact := range contacts {
		category := contact.CategoryOrDefault()
		if _, ok := byCategory[category]; !ok {
			categories = append(categories, category)
		}
		byCategory[category] = append(byCategory[category], contact)
	}
	col := collate.New(language.English, collate.IgnoreCase)
	sort.SliceStable(categories, func(i, j int) bool {
		return col.CompareString(categories[i], categories[j]) < 0
	})
	groups := make([]ContactGroup, 0, len(categories))
	for _, category := range categories {
		members := byCategory[category]
		sort.SliceStable(members, func(i, j int) bool {
			return col.CompareString(members[i].Name, members[j].Name) < 0
		})
		groups = append(groups, ContactGroup{Category: category, Contacts: members})
	}
	return groups
}

// NormalizePhone parses raw in the given default region and formats it as
// E.164 for tel: links.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}
	if region == "" {
		region = defaultPhoneRegion
	}
	num, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", ErrInvalidInput, raw, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: phone %q is not a valid number", ErrInvalidInput, raw)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
