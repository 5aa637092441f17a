package provider

import "strings"

// ExpandID turns a bare identifier into a full protocol address: ids
// containing "-" are treated as group ids, everything else as a user phone
// number. Already qualified ids pass through unchanged.
func ExpandID(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	if strings.Contains(id, "-") {
		return id + GroupDomainSuffix
	}
	return id + UserDomainSuffix
}
