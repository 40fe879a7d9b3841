package reconciler

import (
	"sort"
	"strings"
)

const openShiftContainerPlatform = "OpenShift Container Platform"

// Satellite system-purpose roles naming a RHEL variant, e.g.
// "Red Hat Enterprise Linux Server".
const rhelRolePrefix = "Red Hat Enterprise Linux"

// RHEL engineering ids reported through the rhsm RH_PROD fact.
var rhelEngineeringIDs = map[string]struct{}{
	"69":  {}, // RHEL for x86
	"419": {}, // RHEL for ARM
	"479": {}, // RHEL for x86 (HA)
	"279": {}, // RHEL for Power
	"72":  {}, // RHEL for IBM z
}

var rhelArchTags = map[string]string{
	"x86_64":  "RHEL for x86",
	"i386":    "RHEL for x86",
	"i686":    "RHEL for x86",
	"aarch64": "RHEL for ARM",
	"ppc64le": "RHEL for IBM Power",
	"s390x":   "RHEL for IBM z",
}

// NormalizeProducts derives the product id and tag sets consulted by the
// measurement rules. RHEL presence can come from rhsm engineering ids,
// installed products, the satellite system-purpose role, or the discovery
// IS_RHEL fact; rhsm facts are ignored when the host's registration is
// considered stale, satellite facts never are.
func NormalizeProducts(rhsmFacts RhsmFacts, satelliteFacts SatelliteFacts, qpcFacts QpcFacts, spFacts SystemProfileFacts, skipRhsmFacts bool) (productIDs, productTags []string) {
	ids := map[string]struct{}{}
	tags := map[string]struct{}{}

	isRHEL := qpcFacts.Present && qpcFacts.IsRHEL

	if satelliteFacts.Present && strings.HasPrefix(satelliteFacts.Role, rhelRolePrefix) {
		isRHEL = true
	}

	if rhsmFacts.Present && !skipRhsmFacts {
		for _, id := range rhsmFacts.ProductIDs {
			ids[id] = struct{}{}
			if _, ok := rhelEngineeringIDs[id]; ok {
				isRHEL = true
			}
		}
	}

	for _, product := range spFacts.InstalledProducts {
		ids[product] = struct{}{}
		if _, ok := rhelEngineeringIDs[product]; ok {
			isRHEL = true
		}
		if strings.EqualFold(product, openShiftContainerPlatform) {
			tags[openShiftContainerPlatform] = struct{}{}
		}
	}

	if isRHEL {
		tag, ok := rhelArchTags[spFacts.Arch]
		if !ok {
			tag = "RHEL"
		}
		tags[tag] = struct{}{}
	}

	return sortedKeys(ids), sortedKeys(tags)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hasTagWithPrefix(tags []string, prefix string) bool {
	for _, tag := range tags {
		if len(tag) >= len(prefix) && strings.EqualFold(tag[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
